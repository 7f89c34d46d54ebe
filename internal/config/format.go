package config

import (
	"strings"
)

func formatConfig(cfg *Config) string {
	var w writer
	for _, line := range cfg.Preamble {
		w.line(0, line)
	}
	if len(cfg.Preamble) > 0 {
		w.blank()
	}

	if cfg.Listen != nil {
		w.line(0, "listen "+formatValue(*cfg.Listen))
	}
	if cfg.Store != nil {
		s := "store " + formatValue(cfg.Store.Backend)
		if cfg.Store.DSN != nil {
			s += " " + formatValue(*cfg.Store.DSN)
		}
		w.line(0, s)
	}
	if cfg.RemoteAccess != nil {
		w.sep()
		b := cfg.RemoteAccess
		w.line(0, "remote_access {")
		w.directive(1, "path", b.Path)
		w.directive(1, "check_post", b.CheckPost)
		w.directive(1, "url", b.URL)
		w.directive(1, "cipher", b.Cipher)
		w.directive(1, "get_setting", b.GetSetting)
		w.directive(1, "max_body", b.MaxBody)
		if rl := b.RateLimit; rl != nil {
			w.line(1, "rate_limit {")
			w.directive(2, "rps", rl.RPS)
			w.directive(2, "burst", rl.Burst)
			w.line(1, "}")
		}
		if b.AdminKeysSet {
			w.line(1, "admin_keys {")
			for _, k := range b.AdminKeys {
				w.line(2, formatValue(k))
			}
			w.line(1, "}")
		}
		w.line(0, "}")
	}
	if cfg.Log != nil {
		w.sep()
		w.line(0, "log {")
		w.directive(1, "level", cfg.Log.Level)
		w.directive(1, "output", cfg.Log.Output)
		w.directive(1, "path", cfg.Log.Path)
		w.line(0, "}")
	}
	if cfg.Observability != nil {
		w.sep()
		o := cfg.Observability
		w.line(0, "observability {")
		w.directive(1, "access_log", o.AccessLog)
		w.directive(1, "metrics", o.Metrics)
		if t := o.Tracing; t != nil {
			if t.Enabled != nil {
				w.directive(1, "tracing", t.Enabled)
			} else {
				w.line(1, "tracing {")
				w.directive(2, "collector", t.Collector)
				w.directive(2, "insecure", t.Insecure)
				w.directive(2, "timeout", t.Timeout)
				w.line(1, "}")
			}
		}
		w.line(0, "}")
	}
	return w.String()
}

type writer struct {
	strings.Builder
	wrote bool
}

func (w *writer) line(indent int, s string) {
	w.WriteString(strings.Repeat("  ", indent))
	w.WriteString(s)
	w.WriteByte('\n')
	w.wrote = true
}

func (w *writer) blank() {
	w.WriteByte('\n')
}

// sep puts an empty line between top-level blocks.
func (w *writer) sep() {
	if w.wrote {
		w.blank()
	}
}

func (w *writer) directive(indent int, name string, v *Value) {
	if v == nil {
		return
	}
	w.line(indent, name+" "+formatValue(*v))
}

func formatValue(v Value) string {
	if !v.Quoted && !needsQuote(v.Text) {
		return v.Text
	}
	return quote(v.Text)
}

func needsQuote(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\r\n\"#{}")
}

func quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
