package config

import (
	"fmt"
)

type parser struct {
	lex     *lexer
	peeked  token
	hasPeek bool
}

func newParser(src string) *parser {
	return &parser{lex: newLexer(src)}
}

// parse returns nil when the input holds nothing but comments.
func (p *parser) parse() (*Config, error) {
	cfg := &Config{}
	sawStmt := false
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokEOF:
			if !sawStmt {
				return nil, nil
			}
			return cfg, nil
		case tokComment:
			_, _ = p.next()
			if !sawStmt {
				cfg.Preamble = append(cfg.Preamble, tok.text)
			}
			continue
		case tokWord:
			sawStmt = true
			if err := p.parseTopLevel(cfg); err != nil {
				return nil, err
			}
		default:
			return nil, p.errAt(tok.pos, "unexpected %s %q", tok.kind, tok.text)
		}
	}
}

func (p *parser) parseTopLevel(cfg *Config) error {
	name, _ := p.next()
	switch name.text {
	case "listen":
		if cfg.Listen != nil {
			return p.errAt(name.pos, "duplicate listen directive")
		}
		v, err := p.value("listen")
		if err != nil {
			return err
		}
		cfg.Listen = &v
	case "store":
		if cfg.Store != nil {
			return p.errAt(name.pos, "duplicate store directive")
		}
		b, err := p.parseStore()
		if err != nil {
			return err
		}
		cfg.Store = b
	case "remote_access":
		if cfg.RemoteAccess != nil {
			return p.errAt(name.pos, "duplicate remote_access block")
		}
		b, err := p.parseRemoteAccess()
		if err != nil {
			return err
		}
		cfg.RemoteAccess = b
	case "log":
		if cfg.Log != nil {
			return p.errAt(name.pos, "duplicate log block")
		}
		b, err := p.parseLog()
		if err != nil {
			return err
		}
		cfg.Log = b
	case "observability":
		if cfg.Observability != nil {
			return p.errAt(name.pos, "duplicate observability block")
		}
		b, err := p.parseObservability()
		if err != nil {
			return err
		}
		cfg.Observability = b
	default:
		return p.errAt(name.pos, "unknown directive %q", name.text)
	}
	return nil
}

// parseStore reads `store <backend> [dsn]`. Only the memory backend goes
// without a DSN.
func (p *parser) parseStore() (*StoreBlock, error) {
	backend, err := p.value("store")
	if err != nil {
		return nil, err
	}
	b := &StoreBlock{Backend: backend}
	if backend.Text == "memory" && !backend.Quoted {
		return b, nil
	}
	dsn, err := p.value("store " + backend.Text)
	if err != nil {
		return nil, err
	}
	b.DSN = &dsn
	return b, nil
}

func (p *parser) parseRemoteAccess() (*RemoteAccessBlock, error) {
	b := &RemoteAccessBlock{}
	err := p.block("remote_access", func(key token) error {
		var dst **Value
		switch key.text {
		case "path":
			dst = &b.Path
		case "check_post":
			dst = &b.CheckPost
		case "url":
			dst = &b.URL
		case "cipher":
			dst = &b.Cipher
		case "get_setting":
			dst = &b.GetSetting
		case "max_body":
			dst = &b.MaxBody
		case "rate_limit":
			if b.RateLimit != nil {
				return p.errAt(key.pos, "duplicate remote_access.rate_limit block")
			}
			rl, err := p.parseRateLimit()
			if err != nil {
				return err
			}
			b.RateLimit = rl
			return nil
		case "admin_keys":
			if b.AdminKeysSet {
				return p.errAt(key.pos, "duplicate remote_access.admin_keys block")
			}
			b.AdminKeysSet = true
			keys, err := p.list("remote_access.admin_keys")
			if err != nil {
				return err
			}
			b.AdminKeys = keys
			return nil
		default:
			return p.errAt(key.pos, "unknown remote_access directive %q", key.text)
		}
		return p.setOnce(dst, key, "remote_access")
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *parser) parseRateLimit() (*RateLimitBlock, error) {
	rl := &RateLimitBlock{}
	err := p.block("remote_access.rate_limit", func(key token) error {
		switch key.text {
		case "rps":
			return p.setOnce(&rl.RPS, key, "remote_access.rate_limit")
		case "burst":
			return p.setOnce(&rl.Burst, key, "remote_access.rate_limit")
		default:
			return p.errAt(key.pos, "unknown remote_access.rate_limit directive %q", key.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return rl, nil
}

func (p *parser) parseLog() (*LogBlock, error) {
	b := &LogBlock{}
	err := p.block("log", func(key token) error {
		switch key.text {
		case "level":
			return p.setOnce(&b.Level, key, "log")
		case "output":
			return p.setOnce(&b.Output, key, "log")
		case "path":
			return p.setOnce(&b.Path, key, "log")
		default:
			return p.errAt(key.pos, "unknown log directive %q", key.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *parser) parseObservability() (*ObservabilityBlock, error) {
	b := &ObservabilityBlock{}
	err := p.block("observability", func(key token) error {
		switch key.text {
		case "access_log":
			return p.setOnce(&b.AccessLog, key, "observability")
		case "metrics":
			return p.setOnce(&b.Metrics, key, "observability")
		case "tracing":
			if b.Tracing != nil {
				return p.errAt(key.pos, "duplicate observability.tracing")
			}
			t, err := p.parseTracing()
			if err != nil {
				return err
			}
			b.Tracing = t
			return nil
		default:
			return p.errAt(key.pos, "unknown observability directive %q", key.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// parseTracing accepts both `tracing on|off` and a `tracing { ... }` block.
func (p *parser) parseTracing() (*TracingBlock, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	t := &TracingBlock{}
	if tok.kind != tokOpen {
		v, err := p.value("observability.tracing")
		if err != nil {
			return nil, err
		}
		t.Enabled = &v
		return t, nil
	}
	err = p.block("observability.tracing", func(key token) error {
		switch key.text {
		case "collector":
			return p.setOnce(&t.Collector, key, "observability.tracing")
		case "insecure":
			return p.setOnce(&t.Insecure, key, "observability.tracing")
		case "timeout":
			return p.setOnce(&t.Timeout, key, "observability.tracing")
		default:
			return p.errAt(key.pos, "unknown observability.tracing directive %q", key.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// block reads `{ key ... }` and calls fn for every directive key inside.
// Comments inside blocks are dropped.
func (p *parser) block(name string, fn func(key token) error) error {
	if _, err := p.expect(tokOpen, "expected '{' after %s", name); err != nil {
		return err
	}
	for {
		tok, err := p.next()
		if err != nil {
			return err
		}
		switch tok.kind {
		case tokClose:
			return nil
		case tokComment:
			continue
		case tokWord:
			if err := fn(tok); err != nil {
				return err
			}
		case tokEOF:
			return p.errAt(tok.pos, "unterminated %s block", name)
		default:
			return p.errAt(tok.pos, "unexpected %s in %s block", tok.kind, name)
		}
	}
}

// list reads `{ value value ... }`.
func (p *parser) list(name string) ([]Value, error) {
	if _, err := p.expect(tokOpen, "expected '{' after %s", name); err != nil {
		return nil, err
	}
	var out []Value
	for {
		tok, err := p.next()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokClose:
			return out, nil
		case tokComment:
			continue
		case tokWord, tokString:
			out = append(out, Value{Text: tok.text, Quoted: tok.kind == tokString, pos: tok.pos})
		case tokEOF:
			return nil, p.errAt(tok.pos, "unterminated %s block", name)
		default:
			return nil, p.errAt(tok.pos, "unexpected %s in %s block", tok.kind, name)
		}
	}
}

func (p *parser) setOnce(dst **Value, key token, block string) error {
	if *dst != nil {
		return p.errAt(key.pos, "duplicate %s.%s", block, key.text)
	}
	v, err := p.value(block + "." + key.text)
	if err != nil {
		return err
	}
	*dst = &v
	return nil
}

func (p *parser) value(field string) (Value, error) {
	tok, err := p.next()
	if err != nil {
		return Value{}, err
	}
	if tok.kind != tokWord && tok.kind != tokString {
		return Value{}, p.errAt(tok.pos, "%s requires a value", field)
	}
	return Value{Text: tok.text, Quoted: tok.kind == tokString, pos: tok.pos}, nil
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.next()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.next()
}

func (p *parser) expect(kind tokenKind, msg string, args ...any) (token, error) {
	tok, err := p.next()
	if err != nil {
		return token{}, err
	}
	if tok.kind != kind {
		return token{}, p.errAt(tok.pos, msg, args...)
	}
	return tok, nil
}

func (p *parser) errAt(pos position, format string, args ...any) error {
	return fmt.Errorf("config parse error at %s: %s", pos, fmt.Sprintf(format, args...))
}
