package config

import (
	"fmt"
	"os"
	"strings"
)

// resolvePlaceholders expands {$NAME}, {$NAME:default}, {env.NAME} and
// {file.path} in a single pass. Expanded text is not scanned again.
func resolvePlaceholders(in string) (string, []string, []string) {
	var errs, warns []string
	var out strings.Builder
	out.Grow(len(in))

	for i := 0; i < len(in); {
		kind, body, n, ok := nextPlaceholder(in[i:])
		if !ok {
			out.WriteByte(in[i])
			i++
			continue
		}
		if n < 0 {
			errs = append(errs, fmt.Sprintf("unterminated %s placeholder", kind))
			out.WriteString(in[i:])
			break
		}
		i += n

		switch kind {
		case "{$...}", "{env.*}":
			name, def, hasDef := body, "", false
			if kind == "{$...}" {
				name, def, hasDef = strings.Cut(body, ":")
			}
			if name == "" {
				errs = append(errs, fmt.Sprintf("empty env var in %s placeholder", kind))
				continue
			}
			val, set := os.LookupEnv(name)
			switch {
			case set:
			case hasDef:
				val = def
			default:
				warns = append(warns, fmt.Sprintf("env var %q not set; replaced with empty string", name))
			}
			out.WriteString(val)
		case "{file.*}":
			if body == "" {
				errs = append(errs, "empty path in {file.*} placeholder")
				continue
			}
			b, err := os.ReadFile(body)
			if err != nil {
				errs = append(errs, fmt.Sprintf("file placeholder %q: %v", body, err))
				continue
			}
			out.WriteString(strings.TrimRight(string(b), "\r\n"))
		}
	}
	return out.String(), errs, warns
}

// nextPlaceholder reports whether s starts with a placeholder. n is the
// length consumed, or -1 when the closing brace is missing.
func nextPlaceholder(s string) (kind, body string, n int, ok bool) {
	var prefix string
	switch {
	case strings.HasPrefix(s, "{$"):
		kind, prefix = "{$...}", "{$"
	case strings.HasPrefix(s, "{env."):
		kind, prefix = "{env.*}", "{env."
	case strings.HasPrefix(s, "{file."):
		kind, prefix = "{file.*}", "{file."
	default:
		return "", "", 0, false
	}
	end := strings.IndexByte(s[len(prefix):], '}')
	if end < 0 {
		return kind, "", -1, true
	}
	return kind, s[len(prefix) : len(prefix)+end], len(prefix) + end + 1, true
}

func resolveValue(in, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(in)
	for _, err := range errs {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", field, err))
	}
	for _, warn := range warns {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", field, warn))
	}
	return val
}
