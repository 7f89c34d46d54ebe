package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadDotenv sets variables from a KEY=value file. Variables that already
// hold a non-empty value are left alone. It returns the names it set.
func loadDotenv(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var set []string
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return set, fmt.Errorf("%s line %d: missing '='", path, lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return set, fmt.Errorf("%s line %d: empty key", path, lineNo)
		}
		val, err := dotenvValue(strings.TrimSpace(val))
		if err != nil {
			return set, fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}

		if cur, ok := os.LookupEnv(key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}
		set = append(set, key)
	}
	return set, sc.Err()
}

// dotenvValue unquotes "..." (Go escapes) and '...' (literal) values. An
// unquoted value ends at " #".
func dotenvValue(val string) (string, error) {
	if len(val) >= 2 {
		switch {
		case val[0] == '"' && val[len(val)-1] == '"':
			return strconv.Unquote(val)
		case val[0] == '\'' && val[len(val)-1] == '\'':
			return val[1 : len(val)-1], nil
		}
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return val, nil
}
