package config

import (
	"bytes"
	"os"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// normalizeInput strips a UTF-8 BOM and turns CRLF and lone CR into LF.
func normalizeInput(in []byte) []byte {
	in = bytes.TrimPrefix(in, utf8BOM)
	in = bytes.ReplaceAll(in, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(in, []byte("\r"), []byte("\n"))
}

// canonicalize is normalizeInput plus exactly one trailing newline.
func canonicalize(in []byte) []byte {
	out := bytes.TrimRight(normalizeInput(in), " \t\n")
	return append(out, '\n')
}

// ParseFile reads and parses the Reflectorfile at path.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Load parses and compiles the Reflectorfile at path.
func Load(path string) (Compiled, ValidationResult, error) {
	cfg, err := ParseFile(path)
	if err != nil {
		return Compiled{}, ValidationResult{}, err
	}
	compiled, res := Compile(cfg)
	return compiled, res, nil
}
