package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Config is the parsed, user-authored Reflectorfile.
//
// Optional directives are pointers so "not set" (use the default) can be told
// apart from "set".
type Config struct {
	// Preamble holds leading comment lines, kept by `config fmt`.
	Preamble []string

	Listen        *Value
	Store         *StoreBlock
	RemoteAccess  *RemoteAccessBlock
	Log           *LogBlock
	Observability *ObservabilityBlock
}

// Value is a single directive argument as written.
type Value struct {
	Text   string
	Quoted bool
	pos    position
}

type StoreBlock struct {
	Backend Value
	DSN     *Value
}

type RemoteAccessBlock struct {
	Path       *Value
	CheckPost  *Value
	URL        *Value
	Cipher     *Value
	GetSetting *Value
	MaxBody    *Value
	RateLimit  *RateLimitBlock

	AdminKeys    []Value
	AdminKeysSet bool
}

type RateLimitBlock struct {
	RPS   *Value
	Burst *Value
}

type LogBlock struct {
	Level  *Value
	Output *Value
	Path   *Value
}

type ObservabilityBlock struct {
	AccessLog *Value
	Metrics   *Value
	Tracing   *TracingBlock
}

type TracingBlock struct {
	// Enabled is set by the short form `tracing on|off`.
	Enabled   *Value
	Collector *Value
	Insecure  *Value
	Timeout   *Value
}

func Parse(input []byte) (*Config, error) {
	p := newParser(string(normalizeInput(input)))
	cfg, err := p.parse()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("empty config")
	}
	return cfg, nil
}

// Format renders cfg canonically.
func Format(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	return canonicalize([]byte(formatConfig(cfg))), nil
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type ValidationOptions struct {
	// SecretPreflight loads every admin key ref to catch missing or
	// unreachable secrets during validation.
	SecretPreflight bool
}

func ValidateWithResult(cfg *Config) ValidationResult {
	return ValidateWithResultOptions(cfg, ValidationOptions{})
}

func ValidateWithResultOptions(cfg *Config, options ValidationOptions) ValidationResult {
	compiled, res := Compile(cfg)
	if !res.OK || !options.SecretPreflight {
		return res
	}
	if errs := validateSecretPreflight(compiled); len(errs) > 0 {
		res.Errors = append(res.Errors, errs...)
		res.OK = false
	}
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
