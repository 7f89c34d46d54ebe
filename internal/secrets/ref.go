// Package secrets loads key material from references instead of literals in
// the Reflectorfile.
package secrets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

var ErrSecretRef = errors.New("invalid secret reference")

const (
	schemeEnv   = "env:"
	schemeFile  = "file:"
	schemeRaw   = "raw:"
	schemeVault = "vault:"
)

const (
	defaultVaultTimeout = 5 * time.Second

	vaultAddrEnv      = "REMOTEACCESS_VAULT_ADDR"
	vaultTokenEnv     = "REMOTEACCESS_VAULT_TOKEN"
	vaultNamespaceEnv = "REMOTEACCESS_VAULT_NAMESPACE"
	vaultTimeoutEnv   = "REMOTEACCESS_VAULT_TIMEOUT"
)

// ValidateRef checks the form of ref without loading it.
//
// Supported forms:
//   - env:NAME
//   - file:/path/to/secret
//   - raw:literal-value
//   - vault:secret/path[#field]
func ValidateRef(ref string) error {
	scheme, rest, err := splitRef(ref)
	if err != nil {
		return err
	}
	switch scheme {
	case schemeRaw:
		if rest == "" {
			return fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
	case schemeVault:
		_, _, err := parseVaultRef(rest)
		return err
	default:
		if strings.TrimSpace(rest) == "" {
			return fmt.Errorf("%w: %s target is empty", ErrSecretRef, strings.TrimSuffix(scheme, ":"))
		}
	}
	return nil
}

// LoadRef resolves ref to its value. File values are trimmed of surrounding
// whitespace; env and raw values are returned as they are.
func LoadRef(ref string) ([]byte, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	scheme, rest, _ := splitRef(ref)
	switch scheme {
	case schemeEnv:
		name := strings.TrimSpace(rest)
		val := os.Getenv(name)
		if val == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
		}
		return []byte(val), nil
	case schemeFile:
		p := strings.TrimSpace(rest)
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, p)
		}
		return []byte(val), nil
	case schemeRaw:
		return []byte(rest), nil
	default:
		return loadVaultRef(rest)
	}
}

// LoadKeys resolves every ref, in order. The first failure stops the load.
func LoadKeys(refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for i, ref := range refs {
		b, err := LoadRef(ref)
		if err != nil {
			return nil, fmt.Errorf("key %d (%s): %w", i, Redact(ref), err)
		}
		out = append(out, string(b))
	}
	return out, nil
}

// Redact hides the literal part of raw refs so they can be logged.
func Redact(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, schemeRaw) {
		return schemeRaw + "***"
	}
	return ref
}

func splitRef(ref string) (scheme, rest string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty", ErrSecretRef)
	}
	for _, s := range []string{schemeEnv, schemeFile, schemeRaw, schemeVault} {
		if strings.HasPrefix(ref, s) {
			return s, strings.TrimPrefix(ref, s), nil
		}
	}
	return "", "", fmt.Errorf("%w: unsupported scheme (use env:, file:, raw:, or vault:)", ErrSecretRef)
}

// parseVaultRef maps `secret/path#field` to the Vault API path and the field
// to read. The field defaults to "value".
func parseVaultRef(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	pathPart, field, hasField := strings.Cut(raw, "#")
	pathPart = strings.Trim(strings.TrimSpace(pathPart), "/ ")
	field = strings.TrimSpace(field)
	switch {
	case raw == "":
		return "", "", fmt.Errorf("%w: vault ref is empty", ErrSecretRef)
	case hasField && field == "":
		return "", "", fmt.Errorf("%w: vault field is empty", ErrSecretRef)
	case strings.Contains(pathPart, "://"):
		return "", "", fmt.Errorf("%w: vault ref must be path-based (no URL scheme)", ErrSecretRef)
	case pathPart == "":
		return "", "", fmt.Errorf("%w: vault path is empty", ErrSecretRef)
	}
	if !hasField {
		field = "value"
	}
	for _, seg := range strings.Split(pathPart, "/") {
		if seg == "." || seg == ".." {
			return "", "", fmt.Errorf("%w: vault path must not contain dot segments", ErrSecretRef)
		}
	}
	if !strings.HasPrefix(pathPart, "v1/") {
		pathPart = "v1/" + pathPart
	}
	return "/" + pathPart, field, nil
}

func loadVaultRef(raw string) ([]byte, error) {
	apiPath, field, err := parseVaultRef(raw)
	if err != nil {
		return nil, err
	}
	addr := strings.TrimSpace(os.Getenv(vaultAddrEnv))
	token := strings.TrimSpace(os.Getenv(vaultTokenEnv))
	if addr == "" || token == "" {
		return nil, fmt.Errorf("%w: %s and %s are required for vault refs", ErrSecretRef, vaultAddrEnv, vaultTokenEnv)
	}
	base, err := url.Parse(addr)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %s must be an http(s) URL", ErrSecretRef, vaultAddrEnv)
	}
	timeout := defaultVaultTimeout
	if v := strings.TrimSpace(os.Getenv(vaultTimeoutEnv)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: %s must be a positive duration", ErrSecretRef, vaultTimeoutEnv)
		}
		timeout = d
	}
	base.Path = path.Clean(strings.TrimSuffix(base.Path, "/") + apiPath)

	req, err := http.NewRequest(http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build vault request: %v", ErrSecretRef, err)
	}
	req.Header.Set("X-Vault-Token", token)
	if ns := strings.TrimSpace(os.Getenv(vaultNamespaceEnv)); ns != "" {
		req.Header.Set("X-Vault-Namespace", ns)
	}

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: vault request failed: %v", ErrSecretRef, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read vault response: %v", ErrSecretRef, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: vault request failed (%d)", ErrSecretRef, resp.StatusCode)
	}
	val, err := vaultField(body, field)
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

// vaultField reads field from a KV v2 (data.data) or KV v1 (data) response.
func vaultField(body []byte, field string) (string, error) {
	var payload struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode vault response: %v", ErrSecretRef, err)
	}
	if payload.Data == nil {
		return "", fmt.Errorf("%w: vault response missing data object", ErrSecretRef)
	}
	fields := payload.Data
	if nested, ok := payload.Data["data"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(nested, &inner) == nil {
			fields = inner
		}
	}
	raw, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: vault field %q not found", ErrSecretRef, field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", fmt.Errorf("%w: vault field %q must be a non-empty string", ErrSecretRef, field)
	}
	return s, nil
}
