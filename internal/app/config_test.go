package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "Reflectorfile")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const validConfig = `
listen :8080
store memory

remote_access {
  path /remote-access
  admin_keys {
    raw:admin-key
  }
}
`

func TestConfigValidate_ValidJSON(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), validConfig)

	var stdout, stderr bytes.Buffer
	if code := configValidate([]string{"--config", cfgPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
	var res struct {
		OK     bool     `json:"ok"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if !res.OK || len(res.Errors) != 0 {
		t.Fatalf("result=%#v", res)
	}
}

func TestConfigValidate_TextWithWarnings(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "store memory\n")

	var stdout, stderr bytes.Buffer
	if code := configValidate([]string{"--config", cfgPath, "--format", "text"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "config ok (warnings: 1)") {
		t.Fatalf("stdout=%q", out)
	}
	if !strings.Contains(out, "warning: remote_access.admin_keys is empty") {
		t.Fatalf("stdout missing warning line: %q", out)
	}
}

func TestConfigValidate_ParseError(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "remote_access {\n")

	var stdout, stderr bytes.Buffer
	if code := configValidate([]string{"--config", cfgPath, "--format", "text"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit=%d", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout=%q", stdout.String())
	}
	if !strings.HasPrefix(stderr.String(), "config invalid:") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestConfigValidate_MissingFileJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := configValidate([]string{"--config", filepath.Join(t.TempDir(), "nope")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit=%d", code)
	}
	var res struct {
		OK     bool     `json:"ok"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(stderr.Bytes(), &res); err != nil {
		t.Fatalf("decode %q: %v", stderr.String(), err)
	}
	if res.OK || len(res.Errors) != 1 {
		t.Fatalf("result=%#v", res)
	}
}

func TestConfigValidate_InvalidFormatFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := configValidate([]string{"--format", "yaml"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit=%d", code)
	}
	if !strings.Contains(stderr.String(), "invalid --format") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestConfigValidate_StrictSecrets(t *testing.T) {
	cfg := strings.Replace(validConfig, "raw:admin-key", "env:REMOTEACCESS_TEST_APP_ADMIN_KEY", 1)
	cfgPath := writeConfig(t, t.TempDir(), cfg)

	var stdout, stderr bytes.Buffer
	if code := configValidate([]string{"--config", cfgPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("lenient exit=%d stderr=%q", code, stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := configValidate([]string{"--config", cfgPath, "--strict-secrets"}, &stdout, &stderr); code != 1 {
		t.Fatalf("strict exit=%d stdout=%q", code, stdout.String())
	}
	if !strings.Contains(stderr.String(), "REMOTEACCESS_TEST_APP_ADMIN_KEY") {
		t.Fatalf("stderr=%q", stderr.String())
	}

	t.Setenv("REMOTEACCESS_TEST_APP_ADMIN_KEY", "loaded")
	stdout.Reset()
	stderr.Reset()
	if code := configValidate([]string{"--config", cfgPath, "--strict-secrets"}, &stdout, &stderr); code != 0 {
		t.Fatalf("strict with env exit=%d stderr=%q", code, stderr.String())
	}
}

func TestConfigFormat_Stdout(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), validConfig)

	var stdout, stderr bytes.Buffer
	if code := configFormat([]string{"--config", cfgPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "remote_access {") {
		t.Fatalf("stdout=%q", stdout.String())
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != validConfig {
		t.Fatalf("fmt without --write changed the file")
	}
}

func TestConfigFormat_Write(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), validConfig)

	var stdout, stderr bytes.Buffer
	if code := configFormat([]string{"--config", cfgPath, "--write"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout=%q", stdout.String())
	}
	first, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) == validConfig {
		t.Fatalf("expected file to be rewritten")
	}

	// A second pass finds nothing to change.
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if code := configFormat([]string{"--config", cfgPath, "--write"}, &stdout, &stderr); code != 0 {
		t.Fatalf("second exit=%d stderr=%q", code, stderr.String())
	}
	second, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(second) != string(first) {
		t.Fatalf("format not idempotent:\n%s\n---\n%s", first, second)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("mode=%v", info.Mode().Perm())
	}
}

func TestConfigCmd_Subcommands(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := configCmd(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("missing subcommand exit=%d", code)
	}
	if code := configCmd([]string{"diff"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unknown subcommand exit=%d", code)
	}
	if !strings.Contains(stderr.String(), "unknown config subcommand: diff") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}
