package config

import (
	"strings"
	"testing"
)

const strictSecretsConfig = `
remote_access {
  admin_keys {
    env:REMOTEACCESS_TEST_ADMIN_KEY
    "raw:literal admin key"
  }
}
`

func TestValidateWithResultOptions_SecretPreflightDisabled(t *testing.T) {
	cfg, err := Parse([]byte(strictSecretsConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	t.Setenv("REMOTEACCESS_TEST_ADMIN_KEY", "")
	res := ValidateWithResultOptions(cfg, ValidationOptions{SecretPreflight: false})
	if !res.OK {
		t.Fatalf("expected ok=true without strict secret preflight, got %#v", res)
	}
}

func TestValidateWithResultOptions_SecretPreflightEnabled(t *testing.T) {
	cfg, err := Parse([]byte(strictSecretsConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	t.Setenv("REMOTEACCESS_TEST_ADMIN_KEY", "")
	res := ValidateWithResultOptions(cfg, ValidationOptions{SecretPreflight: true})
	if res.OK {
		t.Fatalf("expected ok=false with strict secret preflight")
	}
	joined := strings.Join(res.Errors, "\n")
	if !strings.Contains(joined, "remote_access.admin_keys[0]") {
		t.Fatalf("errors=%q", res.Errors)
	}
	if strings.Contains(joined, "literal admin key") {
		t.Fatalf("raw key leaked into errors: %q", res.Errors)
	}

	t.Setenv("REMOTEACCESS_TEST_ADMIN_KEY", "admin")
	res = ValidateWithResultOptions(cfg, ValidationOptions{SecretPreflight: true})
	if !res.OK {
		t.Fatalf("expected ok=true once the env key is set, got %#v", res)
	}
}

func TestValidateSecretPreflight_SkipsDuplicates(t *testing.T) {
	compiled := Compiled{RemoteAccess: RemoteAccessConfig{
		AdminKeyRefs: []string{"env:REMOTEACCESS_TEST_UNSET_ADMIN", "env:REMOTEACCESS_TEST_UNSET_ADMIN"},
	}}
	if errs := validateSecretPreflight(compiled); len(errs) != 1 {
		t.Fatalf("errs=%q", errs)
	}
}
