package secrets

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRef_Env(t *testing.T) {
	t.Setenv("REMOTEACCESS_TEST_KEY", " key with spaces ")

	got, err := LoadRef("env:REMOTEACCESS_TEST_KEY")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if string(got) != " key with spaces " {
		t.Fatalf("env key=%q", got)
	}
}

func TestLoadRef_EnvMissing(t *testing.T) {
	if _, err := LoadRef("env:REMOTEACCESS_TEST_UNSET_KEY"); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("err=%v, want ErrSecretRef", err)
	}
}

func TestLoadRef_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin.key")
	if err := os.WriteFile(path, []byte("  file-key \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := LoadRef("file:" + path)
	if err != nil {
		t.Fatalf("LoadRef(file): %v", err)
	}
	if string(got) != "file-key" {
		t.Fatalf("file key=%q", got)
	}
}

func TestLoadRef_Raw(t *testing.T) {
	got, err := LoadRef("raw:gfi4o3uthb3u4ytb43ju")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if string(got) != "gfi4o3uthb3u4ytb43ju" {
		t.Fatalf("raw key=%q", got)
	}
}

func TestValidateRef_Invalid(t *testing.T) {
	for _, ref := range []string{"", "literal", "raw:", "env: ", "file:", "vault:", "vault:https://x/y", "vault:a/../b", "vault:a#"} {
		if err := ValidateRef(ref); !errors.Is(err, ErrSecretRef) {
			t.Fatalf("ValidateRef(%q)=%v, want ErrSecretRef", ref, err)
		}
	}
}

func TestLoadRef_VaultKV2(t *testing.T) {
	var seenPath, seenToken, seenNamespace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenToken = r.Header.Get("X-Vault-Token")
		seenNamespace = r.Header.Get("X-Vault-Namespace")
		_, _ = w.Write([]byte(`{"data":{"data":{"admin":"vault-key"},"metadata":{"version":3}}}`))
	}))
	defer srv.Close()

	t.Setenv(vaultAddrEnv, srv.URL)
	t.Setenv(vaultTokenEnv, "vault-token")
	t.Setenv(vaultNamespaceEnv, "reflector")

	got, err := LoadRef("vault:secret/data/reflector#admin")
	if err != nil {
		t.Fatalf("LoadRef(vault): %v", err)
	}
	if string(got) != "vault-key" {
		t.Fatalf("vault key=%q", got)
	}
	if seenPath != "/v1/secret/data/reflector" || seenToken != "vault-token" || seenNamespace != "reflector" {
		t.Fatalf("path=%q token=%q namespace=%q", seenPath, seenToken, seenNamespace)
	}
}

func TestLoadRef_VaultKV1DefaultField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"value":"kv1-key"}}`))
	}))
	defer srv.Close()
	t.Setenv(vaultAddrEnv, srv.URL)
	t.Setenv(vaultTokenEnv, "t")

	got, err := LoadRef("vault:kv/reflector")
	if err != nil {
		t.Fatalf("LoadRef(vault): %v", err)
	}
	if string(got) != "kv1-key" {
		t.Fatalf("vault key=%q", got)
	}
}

func TestLoadRef_VaultErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	t.Setenv(vaultAddrEnv, "")
	t.Setenv(vaultTokenEnv, "")
	if _, err := LoadRef("vault:kv/x"); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("missing env: err=%v", err)
	}

	t.Setenv(vaultAddrEnv, srv.URL)
	t.Setenv(vaultTokenEnv, "t")
	if _, err := LoadRef("vault:kv/x"); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("forbidden: err=%v", err)
	}
}

func TestLoadKeys(t *testing.T) {
	t.Setenv("REMOTEACCESS_TEST_KEY", "from-env")
	got, err := LoadKeys([]string{"raw:one", "env:REMOTEACCESS_TEST_KEY"})
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "from-env" {
		t.Fatalf("keys=%q", got)
	}

	_, err = LoadKeys([]string{"raw:super-secret", "env:REMOTEACCESS_TEST_UNSET_KEY"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("raw:super-secret"); got != "raw:***" {
		t.Fatalf("Redact(raw)=%q", got)
	}
	if got := Redact("env:ADMIN_KEY"); got != "env:ADMIN_KEY" {
		t.Fatalf("Redact(env)=%q", got)
	}
}
