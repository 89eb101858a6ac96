package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// vaultServer serves a KV v2 secret at secret/data/carryover.
func vaultServer(t *testing.T, data map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/carryover" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": data}})
	}))
	t.Cleanup(server.Close)
	t.Setenv("VAULT_ADDR", server.URL)
	t.Setenv("VAULT_TOKEN", "test-token")
	return server
}

func TestResolveVault(t *testing.T) {
	vaultServer(t, map[string]any{"pg_password": "s3cret", "port": 5432})

	val, err := resolveVault("secret/data/carryover#pg_password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "s3cret" {
		t.Errorf("expected 's3cret', got %q", val)
	}

	if _, err := resolveVault("secret/data/carryover#missing"); err == nil {
		t.Error("expected error for a missing key")
	}
	if _, err := resolveVault("secret/data/carryover#port"); err == nil {
		t.Error("expected error for a non-string value")
	}
}

func TestResolveVault_InvalidReference(t *testing.T) {
	for _, ref := range []string{"secret/data/carryover", "#key", "secret/data/carryover#"} {
		if _, err := resolveVault(ref); err == nil {
			t.Errorf("expected error for %q", ref)
		}
	}
}

func TestResolveVault_NoAddress(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "test-token")
	if _, err := resolveVault("secret/data/carryover#key"); err == nil {
		t.Error("expected error when VAULT_ADDR not set")
	}
}

func TestResolveValue_VaultInsideDSN(t *testing.T) {
	vaultServer(t, map[string]any{"pg_password": "hunter2"})

	val, err := ResolveValue("postgres://pulp:${VAULT:secret/data/carryover#pg_password}@db:5432/pulp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "postgres://pulp:hunter2@db:5432/pulp" {
		t.Errorf("got %q", val)
	}
}
