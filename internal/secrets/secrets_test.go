package secrets_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreason-ai/egress-gateway/internal/secrets"
)

func newFakeVault(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RoleID   string `json:"role_id"`
			SecretID string `json:"secret_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RoleID == "" || req.SecretID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"auth": map[string]any{"client_token": "test-token"},
		})
	})

	mux.HandleFunc("/v1/secret/infrastructure/openai", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": map[string]any{"api_key": apiKey},
			},
		})
	})

	return httptest.NewServer(mux)
}

func TestAuthenticateAndGet(t *testing.T) {
	srv := newFakeVault(t, "sk-secret-value")
	defer srv.Close()

	p := secrets.New(srv.URL, "role-id", "secret-id")
	if err := p.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	cred, err := p.Get(context.Background(), "secret/infrastructure/openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer cred.Release()

	if cred.APIKey() != "sk-secret-value" {
		t.Errorf("APIKey() = %q, want sk-secret-value", cred.APIKey())
	}
}

func TestGet_WithoutAuthenticateFails(t *testing.T) {
	srv := newFakeVault(t, "sk-secret-value")
	defer srv.Close()

	p := secrets.New(srv.URL, "role-id", "secret-id")
	if _, err := p.Get(context.Background(), "secret/infrastructure/openai"); err == nil {
		t.Error("Get before Authenticate should fail")
	}
}

func TestCredential_ReleaseClearsKey(t *testing.T) {
	srv := newFakeVault(t, "sk-secret-value")
	defer srv.Close()

	p := secrets.New(srv.URL, "role-id", "secret-id")
	_ = p.Authenticate(context.Background())
	cred, err := p.Get(context.Background(), "secret/infrastructure/openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	cred.Release()
	if cred.APIKey() != "" {
		t.Error("APIKey() after Release should be empty")
	}

	// Release must be idempotent.
	cred.Release()
}
