package config

import "testing"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KV_URL", "redis://localhost:6379")
	t.Setenv("SECRET_STORE_ADDR", "http://vault.internal:8200")
	t.Setenv("SECRET_STORE_ROLE_ID", "role-123")
	t.Setenv("SECRET_STORE_SECRET_ID", "secret-456")
	t.Setenv("GATEWAY_TOKEN", "gw-token")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts = %d, want 3", cfg.RetryMaxAttempts)
	}
	if cfg.Accounting.Workers != 4 {
		t.Errorf("Accounting.Workers = %d, want 4", cfg.Accounting.Workers)
	}
}

func TestLoad_MissingRequiredVarFails(t *testing.T) {
	t.Setenv("SECRET_STORE_ADDR", "http://vault.internal:8200")
	t.Setenv("SECRET_STORE_ROLE_ID", "role-123")
	t.Setenv("SECRET_STORE_SECRET_ID", "secret-456")
	t.Setenv("GATEWAY_TOKEN", "gw-token")
	// KV_URL intentionally unset.

	if _, err := Load(); err == nil {
		t.Fatal("expected error when KV_URL is missing")
	}
}

func TestLoad_ForbiddenProviderKeyVarFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-should-not-be-here")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when OPENAI_API_KEY is set")
	}
}

func TestLoad_InvalidLogLevelFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}
