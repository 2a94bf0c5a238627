// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a .env file in the working directory via gotenv.
// There is no per-provider API key configuration: the gateway never holds
// a provider credential directly — every provider key is fetched
// per-request from the secret store (internal/secrets), and setting an
// *_API_KEY variable for a configured provider is a startup error, not a
// convenience override.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// KVURL is the Redis connection URL backing budget admission and
	// accounting. Required.
	KVURL string

	// SecretStore configures the Vault-shaped AppRole secret store used to
	// fetch ephemeral provider credentials. All three fields are required.
	SecretStore SecretStoreConfig

	// GatewayToken authenticates inbound callers — every request must
	// present it as a bearer token. Required.
	GatewayToken string

	// ProviderTimeout is the per-upstream HTTP timeout for buffered
	// (non-streaming) requests. Default: 30s.
	ProviderTimeout time.Duration

	// RetryMaxAttempts bounds the RetryController's attempts per request.
	// Default: 3.
	RetryMaxAttempts int

	// Accounting controls the background accounting worker pool.
	Accounting AccountingConfig

	// ClickHouseDSN configures the optional async audit sink. Empty
	// disables audit logging entirely.
	ClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// SecretStoreConfig holds AppRole credentials for the secret store.
type SecretStoreConfig struct {
	Addr     string
	RoleID   string
	SecretID string
}

// AccountingConfig controls the background accounting worker pool.
type AccountingConfig struct {
	// Workers is the number of goroutines draining the accounting queue.
	// Default: 4.
	Workers int

	// QueueSize is the bounded channel capacity. Default: 10000.
	QueueSize int
}

// forbiddenProviderKeyVars are the teacher's per-provider API key
// variables. The ephemeral-credential design means the gateway process
// must never hold one of these directly — their presence indicates a
// misconfigured deployment trying to bypass the secret store.
var forbiddenProviderKeyVars = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
}

// Load reads configuration from environment variables and an optional
// .env file in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("ACCOUNTING_WORKERS", 4)
	v.SetDefault("ACCOUNTING_QUEUE_SIZE", 10000)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:             v.GetInt("PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		KVURL:            v.GetString("KV_URL"),
		GatewayToken:     v.GetString("GATEWAY_TOKEN"),
		ProviderTimeout:  v.GetDuration("PROVIDER_TIMEOUT"),
		RetryMaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
		ClickHouseDSN:    v.GetString("CLICKHOUSE_DSN"),
		CORSOrigins:      v.GetStringSlice("CORS_ORIGINS"),

		SecretStore: SecretStoreConfig{
			Addr:     v.GetString("SECRET_STORE_ADDR"),
			RoleID:   v.GetString("SECRET_STORE_ROLE_ID"),
			SecretID: v.GetString("SECRET_STORE_SECRET_ID"),
		},

		Accounting: AccountingConfig{
			Workers:   v.GetInt("ACCOUNTING_WORKERS"),
			QueueSize: v.GetInt("ACCOUNTING_QUEUE_SIZE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	var missing []string
	if c.KVURL == "" {
		missing = append(missing, "KV_URL")
	}
	if c.SecretStore.Addr == "" {
		missing = append(missing, "SECRET_STORE_ADDR")
	}
	if c.SecretStore.RoleID == "" {
		missing = append(missing, "SECRET_STORE_ROLE_ID")
	}
	if c.SecretStore.SecretID == "" {
		missing = append(missing, "SECRET_STORE_SECRET_ID")
	}
	if c.GatewayToken == "" {
		missing = append(missing, "GATEWAY_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required variables: %s", strings.Join(missing, ", "))
	}

	for _, name := range forbiddenProviderKeyVars {
		if os.Getenv(name) != "" {
			return fmt.Errorf(
				"config: %s must not be set — provider credentials are fetched "+
					"per-request from the secret store, never configured directly", name,
			)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.RetryMaxAttempts)
	}
	if c.Accounting.Workers < 1 {
		return fmt.Errorf("config: ACCOUNTING_WORKERS must be ≥ 1, got %d", c.Accounting.Workers)
	}
	if c.Accounting.QueueSize < 1 {
		return fmt.Errorf("config: ACCOUNTING_QUEUE_SIZE must be ≥ 1, got %d", c.Accounting.QueueSize)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
