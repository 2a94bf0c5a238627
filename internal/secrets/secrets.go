// Package secrets is a thin adapter over an external secret store.
//
// The store is addressed the way HashiCorp Vault's AppRole auth + KV v2
// engine are: the process authenticates once at startup with a two-part
// app-role identity (role id + secret id) to obtain a client token, then
// reads per-provider secret paths that return a map containing "api_key".
//
// No provider credential is ever cached here — every Get issues a fresh
// store read and returns a Credential scoped to the caller. The caller MUST
// call Credential.Release when done; Release drops the Credential's
// reference to the key and makes APIKey return "". The key is held as a Go
// string, so its original bytes are not overwritten: they stay in memory
// until the garbage collector reclaims them.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Credential is an ephemeral provider API key. Its lifetime is exactly one
// request frame: acquired by Provider.Get and released by the pipeline
// before Pipeline.Handle returns, on every exit path.
type Credential struct {
	apiKey    string
	FetchedAt time.Time

	mu       sync.Mutex
	released bool
}

// APIKey returns the credential's key material. Calling it after Release
// returns an empty string.
func (c *Credential) APIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ""
	}
	return c.apiKey
}

// Release destroys the credential's key material. Safe to call more than
// once; only the first call has an effect.
func (c *Credential) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	// Replaces the field's value and drops the reference. Go strings are
	// immutable, so this does not overwrite the original key bytes.
	c.apiKey = strings.Repeat("\x00", len(c.apiKey))
	c.apiKey = ""
	c.released = true
}

// Provider fetches ephemeral credentials from the secret store over HTTP.
type Provider struct {
	addr       string
	roleID     string
	secretID   string
	httpClient *http.Client

	mu    sync.Mutex
	token string // client token obtained at Authenticate; never logged
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client (used in tests to point at a
// local mock secret store).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New builds a Provider pointed at addr (the secret store's base URL).
// Authenticate must be called once before Get.
func New(addr, roleID, secretID string, opts ...Option) *Provider {
	p := &Provider{
		addr:       strings.TrimRight(addr, "/"),
		roleID:     roleID,
		secretID:   secretID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type appRoleLoginRequest struct {
	RoleID   string `json:"role_id"`
	SecretID string `json:"secret_id"`
}

type appRoleLoginResponse struct {
	Auth struct {
		ClientToken string `json:"client_token"`
	} `json:"auth"`
}

// Authenticate performs the app-role login and caches the client token for
// subsequent Get calls. Called once at process startup; a failure here is a
// fatal startup error per the gateway's exit-code contract.
func (p *Provider) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(appRoleLoginRequest{RoleID: p.roleID, SecretID: p.secretID})
	if err != nil {
		return fmt.Errorf("secrets: marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.addr+"/v1/auth/approle/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("secrets: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("secrets: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("secrets: login: unexpected status %d", resp.StatusCode)
	}

	var loginResp appRoleLoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return fmt.Errorf("secrets: decode login response: %w", err)
	}
	if loginResp.Auth.ClientToken == "" {
		return fmt.Errorf("secrets: login response missing client token")
	}

	p.mu.Lock()
	p.token = loginResp.Auth.ClientToken
	p.mu.Unlock()

	return nil
}

type kvReadResponse struct {
	Data struct {
		Data struct {
			APIKey string `json:"api_key"`
		} `json:"data"`
	} `json:"data"`
}

// Get reads path from the secret store's KV v2 engine and returns a fresh
// Credential. The caller owns the returned Credential and must Release it.
func (p *Provider) Get(ctx context.Context, path string) (*Credential, error) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token == "" {
		return nil, fmt.Errorf("secrets: not authenticated")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.addr+"/v1/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: build read request: %w", err)
	}
	req.Header.Set("X-Vault-Token", token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secrets: read request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("secrets: read %s: unexpected status %d", path, resp.StatusCode)
	}

	var kvResp kvReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&kvResp); err != nil {
		return nil, fmt.Errorf("secrets: decode read response: %w", err)
	}
	if kvResp.Data.Data.APIKey == "" {
		return nil, fmt.Errorf("secrets: %s missing api_key", path)
	}

	return &Credential{apiKey: kvResp.Data.Data.APIKey, FetchedAt: time.Now()}, nil
}
