package upstream_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreason-ai/egress-gateway/internal/retry"
	"github.com/coreason-ai/egress-gateway/internal/router"
	"github.com/coreason-ai/egress-gateway/internal/secrets"
	"github.com/coreason-ai/egress-gateway/internal/upstream"
)

func testCredential(t *testing.T, key string) *secrets.Credential {
	t.Helper()
	srv := newFakeVault(t, key)
	defer srv.Close()
	p := secrets.New(srv.URL, "role", "secret")
	if err := p.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	cred, err := p.Get(context.Background(), "secret/infrastructure/openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return cred
}

func newFakeVault(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"auth":{"client_token":"tok"}}`))
	})
	mux.HandleFunc("/v1/secret/infrastructure/openai", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"data":{"api_key":"` + apiKey + `"}}}`))
	})
	return httptest.NewServer(mux)
}

func TestDo_ForwardsBodyAndReplacesAuthorization(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	defer srv.Close()

	cred := testCredential(t, "sk-upstream-key")
	desc := router.Descriptor{ProviderID: "openai", BaseURL: srv.URL}
	c := upstream.New(desc, cred, upstream.DefaultTimeout)

	resp, tag, err := c.Do(context.Background(), []byte(`{"model":"gpt-4o","messages":[]}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if tag != retry.Ok {
		t.Errorf("tag = %v, want Ok", tag)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if gotAuth != "Bearer sk-upstream-key" {
		t.Errorf("Authorization = %q, want Bearer sk-upstream-key", gotAuth)
	}
	if gotBody != `{"model":"gpt-4o","messages":[]}` {
		t.Errorf("body = %q, want verbatim passthrough", gotBody)
	}
}

func TestDo_ClassifiesRateLimitAsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	cred := testCredential(t, "sk-key")
	desc := router.Descriptor{ProviderID: "openai", BaseURL: srv.URL}
	c := upstream.New(desc, cred, upstream.DefaultTimeout)

	_, tag, err := c.Do(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if tag != retry.RetryRateLimit {
		t.Errorf("tag = %v, want RetryRateLimit", tag)
	}
}

func TestDo_ClassifiesClientErrorAsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	cred := testCredential(t, "sk-key")
	desc := router.Descriptor{ProviderID: "openai", BaseURL: srv.URL}
	c := upstream.New(desc, cred, upstream.DefaultTimeout)

	_, tag, err := c.Do(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if tag != retry.TerminalClient {
		t.Errorf("tag = %v, want TerminalClient", tag)
	}
}

func TestDo_ClassifiesServerErrorAsRetryInternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	cred := testCredential(t, "sk-key")
	desc := router.Descriptor{ProviderID: "openai", BaseURL: srv.URL}
	c := upstream.New(desc, cred, upstream.DefaultTimeout)

	_, tag, err := c.Do(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if tag != retry.RetryInternal {
		t.Errorf("tag = %v, want RetryInternal", tag)
	}
}

func TestDoStream_ReturnsUnbufferedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"choices\":[]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	cred := testCredential(t, "sk-key")
	desc := router.Descriptor{ProviderID: "openai", BaseURL: srv.URL}
	c := upstream.New(desc, cred, upstream.DefaultTimeout)

	stream, tag, err := c.DoStream(context.Background(), []byte(`{"stream":true}`))
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if tag != retry.Ok {
		t.Errorf("tag = %v, want Ok", tag)
	}
	defer stream.Body.Close()

	b, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(b) == "" {
		t.Error("expected non-empty stream body")
	}
}

func TestDoStream_TerminalErrorReturnsBodyDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	cred := testCredential(t, "sk-key")
	desc := router.Descriptor{ProviderID: "openai", BaseURL: srv.URL}
	c := upstream.New(desc, cred, upstream.DefaultTimeout)

	_, tag, err := c.DoStream(context.Background(), []byte(`{}`))
	if err == nil {
		t.Fatal("want non-nil error")
	}
	if tag != retry.TerminalClient {
		t.Errorf("tag = %v, want TerminalClient", tag)
	}
}
