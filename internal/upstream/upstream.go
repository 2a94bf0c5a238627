// Package upstream issues the single outbound call per request frame.
//
// The hollow-proxy invariant means this package never decodes the
// caller's JSON into a provider-specific request type the way the
// teacher's internal/providers/openai does — it forwards the body bytes
// byte-for-byte and only ever replaces the Authorization header. A fresh
// *http.Client is built per Client (bound to one ephemeral credential);
// it is never reused across requests and must not outlive the credential
// it was built with.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreason-ai/egress-gateway/internal/retry"
	"github.com/coreason-ai/egress-gateway/internal/router"
	"github.com/coreason-ai/egress-gateway/internal/secrets"
)

// DefaultTimeout is used when New is called with a zero timeout, e.g. by
// tests that don't source one from config.Config.
const DefaultTimeout = 30 * time.Second

// Response is a buffered (non-streaming) upstream result.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// StreamResponse is the not-yet-consumed body of a streaming upstream call.
// The caller (internal/streamfwd) owns closing Body.
type StreamResponse struct {
	StatusCode int
	Body       io.ReadCloser
	Header     http.Header
}

// Client performs exactly one provider call using a credential scoped to
// the caller's request frame. Never shared across requests.
type Client struct {
	desc       router.Descriptor
	cred       *secrets.Credential
	httpClient *http.Client
}

// New builds a Client for one descriptor and credential. timeout applies to
// buffered (non-streaming) requests only — streaming requests use ctx for
// cancellation and are not subject to a client-wide deadline, since a
// long-lived SSE body must not be killed by a fixed timeout. A zero timeout
// falls back to DefaultTimeout.
func New(desc router.Descriptor, cred *secrets.Credential, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		desc: desc,
		cred: cred,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Do forwards body verbatim to the provider's chat completions endpoint and
// buffers the full response. Retried by the caller via internal/retry.
func (c *Client) Do(ctx context.Context, body []byte) (*Response, retry.Tag, error) {
	req, err := c.buildRequest(ctx, body)
	if err != nil {
		return nil, retry.TerminalClient, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryConnection, fmt.Errorf("upstream: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.RetryConnection, fmt.Errorf("upstream: read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, classify(resp.StatusCode), nil
}

// DoStream forwards body verbatim and returns the unbuffered response body
// for pass-through streaming. The caller must Close the returned body.
// Streaming is retried only up to the first byte (see internal/streamfwd);
// once bytes start flowing this call has already returned successfully.
func (c *Client) DoStream(ctx context.Context, body []byte) (*StreamResponse, retry.Tag, error) {
	req, err := c.buildRequest(ctx, body)
	if err != nil {
		return nil, retry.TerminalClient, err
	}

	// Streaming must not inherit the buffered client's fixed timeout — a
	// long response body would be killed mid-stream.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, retry.RetryConnection, fmt.Errorf("upstream: stream request: %w", err)
	}

	tag := classify(resp.StatusCode)
	if tag != retry.Ok {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, tag, fmt.Errorf("upstream: stream request: status %d: %s", resp.StatusCode, errBody)
	}

	return &StreamResponse{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, retry.Ok, nil
}

func (c *Client) buildRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := c.desc.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cred.APIKey())
	return req, nil
}

// classify maps an upstream HTTP status to a retry.Tag the same way the
// teacher's isRetryable/classifyError pair does, but as a single tagged
// result instead of two free functions operating on an untyped error.
func classify(status int) retry.Tag {
	switch {
	case status >= 200 && status < 300:
		return retry.Ok
	case status == http.StatusTooManyRequests:
		return retry.RetryRateLimit
	case status >= 500:
		return retry.RetryInternal
	case status >= 400:
		return retry.TerminalClient
	default:
		return retry.TerminalServer
	}
}
