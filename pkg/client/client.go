// Package client is the agent-side SDK for the platform: typed HTTP clients
// for the bus, registry, and memory services, plus the agent runtime that
// turns registered handlers into a long-running event consumer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Service error sentinels surfaced by every client.
var (
	// ErrNotFound maps 404 responses. For heartbeats it signals the agent
	// to re-register.
	ErrNotFound = errors.New("not found")
	// ErrForbidden maps 403 responses.
	ErrForbidden = errors.New("forbidden")
	// ErrUnavailable maps 503 responses; retry with backoff.
	ErrUnavailable = errors.New("service unavailable")
	// ErrBadRequest maps 400 responses; never retried.
	ErrBadRequest = errors.New("bad request")
)

// Credentials carry the caller identity attached to every request.
// In the development profile they become X-Tenant-ID / X-User-ID /
// X-Agent-ID headers; with a bearer token set, the token wins.
type Credentials struct {
	TenantID    string
	UserID      string
	AgentID     string
	BearerToken string
}

func (c Credentials) apply(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		return
	}
	req.Header.Set("X-Tenant-ID", c.TenantID)
	if c.UserID != "" {
		req.Header.Set("X-User-ID", c.UserID)
	}
	if c.AgentID != "" {
		req.Header.Set("X-Agent-ID", c.AgentID)
	}
}

// httpAPI is the shared request plumbing under the three service clients.
type httpAPI struct {
	baseURL string
	creds   Credentials
	client  *http.Client
}

func newHTTPAPI(baseURL string, creds Credentials) httpAPI {
	return httpAPI{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// doJSON performs one JSON request. A nil out discards the response body.
func (h *httpAPI) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	h.creds.apply(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps error responses onto the sentinel taxonomy, preserving
// the server's message.
func statusError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var parsed struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &parsed)
	msg := parsed.Error
	if msg == "" {
		msg = string(raw)
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		kind = ErrForbidden
	case http.StatusServiceUnavailable:
		kind = ErrUnavailable
	case http.StatusBadRequest, http.StatusConflict:
		kind = ErrBadRequest
	default:
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: %s", kind, msg)
}
