// Package transport executes REST calls against the X4 multiplayer servers.
// It owns per-call timeouts and failure classification; retry policy belongs
// to callers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrUnauthenticated is returned when a call requires authentication and no
// token is available. The request is rejected before any network I/O.
var ErrUnauthenticated = errors.New("not authenticated")

// ErrTimeout is returned when a call exceeds the per-call timeout.
var ErrTimeout = errors.New("request timed out")

// ErrConnectionRefused is returned when the server is not reachable.
var ErrConnectionRefused = errors.New("connection refused")

// ErrDecode is returned when a response body cannot be decoded.
var ErrDecode = errors.New("malformed response body")

// ServerError reports a non-2xx HTTP response. Match with errors.As.
type ServerError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Body is the raw response body, kept for diagnostics.
	Body []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Status)
}

// TokenSource supplies the current bearer token for authenticated calls.
type TokenSource interface {
	// CurrentToken returns the active token and true, or "" and false when
	// no session is active.
	CurrentToken() (string, bool)
}

// Client performs one-shot REST exchanges against a single base URL.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Client for the given base URL.
//
// Precondition: baseURL must be non-empty; tokens and logger must be non-nil;
// timeout must be positive.
func New(baseURL string, timeout time.Duration, tokens TokenSource, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		tokens:  tokens,
		timeout: timeout,
		logger:  logger,
	}
}

// Call executes a single REST exchange and decodes the JSON response into out
// (skipped when out is nil). Calls are one-shot: the first failure surfaces
// to the caller, classified as ErrTimeout, ErrConnectionRefused, ErrDecode,
// or a *ServerError.
//
// Precondition: method must be a valid HTTP method; path must begin with "/".
// Postcondition: When requiresAuth is true and no token is held, returns
// ErrUnauthenticated without touching the network.
func (c *Client) Call(ctx context.Context, method, path string, body, out any, requiresAuth bool) error {
	var token string
	if requiresAuth {
		t, ok := c.tokens.CurrentToken()
		if !ok {
			return fmt.Errorf("%s %s: %w", method, path, ErrUnauthenticated)
		}
		token = t
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requiresAuth {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(method, path, err)
	}

	c.logger.Debug("rest call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %w", method, path, &ServerError{Status: resp.StatusCode, Body: respBody})
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s %s: %w: %v", method, path, ErrDecode, err)
		}
	}
	return nil
}

// classify maps low-level network failures onto the transport error taxonomy.
func classify(method, path string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%s %s: %w", method, path, ErrConnectionRefused)
	default:
		return fmt.Errorf("%s %s: executing request: %w", method, path, err)
	}
}
