// Package network is the retrying HTTP client the orb uses for every
// backend call: operator/user validation, signup, signup-poll, orb-OS
// version check, presigned-URL requests, and config fetch (spec §6
// "Backend"). Authentication is a bearer token refreshed out-of-band by
// orbcore.OrbEnv.Token; 4xx responses are never retried, 5xx responses are
// retried with exponential backoff and jitter honoring Retry-After.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"orbcore"
)

// Client wraps an *http.Client with the orb's retry and auth discipline.
type Client struct {
	HTTP        *http.Client
	BaseURL     string
	Token       func() (string, error)
	MaxAttempts int
	BaseDelay   time.Duration
	Tracer      orbcore.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts overrides the default of 3 attempts.
func WithMaxAttempts(n int) Option { return func(c *Client) { c.MaxAttempts = n } }

// WithBaseDelay overrides the default 1s initial backoff.
func WithBaseDelay(d time.Duration) Option { return func(c *Client) { c.BaseDelay = d } }

// WithTracer attaches a Tracer for span-per-request instrumentation.
func WithTracer(t orbcore.Tracer) Option { return func(c *Client) { c.Tracer = t } }

// New creates a Client against baseURL, authenticating every request with
// the bearer token token() returns.
func New(baseURL string, token func() (string, error), opts ...Option) *Client {
	c := &Client{
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		BaseURL:     baseURL,
		Token:       token,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JSON performs method against path with reqBody marshaled as the JSON
// request body (nil for none), retrying transient failures, and unmarshals
// the JSON response into respBody (nil to discard). The server response
// must round-trip an io.ReadCloser body — transient classification lives
// in isTransient().
func (c *Client) JSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("network: marshal request: %w", err)
		}
	}

	var span orbcore.Span
	if c.Tracer != nil {
		ctx, span = c.Tracer.Start(ctx, "network."+method, orbcore.StringAttr("path", path))
		defer span.End()
	}

	raw, err := retryCall(ctx, c.MaxAttempts, c.BaseDelay, method+" "+path, func() ([]byte, error) {
		return c.doOnce(ctx, method, path, payload)
	})
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return err
	}
	if respBody == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("network: unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	url := c.BaseURL + path
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("network: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.Token()
	if err != nil {
		return nil, fmt.Errorf("network: fetch token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("network: read body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	return nil, &orbcore.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(raw),
		RetryAfter: retryAfterHeader(resp.Header.Get("Retry-After")),
	}
}

func retryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// isTransient reports whether err should be retried: 5xx only; every 4xx
// is fatal (spec §6).
func isTransient(err error) bool {
	var e *orbcore.ErrHTTP
	if !asErrHTTP(err, &e) {
		return false
	}
	return e.Status >= 500
}

func asErrHTTP(err error, target **orbcore.ErrHTTP) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*orbcore.ErrHTTP); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func retryAfterOf(err error) time.Duration {
	var e *orbcore.ErrHTTP
	if asErrHTTP(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func retryDelay(base time.Duration, attempt int, err error) time.Duration {
	backoff := retryBackoff(base, attempt)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay before retry attempt i (0-indexed):
// base*2^i plus up to 50% jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, label string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		log.Printf("network: %s: transient error (attempt %d/%d), retrying", label, i+1, maxAttempts)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryDelay(base, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, last
}
