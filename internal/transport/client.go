// Package transport is the shared JSON-over-HTTP client used by the
// session store and the NLU gateway. It retries transient failures with
// exponential backoff and jitter.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// RetryPolicy bounds retries of transient failures: network errors, 5xx
// and 429. Attempt n waits n*n*BaseDelay plus up to half of that as jitter.
// Requests that are not idempotent are only retried when the connection
// was never established.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

type Client struct {
	http   *http.Client
	retry  RetryPolicy
	logger *slog.Logger
}

// NewHTTPClient returns a pooled client. timeout <= 0 means 30s.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

func NewClient(httpClient *http.Client, retry RetryPolicy, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, retry: retry, logger: logger}
}

// Option adjusts a single DoJSON call.
type Option func(*callOptions)

type callOptions struct {
	idempotent bool
}

// Idempotent marks a POST as safe to repeat, so it gets the full retry
// policy like GET, PUT and DELETE do.
func Idempotent() Option {
	return func(o *callOptions) { o.idempotent = true }
}

func idempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// DoJSON sends body (if non-nil) as JSON and decodes a 2xx response into
// out (if non-nil). An empty or null response body leaves out untouched.
func (c *Client) DoJSON(ctx context.Context, method, url string, body, out any, opts ...Option) error {
	o := callOptions{idempotent: idempotentMethod(method)}
	for _, opt := range opts {
		opt(&o)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	build := func() (*http.Request, error) {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}

	data, err := c.do(ctx, build, o.idempotent)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, url, err)
	}
	return nil
}

// notSent reports whether err happened before any byte of the request
// could reach the server.
func notSent(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func (c *Client) do(ctx context.Context, build func() (*http.Request, error), idempotent bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * c.retry.BaseDelay
			backoff := base + time.Duration(rand.Int64N(int64(base/2)+1))
			c.logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !idempotent && !notSent(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if !idempotent {
				return nil, fmt.Errorf("read response: %w", err)
			}
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		if !idempotent || !se.retryable() {
			return nil, se
		}
		lastErr = se
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", c.retry.MaxRetries, lastErr)
}
