// Package transport is the single path for all remote calls. It applies
// per-bucket rate limiting and bounded retry for transient failures so the
// engines above it never carry their own backoff logic.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"
)

// APIError carries the status code and response body of a failed remote call
// so callers can distinguish transient failures from not-found conditions.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote call failed: status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// AsAPIError unwraps err to an *APIError if one is in its chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// bucketEntry holds a rate limiter and last-use timestamp for cleanup.
type bucketEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Client is a rate-limited HTTP client. Callers name a logical bucket per
// remote API (e.g. "tracker", "search", one per provider feed); each bucket
// gets its own token-bucket limiter.
type Client struct {
	log      *slog.Logger
	httpc    *http.Client
	rate     rate.Limit
	burst    int
	attempts uint

	mu      sync.Mutex
	buckets map[string]*bucketEntry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithAttempts sets the total number of tries for transient failures.
func WithAttempts(n uint) Option {
	return func(c *Client) { c.attempts = n }
}

// NewClient creates a transport allowing r requests per second with the given
// burst per bucket. For "1 per second" pass rate.Every(time.Second) with burst 1.
func NewClient(r rate.Limit, burst int, opts ...Option) *Client {
	c := &Client{
		log:      slog.Default().With("component", "transport"),
		httpc:    &http.Client{Timeout: 30 * time.Second},
		rate:     r,
		burst:    burst,
		attempts: 3,
		buckets:  make(map[string]*bucketEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) limiter(bucket string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.buckets[bucket]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(c.rate, c.burst)}
		c.buckets[bucket] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// Send issues the request through the bucket's limiter, retrying transient
// failures a bounded number of times. Non-2xx responses surface as *APIError.
// Cancellation of ctx aborts both the limiter wait and in-flight requests.
func (c *Client) Send(ctx context.Context, bucket, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	var respBody []byte

	err := retry.Do(
		func() error {
			if err := c.limiter(bucket).Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := c.httpc.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				return fmt.Errorf("%s %s: %w", method, url, err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
				if apiErr.Temporary() {
					return apiErr
				}
				return retry.Unrecoverable(apiErr)
			}

			respBody = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("retrying remote call", "bucket", bucket, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return respBody, nil
}
