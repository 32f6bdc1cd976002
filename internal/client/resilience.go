package client

import (
	"context"
	"errors"
	"math"
	"net"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig retries rate limiting and gateway errors. 503 is left
// out: the simulator uses it to report that no node has capacity.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 502, 504},
	}
}

// RateLimiter enforces a minimum interval between calls.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter. A non-positive rate disables it.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until it's safe to make the next API call or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.interval > 0 && !rl.lastCall.IsZero() {
		if wait := rl.interval - time.Since(rl.lastCall); wait > 0 {
			log.Debug().Dur("sleep", wait).Msg("Rate limiting API call")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	rl.lastCall = time.Now()
	return nil
}

// RetryableHTTPClient wraps HTTP client with retries and rate limiting
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

func NewRetryableHTTPClient(timeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:      &http.Client{Timeout: timeout},
		retryConfig: DefaultRetryConfig(),
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// Do executes req, retrying transport errors and retryable status codes with
// exponential backoff. Request bodies are replayed through req.GetBody.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		reqClone := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			reqClone.Body = body
		}

		resp, err := c.client.Do(reqClone)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || attempt == c.retryConfig.MaxRetries || !retrySafe(req.Method, err) {
				return nil, lastErr
			}
			delay := c.calculateDelay(attempt)
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_retries", c.retryConfig.MaxRetries).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("HTTP request failed, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if c.shouldRetry(req.Method, resp.StatusCode) && attempt < c.retryConfig.MaxRetries {
			resp.Body.Close()
			delay := c.calculateDelay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("max_retries", c.retryConfig.MaxRetries).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("HTTP request returned retryable error, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// shouldRetry reports whether a response status is worth another attempt.
// Non-idempotent requests are only retried on 429, which the server sends
// before acting on the request; a gateway error may hide a machine that was
// already created.
func (c *RetryableHTTPClient) shouldRetry(method string, statusCode int) bool {
	if !idempotent(method) && statusCode != http.StatusTooManyRequests {
		return false
	}
	for _, code := range c.retryConfig.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// retrySafe reports whether a transport error can be retried. A
// non-idempotent request is only resent when the connection was never
// established.
func retrySafe(method string, err error) bool {
	if idempotent(method) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// calculateDelay calculates exponential backoff delay with jitter
func (c *RetryableHTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.InitialDelay) * math.Pow(c.retryConfig.BackoffFactor, float64(attempt))

	// ±25% jitter
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}

	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
