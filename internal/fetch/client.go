// Package fetch implements the rate-limited, retrying API clients for both
// harvest sources.
package fetch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
	"github.com/datapipe-labs/harvester/internal/ratelimit"
)

// RetryPolicy controls the backoff schedule for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the upstream courtesy guidance: three attempts
// with a doubling, jittered delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the wait before the given zero-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Client is the shared HTTP core: every outbound request passes the
// per-source rate budget first, then runs under the retry policy. Requests
// block on the budget rather than being dropped.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	policy     RetryPolicy
	logger     *zap.Logger
}

// NewClient builds a Client. A nil httpClient gets a 30s-timeout default.
func NewClient(httpClient *http.Client, limiter *ratelimit.Limiter, policy RetryPolicy, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		limiter:    limiter,
		policy:     policy,
		logger:     logger,
	}
}

type request struct {
	source  string
	method  string
	url     string
	query   url.Values
	form    url.Values
	headers http.Header
}

// getJSON performs a rate-limited GET and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, source, rawURL string, query url.Values, headers http.Header, v any) error {
	return c.doJSON(ctx, request{source: source, method: http.MethodGet, url: rawURL, query: query, headers: headers}, v)
}

// postFormJSON performs a rate-limited form POST and decodes the JSON body.
func (c *Client) postFormJSON(ctx context.Context, source, rawURL string, form url.Values, headers http.Header, v any) error {
	return c.doJSON(ctx, request{source: source, method: http.MethodPost, url: rawURL, form: form, headers: headers}, v)
}

func (c *Client) doJSON(ctx context.Context, req request, v any) error {
	var lastErr error

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.delayFor(lastErr, attempt-1)); err != nil {
				return err
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, req.source); err != nil {
				return err
			}
		}

		body, status, header, err := c.roundTrip(ctx, req)
		if err != nil {
			lastErr = fmt.Errorf("%s request: %w: %s", req.source, harvest.ErrUnavailable, err)
			c.logger.Warn("request failed",
				zap.String("source", req.source),
				zap.String("url", req.url),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		metrics.ObserveFetch(req.source, status)

		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(body, v); err != nil {
				return fmt.Errorf("%s decode %s: %w", req.source, req.url, harvest.ErrMalformed)
			}
			return nil
		case status == http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", req.source, req.url, harvest.ErrNotFound)
		case status == http.StatusTooManyRequests:
			lastErr = &rateLimitedError{retryAfter: retryAfterFrom(header)}
			c.logger.Warn("rate limited upstream",
				zap.String("source", req.source),
				zap.Int("attempt", attempt+1))
		case status >= 500:
			lastErr = fmt.Errorf("%s status %d: %w", req.source, status, harvest.ErrUnavailable)
			c.logger.Warn("server error",
				zap.String("source", req.source),
				zap.Int("status", status),
				zap.Int("attempt", attempt+1))
		default:
			return fmt.Errorf("%s unexpected status %d: %w", req.source, status, harvest.ErrUnavailable)
		}
	}

	var rl *rateLimitedError
	if errors.As(lastErr, &rl) {
		return fmt.Errorf("%s retries exhausted: %w", req.source, harvest.ErrRateLimited)
	}
	return lastErr
}

func (c *Client) roundTrip(ctx context.Context, req request) (body []byte, status int, header http.Header, err error) {
	target := req.url
	if len(req.query) > 0 {
		target = req.url + "?" + req.query.Encode()
	}

	var reader io.Reader
	if len(req.form) > 0 {
		reader = strings.NewReader(req.form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, reader)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range req.headers {
		for _, val := range vals {
			httpReq.Header.Add(k, val)
		}
	}
	if len(req.form) > 0 {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read body: %w", err)
	}
	return data, resp.StatusCode, resp.Header, nil
}

// delayFor prefers the server-advised delay over the computed backoff.
func (c *Client) delayFor(lastErr error, attempt int) time.Duration {
	var rl *rateLimitedError
	if errors.As(lastErr, &rl) && rl.retryAfter > 0 {
		return rl.retryAfter
	}
	return c.policy.Backoff(attempt)
}

type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return "429 too many requests" }

func (e *rateLimitedError) Unwrap() error { return harvest.ErrRateLimited }

// retryAfterFrom extracts the server-advised delay from the Retry-After
// header. Only the seconds form is honored; the HTTP-date form falls back to
// the computed backoff.
func retryAfterFrom(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
