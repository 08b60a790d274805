package clients

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/metrics"
)

// RetryPolicy controls backoff for transient and rate-limited failures.
type RetryPolicy struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
}

// DefaultRetryPolicy returns the policy used when a connector does not
// override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
	}
}

// delay returns the backoff delay for a zero-based attempt index.
func (p RetryPolicy) delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt)))
}

// RequestOptions shapes one outbound call.
type RequestOptions struct {
	Method  string
	Headers map[string]string
	Body    io.Reader
}

// Response is the buffered result of a successful fetch.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer abstracts the underlying HTTP client so tests can substitute
// an httptest-backed one.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher performs one logical HTTP call, classifying the response as
// success, permanent client failure, or transient/rate-limited
// failure, and retrying the latter with backoff. Retrying a 4xx would
// waste quota and delay failure surfacing; not retrying 429/5xx would
// make the engine brittle against shared-quota or transient vendor
// outages.
type Fetcher struct {
	client  Doer
	limiter *SlidingWindowLimiter
	logger  *zap.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher. limiter may be nil when the vendor has
// no call-rate ceiling.
func NewFetcher(client Doer, limiter *SlidingWindowLimiter, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client:  client,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "fetcher")),
		sleep:   sleepCtx,
	}
}

// SetSleep overrides the backoff sleeper. Tests only.
func (f *Fetcher) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	f.sleep = sleep
}

// Fetch issues the call and retries transient failures per policy.
// Exhausting attempts returns the last observed error.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts RequestOptions, policy RetryPolicy) (*Response, error) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		resp, retryAfter, err := f.attempt(ctx, method, url, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return nil, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.delay(attempt)
		if retryAfter > 0 {
			delay = retryAfter
		}

		metrics.Retries.WithLabelValues(string(errors.TypeOf(err))).Inc()
		f.logger.Warn("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		if serr := f.sleep(ctx, delay); serr != nil {
			return nil, errors.Wrap(serr, errors.ErrorTypeCanceled, "fetch canceled during backoff")
		}
	}

	return nil, errors.Wrap(lastErr, errors.TypeOf(lastErr), "fetch attempts exhausted").
		WithDetail("url", url).
		WithDetail("max_attempts", policy.MaxAttempts)
}

// attempt performs one call and classifies the outcome. retryAfter is
// non-zero only when the server sent a usable Retry-After header.
func (f *Fetcher) attempt(ctx context.Context, method, url string, opts RequestOptions) (*Response, time.Duration, error) {
	do := func() (*Response, time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, opts.Body)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypePermanent, "invalid request")
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}

		httpResp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, errors.Wrap(ctx.Err(), errors.ErrorTypeCanceled, "fetch canceled")
			}
			return nil, 0, errors.Wrap(err, errors.ErrorTypeTransient, "connection failure")
		}
		defer func() { _ = httpResp.Body.Close() }()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypeTransient, "reading response body")
		}

		switch {
		case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
			return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, 0, nil

		case httpResp.StatusCode == http.StatusTooManyRequests:
			return nil, parseRetryAfter(httpResp.Header), errors.Newf(errors.ErrorTypeRateLimit,
				"rate limited by %s (429)", req.URL.Host)

		case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500:
			return nil, 0, errors.Newf(errors.ErrorTypePermanent,
				"client error %d from %s", httpResp.StatusCode, req.URL.Host).
				WithDetail("status", httpResp.StatusCode)

		default:
			return nil, 0, errors.Newf(errors.ErrorTypeTransient,
				"server error %d from %s", httpResp.StatusCode, req.URL.Host).
				WithDetail("status", httpResp.StatusCode)
		}
	}

	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx); err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypeCanceled, "rate limiter wait canceled")
		}
	}
	return do()
}

// parseRetryAfter reads a Retry-After header expressed in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
