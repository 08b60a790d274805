package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/revlens/syncengine/pkg/errors"
)

func newTestFetcher(t *testing.T) (*Fetcher, *[]time.Duration) {
	t.Helper()
	f := NewFetcher(http.DefaultClient, nil, zaptest.NewLogger(t))

	var sleeps []time.Duration
	f.SetSleep(func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})
	return f, &sleeps
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f, sleeps := newTestFetcher(t)
	resp, err := f.Fetch(context.Background(), srv.URL, RequestOptions{}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Empty(t, *sleeps, "a clean 200 must not sleep")
}

func TestFetch429ThenSuccessSleepsOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, sleeps := newTestFetcher(t)
	resp, err := f.Fetch(context.Background(), srv.URL, RequestOptions{}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	// Retry-After wins over computed backoff.
	require.Len(t, *sleeps, 1)
	assert.Equal(t, 7*time.Second, (*sleeps)[0])
}

func TestFetch400FailsWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f, sleeps := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), srv.URL, RequestOptions{}, DefaultRetryPolicy())

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePermanent))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
	assert.Empty(t, *sleeps)
}

func TestFetch500RetriesWithBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, sleeps := newTestFetcher(t)
	resp, err := f.Fetch(context.Background(), srv.URL, RequestOptions{}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// Exponential: 1s then 2s with the default policy.
	require.Len(t, *sleeps, 2)
	assert.Equal(t, time.Second, (*sleeps)[0])
	assert.Equal(t, 2*time.Second, (*sleeps)[1])
}

func TestFetchExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), srv.URL, RequestOptions{}, RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
	})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransient))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchAppliesHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), srv.URL, RequestOptions{
		Headers: map[string]string{"Authorization": "Bearer token-123"},
	}, DefaultRetryPolicy())

	require.NoError(t, err)
	assert.Equal(t, "Bearer token-123", gotAuth)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, parseRetryAfter(h))

	h.Set("Retry-After", "not-a-number")
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))

	h.Set("Retry-After", "-5")
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))
}
