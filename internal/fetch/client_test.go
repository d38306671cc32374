package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, fastPolicy(), nil)
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.getJSON(context.Background(), "test", srv.URL, nil, nil, &out))
	require.True(t, out.OK)
	require.Equal(t, int32(3), calls.Load())
}

func TestGetJSONUnavailableAfterExhaustion(t *testing.T) {
	t.Parallel()
	metrics.Init()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, fastPolicy(), nil)
	var out any
	err := c.getJSON(context.Background(), "test", srv.URL, nil, nil, &out)
	require.ErrorIs(t, err, harvest.ErrUnavailable)
}

func TestGetJSONRateLimitedAfterExhaustion(t *testing.T) {
	t.Parallel()
	metrics.Init()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0.001")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, fastPolicy(), nil)
	var out any
	err := c.getJSON(context.Background(), "test", srv.URL, nil, nil, &out)
	require.ErrorIs(t, err, harvest.ErrRateLimited)
}

func TestGetJSONHonorsRetryAfterThenSucceeds(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, fastPolicy(), nil)
	var out any
	start := time.Now()
	require.NoError(t, c.getJSON(context.Background(), "test", srv.URL, nil, nil, &out))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	require.Equal(t, int32(2), calls.Load())
}

func TestGetJSONNotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, fastPolicy(), nil)
	var out any
	err := c.getJSON(context.Background(), "test", srv.URL, nil, nil, &out)
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestGetJSONMalformedBody(t *testing.T) {
	t.Parallel()
	metrics.Init()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, fastPolicy(), nil)
	var out map[string]any
	err := c.getJSON(context.Background(), "test", srv.URL, nil, nil, &out)
	require.ErrorIs(t, err, harvest.ErrMalformed)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}

	for attempt, ceiling := range []time.Duration{100, 200, 400, 400, 400} {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, ceiling*time.Millisecond/2)
		require.LessOrEqual(t, d, ceiling*time.Millisecond)
	}
}
