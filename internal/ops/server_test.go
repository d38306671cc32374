package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datapipe-labs/harvester/internal/metrics"
)

func TestHealthz(t *testing.T) {
	t.Parallel()
	metrics.Init()

	s := NewServer(0, nil, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyzChecks(t *testing.T) {
	t.Parallel()
	metrics.Init()

	failing := map[string]ReadyCheck{
		"store": func(ctx context.Context) error { return errors.New("no primary") },
		"queue": func(ctx context.Context) error { return nil },
	}
	s := NewServer(0, failing, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "no primary")

	s = NewServer(0, nil, nil)
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	metrics.Init()
	metrics.ObserveFetch("board", 200)

	s := NewServer(0, nil, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvester_fetch_requests_total")
}
