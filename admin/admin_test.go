package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hexclaw/orchestrator/ledger"
	"github.com/hexclaw/orchestrator/monitor"
	"github.com/hexclaw/orchestrator/queue"
)

type fakeMonitor struct{ stats monitor.Stats }

func (f fakeMonitor) Stats() monitor.Stats { return f.stats }

func newTestServer(t *testing.T) (*Server, *queue.Queue, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	metrics, reg := NewMetrics()
	srv := New(zerolog.Nop(), "127.0.0.1:0", q, led, fakeMonitor{monitor.Stats{FeedsPolled: 2, AlertsSent: 1}}, metrics, reg)
	return srv, q, led
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestStatusIncludesRecentJobsAndMonitorStats(t *testing.T) {
	srv, q, _ := newTestServer(t)
	_, err := q.Enqueue(context.Background(), "recon_osint", map[string]any{"target": "example.com"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	jobs, ok := body["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, jobs, 1)
	require.NotNil(t, body["monitor"])
}

func TestStatsReportsEmptySummaryWhenNoSpendRecorded(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	srv.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	summary, ok := body["summary"].([]any)
	require.True(t, ok)
	require.Empty(t, summary)
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.metrics.JobsEnqueued.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hexclaw_jobs_enqueued_total")
}

func TestListenAndServeStopsOnContextCancel(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not stop after context cancellation")
	}
}
