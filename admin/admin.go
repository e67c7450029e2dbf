// Package admin exposes the daemon's own operational surface over HTTP:
// liveness, job/queue status, inference spend, and Prometheus metrics.
// It never touches orchestration logic itself — it reads the same
// collaborators (queue.Queue, ledger.Ledger, monitor.Monitor) the
// operator channel's /status and /stats commands read, just over HTTP
// instead of Telegram.
//
// Grounded on router.NewRouter's middleware chain and health-endpoint
// style (CORS → security headers → request ID → recoverer → request
// logger → body size limit, then /healthz, /ready, /metrics), stripped
// of everything that only makes sense for a multi-tenant LLM proxy:
// no auth middleware (a single operator already gates every mutating
// action through Telegram approval), no rate limiter, no per-provider
// routing or analytics routes.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hexclaw/orchestrator/ledger"
	"github.com/hexclaw/orchestrator/monitor"
	"github.com/hexclaw/orchestrator/queue"
)

// StatsSource supplies the live monitor counters. Optional: a daemon
// run without a threat monitor configured passes a nil source.
type StatsSource interface {
	Stats() monitor.Stats
}

// Metrics holds the Prometheus collectors the daemon updates as jobs
// run; the HTTP surface only registers and serves them.
type Metrics struct {
	JobsEnqueued  prometheus.Counter
	JobsCompleted *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	InferenceCost prometheus.Counter
}

// NewMetrics registers a fresh set of collectors against its own
// registry, so repeated construction in tests never panics on a
// duplicate-registration collision with the global default registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hexclaw_jobs_enqueued_total",
			Help: "Total jobs enqueued onto the durable queue.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hexclaw_jobs_completed_total",
			Help: "Total jobs finished, labeled by terminal status.",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hexclaw_job_duration_seconds",
			Help:    "Wall-clock duration of a skill run from dequeue to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		}),
		InferenceCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hexclaw_inference_cost_usd_total",
			Help: "Cumulative estimated inference spend in USD.",
		}),
	}
	reg.MustRegister(m.JobsEnqueued, m.JobsCompleted, m.JobDuration, m.InferenceCost)
	return m, reg
}

// IncJobsEnqueued satisfies daemon's local Metrics interface.
func (m *Metrics) IncJobsEnqueued() {
	m.JobsEnqueued.Inc()
}

// ObserveJobCompletion satisfies dispatcher's local Metrics interface.
func (m *Metrics) ObserveJobCompletion(status string, duration time.Duration) {
	m.JobsCompleted.WithLabelValues(status).Inc()
	m.JobDuration.Observe(duration.Seconds())
}

// AddInferenceCost satisfies inference's local Metrics interface.
func (m *Metrics) AddInferenceCost(cost float64) {
	m.InferenceCost.Add(cost)
}

// Server is the admin HTTP surface.
type Server struct {
	log     zerolog.Logger
	queue   *queue.Queue
	ledger  *ledger.Ledger // optional
	monitor StatsSource    // optional
	metrics *Metrics
	http    *http.Server
}

func New(log zerolog.Logger, addr string, q *queue.Queue, led *ledger.Ledger, mon StatsSource, metrics *Metrics, reg *prometheus.Registry) *Server {
	s := &Server{
		log:     log.With().Str("component", "admin").Logger(),
		queue:   q,
		ledger:  led,
		monitor: mon,
		metrics: metrics,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(s.log))
	r.Use(mwSecurityHeaders)
	r.Use(chimw.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe runs the surface until ctx is cancelled, then shuts
// down gracefully with a bounded grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("admin surface shutdown did not complete cleanly")
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "hexclaw"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.Recent(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := map[string]any{"jobs": jobs}
	if s.monitor != nil {
		resp["monitor"] = s.monitor.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, map[string]any{"summary": []ledger.Summary{}})
		return
	}
	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mwSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func mwRequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Msg("admin request")
		})
	}
}
