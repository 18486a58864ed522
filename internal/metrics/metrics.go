// Package metrics exposes Prometheus instrumentation for the coordinator and
// the gateway.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts sessions started, by permission mode
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckhand_sessions_started_total",
			Help: "Total number of sessions started",
		},
		[]string{"mode"},
	)

	// SessionsFinished counts sessions that reached a terminal state
	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckhand_sessions_finished_total",
			Help: "Total number of sessions finished, by outcome",
		},
		[]string{"outcome"},
	)

	// SessionDuration tracks start-to-terminal time
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deckhand_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// ActiveSessions tracks live sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deckhand_active_sessions",
			Help: "Number of sessions not yet finished",
		},
	)

	// SuspendedSessions tracks sessions waiting for a human decision
	SuspendedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deckhand_suspended_sessions",
			Help: "Number of sessions waiting for an approval decision",
		},
	)

	// Approvals counts approval decisions
	Approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckhand_approvals_total",
			Help: "Total approval decisions, by decision and source",
		},
		[]string{"decision", "source"},
	)

	// ChunksForwarded counts chunks published to the sink
	ChunksForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deckhand_chunks_forwarded_total",
			Help: "Total number of runtime chunks forwarded to clients",
		},
	)

	// SinkDrops counts messages a slow websocket client missed
	SinkDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deckhand_sink_drops_total",
			Help: "Total number of messages dropped because a client buffer was full",
		},
	)

	// Reaped counts sessions cancelled by the reaper
	Reaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckhand_reaped_sessions_total",
			Help: "Total number of sessions cancelled for exceeding a time limit",
		},
		[]string{"reason"},
	)

	// RequestsTotal counts HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckhand_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks HTTP latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deckhand_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordSessionStart counts a started session.
func RecordSessionStart(mode string) {
	SessionsStarted.WithLabelValues(mode).Inc()
	ActiveSessions.Inc()
}

// RecordSessionEnd counts a finished session.
func RecordSessionEnd(outcome string, d time.Duration) {
	ActiveSessions.Dec()
	SessionsFinished.WithLabelValues(outcome).Inc()
	SessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordApproval counts a decision. source is "policy" or "user".
func RecordApproval(decision, source string) {
	Approvals.WithLabelValues(decision, source).Inc()
}

// RecordSuspend marks a session as waiting for a decision.
func RecordSuspend() { SuspendedSessions.Inc() }

// RecordUnsuspend undoes RecordSuspend.
func RecordUnsuspend() { SuspendedSessions.Dec() }

// RecordChunk counts a forwarded chunk.
func RecordChunk() { ChunksForwarded.Inc() }

// RecordSinkDrop counts a dropped client message.
func RecordSinkDrop() { SinkDrops.Inc() }

// RecordReap counts a reaped session.
func RecordReap(reason string) { Reaped.WithLabelValues(reason).Inc() }

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Middleware records request count and latency. Paths are reported as the
// matched mux route template to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := routeTemplate(r)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "other"
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
