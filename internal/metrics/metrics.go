// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medquery_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medquery_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Conversation metrics
	Turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medquery_turns_total",
			Help: "Conversation turns by channel and outcome",
		},
		[]string{"channel", "outcome"}, // outcome: answer|ask_user|error
	)

	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medquery_turn_duration_seconds",
			Help:    "Time from query to terminal event",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"channel", "deep_search"},
	)

	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medquery_tool_calls_total",
			Help: "Tool calls issued by the research agents",
		},
		[]string{"tool"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "medquery_active_sessions",
			Help: "Conversation sessions currently held in memory",
		},
	)

	WebSocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "medquery_websocket_connections",
			Help: "Open websocket connections",
		},
	)

	// Search API metrics
	SearchCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medquery_search_calls_total",
			Help: "Calls to the web search API",
		},
		[]string{"endpoint", "status"}, // status: success|error|rate_limited
	)

	SearchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medquery_search_latency_seconds",
			Help:    "Web search API latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)
)

var initOnce sync.Once

// Init registers all metrics with the default Prometheus registry.
// It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequests)
		prometheus.MustRegister(HTTPDuration)

		prometheus.MustRegister(Turns)
		prometheus.MustRegister(TurnDuration)
		prometheus.MustRegister(ToolCalls)
		prometheus.MustRegister(ActiveSessions)
		prometheus.MustRegister(WebSocketConnections)

		prometheus.MustRegister(SearchCalls)
		prometheus.MustRegister(SearchLatency)
	})
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records a finished conversation turn.
func RecordTurn(channel, outcome string, deepSearch bool, duration time.Duration) {
	Turns.WithLabelValues(channel, outcome).Inc()
	TurnDuration.WithLabelValues(channel, strconv.FormatBool(deepSearch)).Observe(duration.Seconds())
}

// RecordSearchCall records a web search API call.
func RecordSearchCall(endpoint string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SearchCalls.WithLabelValues(endpoint, status).Inc()
	SearchLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE turns streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer,
// which the websocket upgrade needs for hijacking.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
