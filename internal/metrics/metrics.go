// Package metrics exposes Prometheus collectors for the update subsystem.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adamancini/kioskd/internal/types"
)

// Check outcomes.
const (
	CheckAvailable = "available"
	CheckCurrent   = "current"
	CheckError     = "error"
)

// Run outcomes.
const (
	RunSuccess = "success"
	RunFailed  = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	checksTotal        *prometheus.CounterVec
	runsTotal          *prometheus.CounterVec
	updateState        *prometheus.GaugeVec
	updateProgress     prometheus.Gauge
	observers          prometheus.Gauge
	rateLimitRemaining prometheus.Gauge
	guardRejections    *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	promFactory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		checksTotal: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskd_update_checks_total",
			Help: "Total number of update checks labelled by result",
		}, []string{"result"}),
		runsTotal: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskd_update_runs_total",
			Help: "Total number of orchestration runs labelled by outcome",
		}, []string{"outcome"}),
		updateState: promFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kioskd_update_state",
			Help: "Current update state, 1 for the active state and 0 otherwise",
		}, []string{"state"}),
		updateProgress: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_update_progress_percent",
			Help: "Progress estimate of the running update",
		}),
		observers: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_update_observers_count",
			Help: "Current number of connected status observers",
		}),
		rateLimitRemaining: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_github_ratelimit_remaining",
			Help: "GitHub API requests remaining in the current window",
		}),
		guardRejections: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskd_guard_rejections_total",
			Help: "Requests rejected by the request guard labelled by reason",
		}, []string{"reason"}),
		requestDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioskd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests labelled by route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordState marks status as the active update state.
func (m *Metrics) RecordState(status types.UpdateState, progress int) {
	for _, s := range types.AllUpdateStates() {
		v := 0.0
		if s == status {
			v = 1
		}
		m.updateState.WithLabelValues(string(s)).Set(v)
	}
	m.updateProgress.Set(float64(progress))
}

func (m *Metrics) RecordObservers(n int) {
	m.observers.Set(float64(n))
}

func (m *Metrics) RecordCheck(result string) {
	m.checksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRateLimitRemaining(remaining int) {
	m.rateLimitRemaining.Set(float64(remaining))
}

func (m *Metrics) RecordRun(outcome string) {
	m.runsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	m.guardRejections.WithLabelValues(reason).Inc()
}

type responseInterceptor struct {
	http.ResponseWriter
	status int
}

func (w *responseInterceptor) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack is needed so WebSocket upgrades pass through the middleware.
func (w *responseInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware observes request durations labelled by the matched mux route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		interceptor := &responseInterceptor{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(interceptor, r)
		duration := time.Since(start)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.requestDuration.With(prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(interceptor.status),
		}).Observe(duration.Seconds())
	})
}
