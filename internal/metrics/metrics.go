// Package metrics exposes Prometheus counters for the broadcast orchestrator:
// sync pass outcomes, schedule diff sizes, and channel lifecycle operations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters for the orchestrator. All methods are
// safe to call on a nil receiver, so components can run without metrics wired.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	syncPassesTotal      prometheus.Counter
	syncRoomFailures     prometheus.Counter
	scheduleDeletesTotal prometheus.Counter
	scheduleCreatesTotal prometheus.Counter
	channelsCreatedTotal prometheus.Counter
	channelsStartedTotal prometheus.Counter
	channelsStoppedTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		syncPassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_sync_passes_total",
			Help: "Total number of schedule sync passes executed",
		}),
		syncRoomFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_sync_room_failures_total",
			Help: "Total number of per-room sync failures",
		}),
		scheduleDeletesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_schedule_deletes_total",
			Help: "Total number of stale schedule actions deleted",
		}),
		scheduleCreatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_schedule_creates_total",
			Help: "Total number of schedule actions created",
		}),
		channelsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_channels_created_total",
			Help: "Total number of channels provisioned",
		}),
		channelsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_channels_started_total",
			Help: "Total number of channel start commands issued",
		}),
		channelsStoppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_channels_stopped_total",
			Help: "Total number of channel stop commands issued",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.syncPassesTotal,
		m.syncRoomFailures,
		m.scheduleDeletesTotal,
		m.scheduleCreatesTotal,
		m.channelsCreatedTotal,
		m.channelsStartedTotal,
		m.channelsStoppedTotal,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncSyncPasses increments the sync pass counter.
func (m *Metrics) IncSyncPasses() {
	if m == nil {
		return
	}
	m.syncPassesTotal.Inc()
}

// IncSyncRoomFailures increments the per-room sync failure counter.
func (m *Metrics) IncSyncRoomFailures() {
	if m == nil {
		return
	}
	m.syncRoomFailures.Inc()
}

// AddScheduleDeletes adds n to the stale-action delete counter.
func (m *Metrics) AddScheduleDeletes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.scheduleDeletesTotal.Add(float64(n))
}

// AddScheduleCreates adds n to the action create counter.
func (m *Metrics) AddScheduleCreates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.scheduleCreatesTotal.Add(float64(n))
}

// IncChannelsCreated increments the channel provisioning counter.
func (m *Metrics) IncChannelsCreated() {
	if m == nil {
		return
	}
	m.channelsCreatedTotal.Inc()
}

// IncChannelsStarted increments the channel start counter.
func (m *Metrics) IncChannelsStarted() {
	if m == nil {
		return
	}
	m.channelsStartedTotal.Inc()
}

// IncChannelsStopped increments the channel stop counter.
func (m *Metrics) IncChannelsStopped() {
	if m == nil {
		return
	}
	m.channelsStoppedTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// responseWriter captures the status code for metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware returns middleware that records request count and error
// count (status >= 400) in the given Metrics.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.IncRequests()
			if wrap.status >= 400 {
				m.IncErrors()
			}
		})
	}
}
