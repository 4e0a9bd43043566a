package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the campaign engine
type Metrics struct {
	// Dispatch counters
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	RateHoldsTotal       prometheus.Counter
	LongPausesTotal      prometheus.Counter
	HumanHoursHoldsTotal prometheus.Counter
	RunsAbortedTotal     prometheus.Counter

	// Run and schedule gauges
	ActiveRuns     prometheus.Gauge
	ScheduledWakes prometheus.Gauge

	// Event relay
	EventsRelayedTotal    prometheus.Counter
	EventFlushFailedTotal prometheus.Counter
	EventQueueDepth       prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapdrip_messages_sent_total",
				Help: "Total number of delivered campaign messages",
			},
			[]string{"mode"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapdrip_messages_failed_total",
				Help: "Total number of failed campaign messages",
			},
			[]string{"reason"},
		),
		RateHoldsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapdrip_rate_holds_total",
				Help: "Times a run backed off because the hourly send budget was exhausted",
			},
		),
		LongPausesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapdrip_long_pauses_total",
				Help: "Random long pauses taken between items",
			},
		),
		HumanHoursHoldsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapdrip_human_hours_holds_total",
				Help: "Times a run paused because the local time left the sending window",
			},
		),
		RunsAbortedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapdrip_runs_aborted_total",
				Help: "Dispatch runs stopped by an abort request",
			},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapdrip_active_runs",
				Help: "Number of campaign runs currently dispatching",
			},
		),
		ScheduledWakes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapdrip_scheduled_wakes",
				Help: "Number of armed wake timers",
			},
		),
		EventsRelayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapdrip_events_relayed_total",
				Help: "Telemetry events delivered to the collector",
			},
		),
		EventFlushFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapdrip_event_flush_failed_total",
				Help: "Failed telemetry flush attempts",
			},
		),
		EventQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapdrip_event_queue_depth",
				Help: "Telemetry events waiting for the collector",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapdrip_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zapdrip_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.RateHoldsTotal,
		m.LongPausesTotal,
		m.HumanHoursHoldsTotal,
		m.RunsAbortedTotal,
		m.ActiveRuns,
		m.ScheduledWakes,
		m.EventsRelayedTotal,
		m.EventFlushFailedTotal,
		m.EventQueueDepth,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The helpers below are nil-safe so components and their tests can run
// without a metrics instance.

// IncSent increments the sent message counter
func (m *Metrics) IncSent(mode string) {
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(mode).Inc()
	}
}

// IncFailed increments the failed message counter
func (m *Metrics) IncFailed(reason string) {
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncRateHold increments the rate hold counter
func (m *Metrics) IncRateHold() {
	if m != nil {
		m.RateHoldsTotal.Inc()
	}
}

// IncLongPause increments the long pause counter
func (m *Metrics) IncLongPause() {
	if m != nil {
		m.LongPausesTotal.Inc()
	}
}

// IncHumanHoursHold increments the out-of-hours hold counter
func (m *Metrics) IncHumanHoursHold() {
	if m != nil {
		m.HumanHoursHoldsTotal.Inc()
	}
}

// IncRunAborted increments the aborted run counter
func (m *Metrics) IncRunAborted() {
	if m != nil {
		m.RunsAbortedTotal.Inc()
	}
}

// AddActiveRun adjusts the active run gauge
func (m *Metrics) AddActiveRun(delta int) {
	if m != nil {
		m.ActiveRuns.Add(float64(delta))
	}
}

// SetScheduledWakes sets the armed wake gauge
func (m *Metrics) SetScheduledWakes(n int) {
	if m != nil {
		m.ScheduledWakes.Set(float64(n))
	}
}

// AddEventsRelayed counts events delivered to the collector
func (m *Metrics) AddEventsRelayed(n int) {
	if m != nil {
		m.EventsRelayedTotal.Add(float64(n))
	}
}

// IncFlushFailed increments the failed flush counter
func (m *Metrics) IncFlushFailed() {
	if m != nil {
		m.EventFlushFailedTotal.Inc()
	}
}

// SetEventQueueDepth sets the pending telemetry gauge
func (m *Metrics) SetEventQueueDepth(n int) {
	if m != nil {
		m.EventQueueDepth.Set(float64(n))
	}
}

// ObserveAPIRequest records one handled API request
func (m *Metrics) ObserveAPIRequest(method, path, status string, seconds float64) {
	if m != nil {
		m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(method, path).Observe(seconds)
	}
}
