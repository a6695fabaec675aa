package session

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report session activity.
type Metrics struct {
	active       prometheus.Gauge
	events       *prometheus.CounterVec
	dropped      prometheus.Counter
	turns        *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	directives   *prometheus.CounterVec
}

// MustNewMetrics constructs and registers the session collectors. Collectors
// that are already registered with reg are reused, so several managers can
// share one registry. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		active: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keel",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of turns currently being consumed.",
		})),
		events: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Events emitted by sessions, by kind and delivery path.",
		}, []string{"kind", "delivery"})),
		dropped: mustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "session",
			Name:      "mailbox_dropped_total",
			Help:      "Queued events discarded when a mailbox was trimmed.",
		})),
		turns: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"})),
		toolDuration: mustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keel",
			Subsystem: "session",
			Name:      "tool_duration_seconds",
			Help:      "Observed tool call durations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"tool"})),
		directives: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "session",
			Name:      "directives_total",
			Help:      "Directives acted upon, by kind.",
		}, []string{"kind"})),
	}
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) turnStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) turnEnded(outcome string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) event(kind EventKind, delivery string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind), delivery).Inc()
}

func (m *Metrics) eventsDropped(n int) {
	if m == nil {
		return
	}
	m.dropped.Add(float64(n))
}

func (m *Metrics) tool(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) directive(kind string) {
	if m == nil {
		return
	}
	m.directives.WithLabelValues(kind).Inc()
}
