// Package metrics exposes Prometheus collectors for the auto-reply engine.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Veraticus/sapa/internal/events"
)

const namespace = "sapa"

// Metrics records engine activity. It doubles as an events.Sink so the
// status stream drives most counters.
type Metrics struct {
	events         *prometheus.CounterVec
	sessionsOpen   prometheus.Gauge
	connected      prometheus.Gauge
	deliveryErrors *prometheus.CounterVec
	panics         prometheus.Counter
	handleDuration prometheus.Histogram
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration conflict. Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Status events emitted, by type.",
		}, []string{"type"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Senders with a session awaiting details or active.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_connected",
			Help:      "1 while the messaging transport is connected.",
		}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Outbound messages that failed to send, by operation.",
		}, []string{"op"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Message handlers that panicked.",
		}),
		handleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handle_seconds",
			Help:      "Time spent handling one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.events, m.sessionsOpen, m.connected, m.deliveryErrors, m.panics, m.handleDuration)
	return m
}

// Publish implements events.Sink.
func (m *Metrics) Publish(_ context.Context, ev events.Event) error {
	if m == nil {
		return nil
	}
	m.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case events.TypeSessionStarted:
		m.sessionsOpen.Inc()
	case events.TypeSessionStopped, events.TypeSessionExpired:
		m.sessionsOpen.Dec()
	case events.TypeConnectionChanged:
		if ev.Connected {
			m.connected.Set(1)
		} else {
			m.connected.Set(0)
		}
	}
	return nil
}

// IncDeliveryError counts a failed outbound operation such as "send" or "typing".
func (m *Metrics) IncDeliveryError(op string) {
	if m == nil {
		return
	}
	m.deliveryErrors.WithLabelValues(op).Inc()
}

// IncPanic counts a recovered handler panic. Its signature matches the
// callback taken by queue.NewMetricsPanicHandler.
func (m *Metrics) IncPanic(string, any) {
	if m == nil {
		return
	}
	m.panics.Inc()
}

// ObserveHandle records how long handling one message took.
func (m *Metrics) ObserveHandle(d time.Duration) {
	if m == nil {
		return
	}
	m.handleDuration.Observe(d.Seconds())
}
