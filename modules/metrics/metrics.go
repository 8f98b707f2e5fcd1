// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	sends     *prometheus.CounterVec
	receipts  prometheus.Counter
	typing    prometheus.Counter
	calls     *prometheus.CounterVec
	busEvents *prometheus.CounterVec
	views     prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "sends_total",
				Help:      "Outbound sends by result.",
			},
			[]string{"result"},
		),
		receipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "read_receipts_total",
			Help:      "Read receipts that changed a read set.",
		}),
		typing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "typing_edges_total",
			Help:      "Typing state transitions published.",
		}),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "calls_total",
				Help:      "Call starts by outcome.",
			},
			[]string{"outcome"},
		),
		busEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Name:      "bus_events_total",
				Help:      "Conversation envelopes received by kind.",
			},
			[]string{"kind"},
		),
		views: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "open_views",
			Help:      "Conversation views currently open.",
		}),
	}
	reg.MustRegister(m.sends, m.receipts, m.typing, m.calls, m.busEvents, m.views)
	return m
}

// SendSucceeded counts a confirmed send.
func (m *Metrics) SendSucceeded() {
	if m == nil {
		return
	}
	m.sends.WithLabelValues("ok").Inc()
}

// SendFailed counts a failed send under its failure class.
func (m *Metrics) SendFailed(kind chat.ErrorKind) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(string(kind)).Inc()
}

// ReceiptApplied counts a read receipt that changed state.
func (m *Metrics) ReceiptApplied() {
	if m == nil {
		return
	}
	m.receipts.Inc()
}

// TypingEdge counts a published typing transition.
func (m *Metrics) TypingEdge() {
	if m == nil {
		return
	}
	m.typing.Inc()
}

// CallStarted counts a call start. joined distinguishes joining an
// existing session from creating one.
func (m *Metrics) CallStarted(joined bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if joined {
		outcome = "joined"
	}
	m.calls.WithLabelValues(outcome).Inc()
}

// CallFailed counts a call start rejected by the backend.
func (m *Metrics) CallFailed() {
	if m == nil {
		return
	}
	m.calls.WithLabelValues("failed").Inc()
}

// BusEvent counts a received envelope.
func (m *Metrics) BusEvent(kind string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(kind).Inc()
}

// ViewOpened tracks a newly opened view.
func (m *Metrics) ViewOpened() {
	if m == nil {
		return
	}
	m.views.Inc()
}

// ViewClosed tracks a closed view.
func (m *Metrics) ViewClosed() {
	if m == nil {
		return
	}
	m.views.Dec()
}
