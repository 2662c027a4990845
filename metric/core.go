package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the protocol-level metrics shared by all components.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	ConnectionState  prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec
	Reconnects       prometheus.Counter
	FramesReceived   *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	HandlerFailures  *prometheus.CounterVec
	CommandsSent     *prometheus.CounterVec
	FlaggedPostures  *prometheus.CounterVec
	CoalescedEvents  prometheus.Counter
	AlertsDispatched *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
}

// NewMetrics creates the core protocol metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0=idle, 1=connecting, 2=open, 3=closing, 4=faulted)",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Connect attempts by result",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Automatic reconnect attempts after an unexpected close",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Inbound events by kind",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they could not be decoded",
		}, []string{"shape"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "handler_failures_total",
			Help:      "Subscriber handlers that returned an error or panicked",
		}, []string{"kind"}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Outbound commands by action and result",
		}, []string{"action", "result"}),
		FlaggedPostures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "aggregator",
			Name:      "flagged_total",
			Help:      "Wrong-posture occurrences appended to the buffer",
		}, []string{"label"}),
		CoalescedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "aggregator",
			Name:      "coalesced_total",
			Help:      "Transitions merged into an earlier occurrence of the same label",
		}),
		AlertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "alerts",
			Name:      "dispatched_total",
			Help:      "Audio cues submitted for playback by result",
		}, []string{"cue", "result"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Audio cues suppressed by the per-label debounce",
		}, []string{"label"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionState,
		m.ConnectAttempts,
		m.Reconnects,
		m.FramesReceived,
		m.DecodeErrors,
		m.HandlerFailures,
		m.CommandsSent,
		m.FlaggedPostures,
		m.CoalescedEvents,
		m.AlertsDispatched,
		m.AlertsSuppressed,
	}
}

// RecordConnectionState sets the connection state gauge.
func (m *Metrics) RecordConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// RecordConnectAttempt counts a connect attempt ("ok", "error", "auth", "cancelled").
func (m *Metrics) RecordConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

// RecordReconnect counts an automatic reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordEvent counts a decoded inbound event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordDecodeError counts a dropped frame.
func (m *Metrics) RecordDecodeError(shape string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(shape).Inc()
}

// RecordHandlerFailure counts a subscriber failure.
func (m *Metrics) RecordHandlerFailure(kind string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(kind).Inc()
}

// RecordCommand counts an outbound command.
func (m *Metrics) RecordCommand(action, result string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(action, result).Inc()
}

// RecordFlagged counts an appended wrong-posture occurrence.
func (m *Metrics) RecordFlagged(label string) {
	if m == nil {
		return
	}
	m.FlaggedPostures.WithLabelValues(label).Inc()
}

// RecordCoalesced counts a merged duplicate transition.
func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.CoalescedEvents.Inc()
}

// RecordAlert counts a cue submission.
func (m *Metrics) RecordAlert(cue, result string) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(cue, result).Inc()
}

// RecordAlertSuppressed counts a debounced cue.
func (m *Metrics) RecordAlertSuppressed(label string) {
	if m == nil {
		return
	}
	m.AlertsSuppressed.WithLabelValues(label).Inc()
}
