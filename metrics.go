package adminchat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session collectors. A nil *Metrics is valid and records
// nothing, so components never need to check for it.
type Metrics struct {
	connState          *prometheus.GaugeVec
	reconnectAttempts  prometheus.Counter
	hubEvents          *prometheus.CounterVec
	invokeDuration     *prometheus.HistogramVec
	bestEffortFailures *prometheus.CounterVec
	messagesApplied    *prometheus.CounterVec
	staleResponses     prometheus.Counter
	onlineUsers        prometheus.Gauge
	unreadTotal        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adminchat_hub_state",
			Help: "1 for the current hub connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adminchat_hub_reconnect_attempts_total",
			Help: "Reconnect attempts made after a transport drop.",
		}),
		hubEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminchat_hub_events_total",
			Help: "Inbound hub invocations by event name.",
		}, []string{"event"}),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adminchat_hub_invoke_duration_seconds",
			Help:    "Round trip of hub invocations awaiting a completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		bestEffortFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminchat_best_effort_failures_total",
			Help: "Failures of best-effort operations that were only logged.",
		}, []string{"op"}),
		messagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminchat_messages_applied_total",
			Help: "Messages applied to the store by source.",
		}, []string{"source"}),
		staleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adminchat_stale_responses_total",
			Help: "History responses discarded after a context switch.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adminchat_online_users",
			Help: "Users currently marked online.",
		}),
		unreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adminchat_unread_total",
			Help: "Sum of unread counts across loaded conversations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connState,
			m.reconnectAttempts,
			m.hubEvents,
			m.invokeDuration,
			m.bestEffortFailures,
			m.messagesApplied,
			m.staleResponses,
			m.onlineUsers,
			m.unreadTotal,
		)
	}
	return m
}

var allStates = []ConnState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

func (m *Metrics) setState(s ConnState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) hubEvent(event string) {
	if m == nil {
		return
	}
	m.hubEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) observeInvoke(target string, seconds float64) {
	if m == nil {
		return
	}
	m.invokeDuration.WithLabelValues(target).Observe(seconds)
}

func (m *Metrics) bestEffortFailure(op string) {
	if m == nil {
		return
	}
	m.bestEffortFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) messageApplied(source string) {
	if m == nil {
		return
	}
	m.messagesApplied.WithLabelValues(source).Inc()
}

func (m *Metrics) staleResponse() {
	if m == nil {
		return
	}
	m.staleResponses.Inc()
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) setUnread(n int) {
	if m == nil {
		return
	}
	m.unreadTotal.Set(float64(n))
}
