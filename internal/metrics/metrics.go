package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process counters. Every method is safe on a nil receiver,
// so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	activeConns prometheus.Gauge
	onlineUsers prometheus.Gauge
	presence    *prometheus.CounterVec
	messages    prometheus.Counter
	statuses    *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	rateLimited prometheus.Counter
	pushDropped prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Name:      "active_connections",
			Help:      "Open websocket sessions.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Name:      "online_users",
			Help:      "Users holding at least one session.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "presence_transitions_total",
			Help:      "Presence transitions by kind (online, offline, cancelled, login).",
		}, []string{"transition"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_created_total",
			Help:      "Messages stored.",
		}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "message_status_transitions_total",
			Help:      "Per-recipient status transitions by kind (delivered, read).",
		}, []string{"status"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "store_errors_total",
			Help:      "Persistence failures by operation.",
		}, []string{"op"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "rate_limited_total",
			Help:      "Message sends rejected by the rate limiter.",
		}),
		pushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "push_dropped_total",
			Help:      "Push frames dropped because a client buffer was full.",
		}),
	}
	m.registry.MustRegister(
		m.activeConns, m.onlineUsers, m.presence, m.messages,
		m.statuses, m.storeErrors, m.rateLimited, m.pushDropped,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncConn() {
	if m != nil {
		m.activeConns.Inc()
	}
}

func (m *Metrics) DecConn() {
	if m != nil {
		m.activeConns.Dec()
	}
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) Presence(transition string) {
	if m != nil {
		m.presence.WithLabelValues(transition).Inc()
	}
}

func (m *Metrics) MessageCreated() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) Status(status string, n int) {
	if m != nil && n > 0 {
		m.statuses.WithLabelValues(status).Add(float64(n))
	}
}

func (m *Metrics) StoreError(op string) {
	if m != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) PushDropped() {
	if m != nil {
		m.pushDropped.Inc()
	}
}

// ServeHTTP renders the registry in the Prometheus text format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		http.NotFound(w, r)
		return
	}
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
