package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"legacychat/store"
)

// Metrics holds Prometheus collectors for one server. Each server has its
// own registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRejected prometheus.Counter
	requestsTotal       *prometheus.CounterVec
	decodeErrorsTotal   prometheus.Counter
	messagesDeposited   *prometheus.CounterVec
}

// NewMetrics creates and registers the server's collectors. Store sizes
// are sampled from st at scrape time.
func NewMetrics(st store.Store) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legacychat_connections_total",
			Help: "Total connections accepted since server start.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacychat_connections_active",
			Help: "Number of currently open client connections.",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legacychat_connections_rejected_total",
			Help: "Connections turned away because the connection limit was reached.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacychat_requests_total",
			Help: "Requests dispatched, by action and response status.",
		}, []string{"action", "status"}),
		decodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legacychat_decode_errors_total",
			Help: "Request lines that were not valid JSON objects.",
		}),
		messagesDeposited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacychat_messages_deposited_total",
			Help: "Messages appended to a mailbox, by message type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.connectionsTotal,
		m.connectionsActive,
		m.connectionsRejected,
		m.requestsTotal,
		m.decodeErrorsTotal,
		m.messagesDeposited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "legacychat_accounts",
			Help: "Registered accounts.",
		}, func() float64 {
			stats, err := st.Stats()
			if err != nil {
				return 0
			}
			return float64(stats.Accounts)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "legacychat_pending_messages",
			Help: "Messages waiting in mailboxes.",
		}, func() float64 {
			stats, err := st.Stats()
			if err != nil {
				return 0
			}
			return float64(stats.PendingMessages)
		}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) connRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) request(action, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.Inc()
}

func (m *Metrics) deposited(kind string) {
	if m == nil {
		return
	}
	m.messagesDeposited.WithLabelValues(kind).Inc()
}
