package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. Each server owns its
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec // by connection type
	sessionsDisconnected prometheus.Counter

	// Directory metrics
	registeredUsers prometheus.Gauge
	logins          prometheus.Counter
	logouts         prometheus.Counter

	// Message type metrics
	commandsReceived *prometheus.CounterVec // by command type
	responsesSent    *prometheus.CounterVec // by response type
	decodeErrors     prometheus.Counter
}

// NewMetrics creates a new metrics instance with its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "relaychat_listen_overflows_total",
			Help: "Connections the kernel rejected because the listen backlog was full (host-wide, Linux only)",
		},
		func() float64 { return float64(listenOverflows()) },
	)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_active_sessions",
				Help: "Current number of open directory connections",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_created_total",
				Help: "Total number of directory connections accepted",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_disconnected_total",
				Help: "Total number of directory connections closed",
			},
		),
		registeredUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_registered_users",
				Help: "Number of nicknames currently in the directory",
			},
		),
		logins: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_logins_total",
				Help: "Total number of successful logins",
			},
		),
		logouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_logouts_total",
				Help: "Total number of directory entries removed by logout, exit or disconnect",
			},
		),
		commandsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_commands_received_total",
				Help: "Total number of commands received from clients by type",
			},
			[]string{"type"},
		),
		responsesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_responses_sent_total",
				Help: "Total number of responses sent to clients by type",
			},
			[]string{"type"},
		),
		decodeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_decode_errors_total",
				Help: "Total number of malformed messages dropped",
			},
		),
	}
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordLogin counts a login and updates the directory size
func (m *Metrics) RecordLogin(registered int) {
	m.logins.Inc()
	m.registeredUsers.Set(float64(registered))
}

// RecordLogout counts a removal and updates the directory size
func (m *Metrics) RecordLogout(registered int) {
	m.logouts.Inc()
	m.registeredUsers.Set(float64(registered))
}

// RecordCommandReceived increments the command counter for a type
func (m *Metrics) RecordCommandReceived(commandType string) {
	m.commandsReceived.WithLabelValues(commandType).Inc()
}

// RecordResponseSent increments the response counter for a type
func (m *Metrics) RecordResponseSent(responseType string) {
	m.responsesSent.WithLabelValues(responseType).Inc()
}

// RecordDecodeError counts a dropped malformed message
func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Inc()
}
