// Package metrics holds the Prometheus collectors for the presence service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presence"

// Metrics groups every collector the service exports. All methods are safe
// to call on a nil *Metrics, which records nothing.
type Metrics struct {
	ConnectionsOpen      prometheus.Gauge
	UsersOnline          prometheus.Gauge
	Transitions          *prometheus.CounterVec
	BridgeFailures       *prometheus.CounterVec
	NotificationsCreated *prometheus.CounterVec
	PushWrites           *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Number of push connections currently registered",
		}),
		UsersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_online",
			Help:      "Number of users not in the disconnected state",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_transitions_total",
			Help:      "Online/offline transitions committed",
		}, []string{"to"}),
		BridgeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_failures_total",
			Help:      "Failed best-effort calls to attendance or directory collaborators",
		}, []string{"op"}),
		NotificationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_created_total",
			Help:      "Notifications persisted",
		}, []string{"type"}),
		PushWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_writes_total",
			Help:      "Per-connection push writes",
		}, []string{"result"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Dec()
}

func (m *Metrics) SetUsersOnline(n int) {
	if m == nil {
		return
	}
	m.UsersOnline.Set(float64(n))
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) BridgeFailure(op string) {
	if m == nil {
		return
	}
	m.BridgeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) NotificationCreated(notificationType string) {
	if m == nil {
		return
	}
	m.NotificationsCreated.WithLabelValues(notificationType).Inc()
}

// PushWrite records the outcome of one write: "ok", "dropped" or
// "encode_failed".
func (m *Metrics) PushWrite(result string) {
	if m == nil {
		return
	}
	m.PushWrites.WithLabelValues(result).Inc()
}
