package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker. These are scraped from the
// dedicated metrics listener (QIO_METRICS_ADDR) and visualized in
// Grafana.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_connections_total",
		Help: "Total connections accepted, by protocol",
	}, []string{"protocol"})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qio_connections_active",
		Help: "Current number of connected clients (surrogates included)",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_connections_rejected_total",
		Help: "Connections rejected before protocol sniffing, by reason",
	}, []string{"reason"})

	ClientsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_clients_closed_total",
		Help: "Clients closed, by close reason",
	}, []string{"reason"})

	// Event routing metrics
	EventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_events_routed_total",
		Help: "Inbound events routed, by result",
	}, []string{"result"})

	// Subscription metrics
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qio_subscriptions_active",
		Help: "Current number of client subscriptions",
	})

	SubscriptionsDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_subscriptions_denied_total",
		Help: "Subscriptions denied by the fairness admission policy",
	})

	// Broadcast metrics
	BroadcastsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_broadcasts_enqueued_total",
		Help: "Broadcasts pushed onto the delivery queue",
	})

	BroadcastDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_broadcast_deliveries_total",
		Help: "Per-subscriber broadcast deliveries, by protocol",
	}, []string{"protocol"})

	BroadcastWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_broadcast_write_errors_total",
		Help: "Subscribers closed due to a failed broadcast write",
	})

	// Callback metrics
	CallbacksEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_callbacks_evicted_total",
		Help: "Server callbacks evicted because all slots were occupied",
	})

	CallbacksPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_callbacks_pruned_total",
		Help: "Server callbacks dropped by the age-pruning sweep",
	})

	// Heartbeat metrics
	HeartbeatChallenges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_heartbeat_challenges_total",
		Help: "Heartbeat challenges sent to quiet clients",
	})

	Heartattacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_heartattacks_total",
		Help: "Clients closed for failing liveness",
	})

	// Bus ingest bridges
	BridgeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_bridge_messages_total",
		Help: "Messages ingested from the bus bridges",
	}, []string{"bus"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		ClientsClosed,
		EventsRouted,
		SubscriptionsActive,
		SubscriptionsDenied,
		BroadcastsEnqueued,
		BroadcastDeliveries,
		BroadcastWriteErrors,
		CallbacksEvicted,
		CallbacksPruned,
		HeartbeatChallenges,
		Heartattacks,
		BridgeMessages,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
