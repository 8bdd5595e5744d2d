package observ

import "github.com/prometheus/client_golang/prometheus"

var (
	SocketEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echolink_socket_events_total",
			Help: "Inbound socket events dispatched to handlers, by event name.",
		},
		[]string{"event"},
	)

	SocketDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "echolink_socket_decode_errors_total",
			Help: "Inbound frames dropped because they failed decoding or validation.",
		},
	)

	SocketReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "echolink_socket_reconnects_total",
			Help: "Successful socket connections after the first one.",
		},
	)

	// CacheReconcile counts how server acks were matched:
	// "match", "fallback" (appended) or "duplicate" (already present).
	CacheReconcile = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echolink_cache_reconcile_total",
			Help: "Message acks reconciled against the local cache, by outcome.",
		},
		[]string{"result"},
	)

	CallTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echolink_call_transitions_total",
			Help: "Call session state transitions, by target status.",
		},
		[]string{"status"},
	)

	SFUConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "echolink_sfu_consumers",
			Help: "Remote media consumers currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SocketEvents,
		SocketDecodeErrors,
		SocketReconnects,
		CacheReconcile,
		CallTransitions,
		SFUConsumers,
	)
}
