package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently registered connections",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total registry events processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each registry event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	DeliveriesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_deliveries_dropped_total",
		Help: "Broadcast deliveries skipped because the recipient mailbox was full or closed",
	}, []string{"reason"})

	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Total accepted connections by transport",
	}, []string{"transport"})

	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_session_duration_seconds",
		Help:    "Lifetime of client sessions",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(DeliveriesDropped)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(SessionDuration)
}
