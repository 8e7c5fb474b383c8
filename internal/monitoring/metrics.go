package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process's Prometheus collectors. Room id is deliberately
// excluded from every label set to avoid unbounded label cardinality; only
// aggregate, room-agnostic counters are exported.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	Disconnects       *prometheus.CounterVec
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	RateLimitRejected prometheus.Counter
	Superseded        prometheus.Counter
	AuthRejected      *prometheus.CounterVec
	ConnRateLimited   *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	SweepDeletedRows  *prometheus.CounterVec
}

// NewMetrics registers every collector against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total WebSocket upgrades accepted.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Currently active WebSocket connections.",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_disconnects_total",
			Help: "Disconnects by reason.",
		}, []string{"reason"}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Outbound chat message frames sent to any recipient.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Inbound message frames accepted and persisted.",
		}),
		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limit_rejected_total",
			Help: "Message frames rejected by the admission controller.",
		}),
		Superseded: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_superseded_total",
			Help: "Connections closed because a newer connection for the same user took over.",
		}),
		AuthRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_auth_rejected_total",
			Help: "Upgrade attempts rejected, by reason (unauthenticated, origin).",
		}, []string{"reason"}),
		ConnRateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connection_rate_limited_total",
			Help: "Connection attempts rejected by the IP/global connection rate limiter.",
		}, []string{"scope"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_sweep_duration_seconds",
			Help:    "Duration of each retention sweep pass.",
			Buckets: prometheus.DefBuckets,
		}),
		SweepDeletedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_sweep_deleted_rows_total",
			Help: "Rows deleted by the retention sweeper, by reason (ttl, cap).",
		}, []string{"reason"}),
	}
}
