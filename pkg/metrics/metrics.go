package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EscalationsCreated     prometheus.Counter
	EscalationsTerminated  *prometheus.CounterVec
	LiveTimers             prometheus.Gauge
	MessagesHandled        *prometheus.CounterVec
	ResponderConfidence    prometheus.Histogram
	EventsPublished        *prometheus.CounterVec
	RedisOperationDuration *prometheus.HistogramVec
	DegradedResponses      prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		EscalationsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escalations_created_total",
			Help: "Total number of escalations created or re-opened",
		}),
		EscalationsTerminated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escalations_terminated_total",
			Help: "Total number of escalations leaving the pending state",
		}, []string{"outcome"}),
		LiveTimers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "live_timeout_timers",
			Help: "Current number of armed timeout timers",
		}),
		MessagesHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_handled_total",
			Help: "Total number of inbound chat messages processed",
		}, []string{"outcome"}),
		ResponderConfidence: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "responder_confidence_score",
			Help:    "Confidence scores returned by the automated responder",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_events_published_total",
			Help: "Total number of events published to the supervisors topic",
		}, []string{"event"}),
		RedisOperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		DegradedResponses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "degraded_chat_responses_total",
			Help: "Chat responses served without persistence due to store failure",
		}),
	}
}
