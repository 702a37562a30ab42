package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay outcomes, one per handler invocation.
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentrelay_messages_handled_total",
			Help: "Inbound messages handled, labelled by disposition (ack, retry, dead_letter, skipped).",
		},
		[]string{"disposition"},
	)

	HandleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rentrelay_handle_duration_seconds",
			Help:    "Duration of one relay invocation (decode, enrich, encode, publish).",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Publisher metrics
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentrelay_publish_duration_seconds",
			Help:    "Duration of outbound publish calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "result"},
	)

	// Trigger adapter metrics
	Redeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rentrelay_redeliveries_total",
			Help: "Messages scheduled for redelivery after a retryable failure.",
		},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentrelay_dead_lettered_total",
			Help: "Messages moved to the dead-letter destination, labelled by reason.",
		},
		[]string{"reason"},
	)
)
