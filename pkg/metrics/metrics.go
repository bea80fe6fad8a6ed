package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts outbound messages persisted and published
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_messages_sent_total",
		Help: "Total number of messages sent",
	})

	// MessagesReceived counts live messages applied to a conversation log
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_messages_received_total",
		Help: "Total number of live messages received",
	})

	// MessageSendFailures counts failed sends left in retryable state
	MessageSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_message_send_failures_total",
		Help: "Total number of failed message sends",
	})

	// DuplicateEvents counts events discarded by identifier dedup
	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_duplicate_events_total",
		Help: "Total number of duplicate transport events discarded",
	})

	// TransportReconnects counts transport reconnect cycles
	TransportReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_transport_reconnects_total",
		Help: "Total number of transport reconnects",
	})

	// ActiveCalls tracks calls currently in a non-terminal state
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtc_active_calls",
		Help: "Number of calls currently active",
	})

	// CallsTotal counts calls by terminal outcome
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_calls_total",
		Help: "Total number of calls by outcome",
	}, []string{"outcome"})

	// CallDuration observes connected call durations in seconds
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtc_call_duration_seconds",
		Help:    "Duration of connected calls",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// QualityLatency tracks the last sampled network latency per call
	QualityLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtc_call_latency_ms",
		Help: "Last sampled round-trip latency in milliseconds",
	}, []string{"call_id"})
)

// RecordCallOutcome increments the outcome counter and drops the call
// from the active gauge.
func RecordCallOutcome(outcome string) {
	CallsTotal.WithLabelValues(outcome).Inc()
	ActiveCalls.Dec()
}
