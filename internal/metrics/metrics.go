package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingress
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memokeeper_messages_received_total",
			Help: "Total inbound chat messages",
		},
	)

	MessagesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memokeeper_messages_filtered_total",
			Help: "Messages dropped by the noise filter",
		},
		[]string{"reason"},
	)

	// Extraction
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memokeeper_classifications_total",
			Help: "Extraction decisions by source and content type",
		},
		[]string{"source", "type"}, // source: rules|semantic
	)

	SemanticCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memokeeper_semantic_calls_total",
			Help: "Semantic classifier calls by outcome",
		},
		[]string{"outcome"}, // ok|unavailable|budget_exceeded|malformed_response
	)

	SemanticLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memokeeper_semantic_latency_seconds",
			Help:    "Semantic classifier call latency",
			Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 16},
		},
	)

	ConfidenceAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memokeeper_confidence_anomalies_total",
			Help: "Out-of-range confidences clamped into [0,1]",
		},
	)

	// Dedup and publish
	DedupResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memokeeper_dedup_total",
			Help: "Deduplicator admissions",
		},
		[]string{"result"}, // admitted|duplicate|error
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memokeeper_events_published_total",
			Help: "Events appended to the stream",
		},
		[]string{"event_type"},
	)

	PublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memokeeper_publish_retries_total",
			Help: "Publish attempts retried after an unavailable store",
		},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memokeeper_dead_letters_total",
			Help: "Events dead-lettered",
		},
		[]string{"kind"},
	)

	// Workers
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memokeeper_active_chat_workers",
			Help: "Per-chat workers currently running",
		},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memokeeper_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
