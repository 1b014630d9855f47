package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsegate_events_total",
			Help: "Total number of ingestion requests by outcome",
		},
		[]string{"status"},
	)

	EventBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsegate_event_bytes_total",
			Help: "Total bytes of event payloads received",
		},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsegate_ingest_duration_seconds",
			Help:    "Duration of event ingestion including persistence",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate limiting metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsegate_rate_limit_rejections_total",
			Help: "Total number of rate-limited requests by reason",
		},
		[]string{"reason"},
	)

	// Token verification metrics
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsegate_auth_failures_total",
			Help: "Total number of rejected ingestion tokens by cause",
		},
		[]string{"cause"},
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsegate_webhook_deliveries_total",
			Help: "Total number of delivery outcomes",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsegate_webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook POSTs",
			Buckets: prometheus.DefBuckets,
		},
	)

	EndpointsDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsegate_webhook_endpoints_disabled_total",
			Help: "Total number of endpoints auto-disabled after consecutive failures",
		},
	)

	// Enrichment trigger metrics
	EnrichPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsegate_enrich_publish_errors_total",
			Help: "Total number of failed enrichment trigger publishes",
		},
	)
)
