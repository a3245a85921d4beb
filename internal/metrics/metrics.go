// Package metrics provides Prometheus metrics for the TCG Wallet backend.
// Scrape these at /metrics for Grafana dashboards and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tcgwallet_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Matcher Metrics
	MatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_match_requests_total",
			Help: "Total number of card match requests by outcome",
		},
		[]string{"outcome"}, // "matched", "no_match"
	)

	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcgwallet_match_duration_seconds",
			Help:    "Time taken for a full match request including rescoring",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	MatchCandidatesScored = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcgwallet_match_candidates_scored",
			Help:    "Number of catalog cards scored per match request",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	// Embedding Pre-Filter Metrics
	EmbeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_embedding_requests_total",
			Help: "Total number of embedding API requests by status",
		},
		[]string{"status"}, // "success", "error"
	)

	EmbeddingRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcgwallet_embedding_request_duration_seconds",
			Help:    "Embedding API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PreFilterFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcgwallet_prefilter_fallbacks_total",
			Help: "Times the matcher fell back to scoring the full catalog",
		},
	)

	// Image Comparison Metrics
	ImageComparisonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_image_comparisons_total",
			Help: "Total number of visual similarity comparisons by status",
		},
		[]string{"status"}, // "ok", "failed"
	)

	ImageComparisonDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcgwallet_image_comparison_duration_seconds",
			Help:    "Time taken for one pairwise image comparison",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	ImageDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_image_downloads_total",
			Help: "Reference image downloads by cache result",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// Catalog Metrics
	CatalogCardsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcgwallet_catalog_cards_loaded",
			Help: "Number of catalog cards loaded in memory",
		},
	)

	CatalogEmbeddingsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcgwallet_catalog_embeddings_loaded",
			Help: "Number of precomputed card embeddings loaded in memory",
		},
	)

	// TCGPlayer API Metrics
	TCGPlayerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_tcgplayer_requests_total",
			Help: "Total number of TCGPlayer catalog API requests by endpoint",
		},
		[]string{"endpoint", "status"},
	)

	// Price Refresh Worker Metrics
	PriceRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_price_refreshes_total",
			Help: "Cached price rows refreshed by the background worker",
		},
		[]string{"result"}, // "refreshed", "error"
	)

	PriceRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcgwallet_price_refresh_duration_seconds",
			Help:    "Time taken for one background price refresh sweep",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Vision Extraction Metrics
	VisionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcgwallet_vision_requests_total",
			Help: "Total number of vision extraction requests by status",
		},
		[]string{"status"}, // "success", "parse_error", "error"
	)
)
