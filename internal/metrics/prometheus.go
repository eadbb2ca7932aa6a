package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SearchStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policy_rag_search_stage_duration_seconds",
			Help:    "Duration of each retrieval stage in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"stage"},
	)

	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_rag_searches_total",
			Help: "Total number of searches processed",
		},
		[]string{"mode", "status"},
	)

	SearchResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policy_rag_search_results_count",
			Help:    "Number of candidates returned per search",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 200},
		},
	)

	RerankFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_rag_rerank_fallbacks_total",
			Help: "Total precision passes that fell back to coarse ordering",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_rag_documents_ingested_total",
			Help: "Total documents run through the ingestion pipeline",
		},
		[]string{"status"},
	)

	ChunksProduced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_rag_chunks_produced_total",
			Help: "Total chunks produced by the chunker",
		},
	)

	StoreInsertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policy_rag_store_insert_duration_seconds",
			Help:    "Duration of passage store inserts in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
)

func Init() {
	prometheus.MustRegister(SearchStageDuration)
	prometheus.MustRegister(SearchesTotal)
	prometheus.MustRegister(SearchResultsCount)
	prometheus.MustRegister(RerankFallbacks)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsIngested)
	prometheus.MustRegister(ChunksProduced)
	prometheus.MustRegister(StoreInsertDuration)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
