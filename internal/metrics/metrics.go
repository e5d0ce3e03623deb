package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query pipeline metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_queries_total",
			Help: "Total number of /ask queries",
		},
		[]string{"tenant", "outcome"}, // outcome: answered|idk|error
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundline_query_duration_seconds",
			Help:    "End-to-end query latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant", "streaming"},
	)

	RetrievalStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundline_retrieval_stage_duration_seconds",
			Help:    "Per-stage retrieval latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"stage"}, // vector|keyword|fusion|rerank|pack
	)

	GuardrailDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_guardrail_decisions_total",
			Help: "Guardrail decisions by outcome and reason",
		},
		[]string{"tenant", "answerable", "reason"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_embedding_requests_total",
			Help: "Embedding service calls by status",
		},
		[]string{"model", "status"}, // ok|batch_ok|error|cache_hit|lru_hit|rechunk
	)

	EmbeddingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groundline_embedding_duration_seconds",
			Help:    "Embedding call latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_vector_searches_total",
			Help: "Vector store search calls by status",
		},
		[]string{"collection", "status"},
	)

	VectorSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundline_vector_search_duration_seconds",
			Help:    "Vector store search latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"collection"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_llm_requests_total",
			Help: "LLM provider calls by status",
		},
		[]string{"provider", "model", "status"},
	)

	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundline_llm_stream_duration_seconds",
			Help:    "Total LLM streaming duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"provider"},
	)

	LLMTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groundline_llm_tokens_used",
			Help:    "Tokens consumed per synthesis",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	// Rate limiting
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"}, // ip|user|tenant
	)

	// Ingest metrics
	IngestDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_ingest_documents_total",
			Help: "Documents processed by the publish pipeline",
		},
		[]string{"tenant", "action", "status"}, // action: publish|tombstone|preview
	)

	IngestChunksWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groundline_ingest_chunks_written_total",
			Help: "Chunks upserted into the vector store",
		},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundline_ingest_duration_seconds",
			Help:    "Per-document publish latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundline_cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)
)

// RecordEmbedding records one embedding call outcome.
func RecordEmbedding(model, status string, seconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if seconds > 0 {
		EmbeddingDuration.Observe(seconds)
	}
}

// RecordVectorSearch records one vector store search outcome.
func RecordVectorSearch(collection, status string, seconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if seconds > 0 {
		VectorSearchDuration.WithLabelValues(collection).Observe(seconds)
	}
}
