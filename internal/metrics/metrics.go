package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LLMRequests counts requests sent to the LLM, labeled by operation and status.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asi_llm_requests_total",
		Help: "The total number of LLM requests",
	}, []string{"operation", "status"}) // operation: complete, chat, stream_complete, stream_chat, tools; status: success, error

	// LLMDuration measures LLM request latency (until the last streamed chunk for streams).
	LLMDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asi_llm_request_duration_seconds",
		Help:    "Time taken by LLM requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// LLMTokens counts tokens reported by the provider.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asi_llm_tokens_total",
		Help: "The total number of tokens reported in LLM usage blocks",
	}, []string{"kind"}) // kind: prompt, completion

	// EmbeddingRequests counts embedding batches, labeled by provider and status.
	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asi_embedding_requests_total",
		Help: "The total number of embedding batches",
	}, []string{"provider", "status"})

	// NodesIndexed counts nodes written to the vector store.
	NodesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asi_index_nodes_total",
		Help: "The total number of nodes inserted into the index",
	})

	// Queries counts query engine calls, labeled by status.
	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asi_queries_total",
		Help: "The total number of document queries",
	}, []string{"status"}) // status: success, error

	// QueryDuration measures end-to-end query time.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asi_query_duration_seconds",
		Help:    "Time taken to answer a document query",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	// HTTPRequests counts API requests, labeled by route and status code class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asi_http_requests_total",
		Help: "The total number of HTTP API requests",
	}, []string{"route", "status"})
)

// ObserveUsage records provider token counts.
func ObserveUsage(promptTokens, completionTokens int) {
	if promptTokens > 0 {
		LLMTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}
