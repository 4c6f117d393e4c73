package index

import (
	"context"
	"fmt"
	"log/slog"

	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
)

// Retriever finds the nodes most similar to a query string.
type Retriever struct {
	store    VectorStore
	embedder embedding.Embedder
	topK     int
}

// NewRetriever creates a retriever. topK <= 0 selects 2.
func NewRetriever(store VectorStore, embedder embedding.Embedder, topK int) *Retriever {
	if topK <= 0 {
		topK = 2
	}
	return &Retriever{store: store, embedder: embedder, topK: topK}
}

// TopK returns the number of nodes returned per query.
func (r *Retriever) TopK() int {
	return r.topK
}

// Retrieve embeds query and returns the topK closest nodes, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]domain.NodeWithScore, error) {
	vec, err := embedding.EmbedQuery(ctx, r.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	nodes, err := r.store.Query(ctx, vec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}
	slog.Debug("nodes retrieved", "count", len(nodes), "top_k", r.topK)
	return nodes, nil
}

// Postprocessor filters or reorders retrieved nodes.
type Postprocessor interface {
	Postprocess(query string, nodes []domain.NodeWithScore) []domain.NodeWithScore
}

// SimilarityPostprocessor drops nodes scoring below Cutoff.
type SimilarityPostprocessor struct {
	Cutoff float64
}

// Postprocess implements Postprocessor
func (p SimilarityPostprocessor) Postprocess(_ string, nodes []domain.NodeWithScore) []domain.NodeWithScore {
	out := make([]domain.NodeWithScore, 0, len(nodes))
	for _, n := range nodes {
		if n.Score >= p.Cutoff {
			out = append(out, n)
		}
	}
	return out
}
