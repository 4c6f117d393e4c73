// Package index stores embedded nodes and retrieves them by similarity.
package index

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
)

// VectorStore persists embedded nodes and answers top-k similarity queries.
// Scores are cosine similarities; higher is closer.
type VectorStore interface {
	Add(ctx context.Context, nodes []domain.Node) error
	Query(ctx context.Context, vector []float32, topK int) ([]domain.NodeWithScore, error)
	Delete(ctx context.Context, documentID string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is an in-process VectorStore with brute-force search.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes []domain.Node
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add implements VectorStore. Nodes with an existing ID replace the old node.
func (m *MemoryStore) Add(_ context.Context, nodes []domain.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := make(map[string]int, len(m.nodes))
	for i, n := range m.nodes {
		pos[n.ID] = i
	}
	for _, n := range nodes {
		if i, ok := pos[n.ID]; ok {
			m.nodes[i] = n
			continue
		}
		pos[n.ID] = len(m.nodes)
		m.nodes = append(m.nodes, n)
	}
	return nil
}

// Query implements VectorStore
func (m *MemoryStore) Query(_ context.Context, vector []float32, topK int) ([]domain.NodeWithScore, error) {
	m.mu.RLock()
	scored := make([]domain.NodeWithScore, 0, len(m.nodes))
	for _, n := range m.nodes {
		scored = append(scored, domain.NodeWithScore{Node: n, Score: embedding.Cosine(vector, n.Embedding)})
	}
	m.mu.RUnlock()

	return TopK(scored, topK), nil
}

// Delete implements VectorStore
func (m *MemoryStore) Delete(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = slices.DeleteFunc(m.nodes, func(n domain.Node) bool {
		return n.DocumentID == documentID
	})
	return nil
}

// Count implements VectorStore
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes), nil
}

// Close implements VectorStore
func (m *MemoryStore) Close() error {
	return nil
}

// TopK sorts scored nodes by descending score and keeps the first k.
// Ties keep their input order. k <= 0 keeps everything.
func TopK(scored []domain.NodeWithScore, k int) []domain.NodeWithScore {
	slices.SortStableFunc(scored, func(a, b domain.NodeWithScore) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

var _ VectorStore = (*MemoryStore)(nil)
