package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
	"asi-llm/internal/metrics"
	"asi-llm/internal/splitter"
	keysync "asi-llm/internal/sync"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize = 32
	defaultWorkers   = 4
)

// VectorStoreIndex splits documents into nodes, embeds them and keeps them
// in a VectorStore.
type VectorStoreIndex struct {
	store     VectorStore
	embedder  embedding.Embedder
	splitter  *splitter.SentenceSplitter
	batchSize int
	workers   int
	locks     *keysync.KeyLock // Per document ID
}

// Option configures a VectorStoreIndex.
type Option func(*VectorStoreIndex)

// WithBatchSize sets how many nodes are embedded per request.
func WithBatchSize(n int) Option {
	return func(ix *VectorStoreIndex) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithWorkers sets how many embedding batches run in parallel.
func WithWorkers(n int) Option {
	return func(ix *VectorStoreIndex) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// New creates an index over store.
func New(store VectorStore, embedder embedding.Embedder, sp *splitter.SentenceSplitter, opts ...Option) *VectorStoreIndex {
	ix := &VectorStoreIndex{
		store:     store,
		embedder:  embedder,
		splitter:  sp,
		batchSize: defaultBatchSize,
		workers:   defaultWorkers,
		locks:     keysync.NewKeyLock(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Store returns the underlying vector store.
func (ix *VectorStoreIndex) Store() VectorStore {
	return ix.store
}

// Insert splits, embeds and stores documents. It returns the number of
// nodes written.
func (ix *VectorStoreIndex) Insert(ctx context.Context, docs ...domain.Document) (int, error) {
	nodes, err := ix.splitter.SplitDocuments(docs)
	if err != nil {
		return 0, err
	}
	if err := ix.InsertNodes(ctx, nodes); err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// InsertNodes embeds nodes that have no embedding yet and stores them all.
func (ix *VectorStoreIndex) InsertNodes(ctx context.Context, nodes []domain.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	start := time.Now()
	if err := ix.embed(ctx, nodes); err != nil {
		return err
	}
	return ix.add(ctx, nodes, start)
}

// embed fills in missing embeddings in parallel batches.
func (ix *VectorStoreIndex) embed(ctx context.Context, nodes []domain.Node) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)

	for lo := 0; lo < len(nodes); lo += ix.batchSize {
		batch := nodes[lo:min(lo+ix.batchSize, len(nodes))]
		g.Go(func() error {
			var texts []string
			var idx []int
			for i, n := range batch {
				if len(n.Embedding) == 0 {
					texts = append(texts, n.Text)
					idx = append(idx, i)
				}
			}
			if len(texts) == 0 {
				return nil
			}
			vecs, err := ix.embedder.Embed(gCtx, texts)
			if err != nil {
				return fmt.Errorf("embed nodes: %w", err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed nodes: got %d vectors for %d texts", len(vecs), len(texts))
			}
			// Batches are disjoint sub-slices, so writes do not race.
			for j, i := range idx {
				batch[i].Embedding = vecs[j]
			}
			return nil
		})
	}
	return g.Wait()
}

func (ix *VectorStoreIndex) add(ctx context.Context, nodes []domain.Node, start time.Time) error {
	if err := ix.store.Add(ctx, nodes); err != nil {
		return fmt.Errorf("store nodes: %w", err)
	}
	metrics.NodesIndexed.Add(float64(len(nodes)))
	slog.Info("nodes indexed", "count", len(nodes), "embedder", ix.embedder.Name(), "duration", time.Since(start))
	return nil
}

// Replace re-indexes documents. New nodes are split and embedded before the
// stored nodes of the same document IDs are removed, so a failed embedding
// leaves the previous version searchable. Concurrent replaces of one
// document are serialized.
func (ix *VectorStoreIndex) Replace(ctx context.Context, docs ...domain.Document) (int, error) {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	// Sorted so that overlapping batches lock in the same order
	slices.Sort(ids)
	ids = slices.Compact(ids)

	for _, id := range ids {
		ix.locks.Lock(id)
	}
	defer func() {
		for _, id := range ids {
			ix.locks.Unlock(id)
		}
	}()

	start := time.Now()
	nodes, err := ix.splitter.SplitDocuments(docs)
	if err != nil {
		return 0, err
	}
	if err := ix.embed(ctx, nodes); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := ix.store.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("delete document %s: %w", id, err)
		}
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	if err := ix.add(ctx, nodes, start); err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// Delete removes every node of a document.
func (ix *VectorStoreIndex) Delete(ctx context.Context, documentID string) error {
	ix.locks.Lock(documentID)
	defer ix.locks.Unlock(documentID)
	return ix.store.Delete(ctx, documentID)
}

// AsRetriever returns a retriever returning the topK closest nodes.
func (ix *VectorStoreIndex) AsRetriever(topK int) *Retriever {
	return NewRetriever(ix.store, ix.embedder, topK)
}
