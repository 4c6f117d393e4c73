package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"asi-llm/internal/client"
	"asi-llm/internal/config"
	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
	"asi-llm/internal/index"
	"asi-llm/internal/llm"
	"asi-llm/internal/query"
	"asi-llm/internal/splitter"
	"asi-llm/internal/storage"
)

// app wires the model and, on demand, the retrieval stack.
type app struct {
	cfg    *config.Config
	model  llm.StreamingModel
	store  index.VectorStore
	index  *index.VectorStoreIndex
	engine *query.Engine
	qlog   storage.QueryLog
}

func newApp(cfg *config.Config) (*app, error) {
	model, err := client.NewLLM(cfg)
	if err != nil {
		return nil, fmt.Errorf("create llm: %w", err)
	}
	slog.Debug("llm created", "backend", cfg.LLM.Backend, "model", model.Metadata().ModelName)
	return &app{cfg: cfg, model: model}, nil
}

// withRetrieval opens the vector store and builds the index and query engine.
func (a *app) withRetrieval(ctx context.Context) error {
	if err := a.cfg.ValidateEmbedding(); err != nil {
		return err
	}

	embedder, err := embedding.New(a.cfg.Embedding)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}

	counter := splitter.NewTokenCounter(a.cfg.Index.Encoding)
	sp, err := splitter.NewSentenceSplitter(a.cfg.Index.ChunkSize, a.cfg.Index.ChunkOverlap, counter)
	if err != nil {
		return fmt.Errorf("create splitter: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, a.cfg.Storage.Timeout)
	defer cancel()
	a.store, err = storage.Open(storeCtx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	slog.Debug("vector store opened", "driver", a.cfg.Storage.Driver)

	a.index = index.New(a.store, embedder, sp,
		index.WithBatchSize(a.cfg.Embedding.BatchSize),
		index.WithWorkers(a.cfg.Index.Workers),
	)

	opts := []query.Option{
		query.WithPrompts(query.NewPromptLoader(a.cfg.Prompts.Dir)),
		query.WithTokenCounter(counter),
		query.WithContextWindow(a.cfg.LLM.ContextWindow),
	}
	if a.cfg.Index.SimilarityCutoff > 0 {
		opts = append(opts, query.WithPostprocessors(index.SimilarityPostprocessor{Cutoff: a.cfg.Index.SimilarityCutoff}))
	}
	if a.cfg.Storage.QueryLog != "" {
		a.qlog, err = storage.NewSQLiteQueryLog(a.cfg.Storage.QueryLog)
		if err != nil {
			return fmt.Errorf("open query log: %w", err)
		}
		opts = append(opts, query.WithQueryLog(a.qlog))
	}
	a.engine = query.FromIndex(a.index, a.cfg.Index.TopK, a.model, opts...)
	return nil
}

// indexDirectory loads and indexes every document under dir.
func (a *app) indexDirectory(ctx context.Context, dir string, exts []string) (int, error) {
	docs, err := domain.ReadDirectory(dir, exts)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, fmt.Errorf("no documents found in %s", dir)
	}
	// Re-indexing a file replaces its previous nodes
	n, err := a.index.Replace(ctx, docs...)
	if err != nil {
		return 0, err
	}
	slog.Info("directory indexed", "dir", dir, "documents", len(docs), "nodes", n)
	return n, nil
}

func (a *app) Close() error {
	var errs []error
	if a.qlog != nil {
		errs = append(errs, a.qlog.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
