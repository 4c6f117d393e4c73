// Package query answers questions over an index with an LLM.
package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"asi-llm/internal/config"
	"asi-llm/internal/domain"
	"asi-llm/internal/index"
	"asi-llm/internal/llm"
	"asi-llm/internal/metrics"
	"asi-llm/internal/splitter"
	"asi-llm/internal/storage"

	"github.com/google/uuid"
)

const (
	defaultContextWindow = 3900
	defaultNumOutput     = 256
	minContextBudget     = 128
	maxDegradations      = 2
	contextSeparator     = "\n\n"
)

// Retriever returns the nodes relevant to a query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]domain.NodeWithScore, error)
}

// Engine retrieves nodes for a query and synthesizes an answer from them.
// When the retrieved context does not fit the model's window it is packed
// into several chunks: the first is answered with the QA prompt and each
// following chunk refines the previous answer.
type Engine struct {
	retriever      Retriever
	postprocessors []index.Postprocessor
	model          llm.Model
	prompts        *PromptLoader
	counter        *splitter.TokenCounter
	queryLog       storage.QueryLog
	contextWindow  int
	numOutput      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPostprocessors appends node postprocessors, applied in order.
func WithPostprocessors(pp ...index.Postprocessor) Option {
	return func(e *Engine) {
		e.postprocessors = append(e.postprocessors, pp...)
	}
}

// WithPrompts replaces the built-in prompt loader.
func WithPrompts(l *PromptLoader) Option {
	return func(e *Engine) {
		if l != nil {
			e.prompts = l
		}
	}
}

// WithTokenCounter sets the counter used to fit context into the window.
func WithTokenCounter(c *splitter.TokenCounter) Option {
	return func(e *Engine) {
		if c != nil {
			e.counter = c
		}
	}
}

// WithQueryLog records every answered query.
func WithQueryLog(l storage.QueryLog) Option {
	return func(e *Engine) {
		e.queryLog = l
	}
}

// WithContextWindow overrides the window reported by the model metadata.
func WithContextWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.contextWindow = n
		}
	}
}

// New creates a query engine.
func New(r Retriever, m llm.Model, opts ...Option) *Engine {
	meta := m.Metadata()
	e := &Engine{
		retriever:     r,
		model:         m,
		prompts:       NewPromptLoader(""),
		counter:       splitter.NewTokenCounter(""),
		contextWindow: meta.ContextWindow,
		numOutput:     meta.NumOutput,
	}
	if e.contextWindow <= 0 {
		e.contextWindow = defaultContextWindow
	}
	if e.numOutput <= 0 {
		e.numOutput = defaultNumOutput
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromIndex builds an engine over ix retrieving topK nodes per query.
func FromIndex(ix *index.VectorStoreIndex, topK int, m llm.Model, opts ...Option) *Engine {
	return New(ix.AsRetriever(topK), m, opts...)
}

// Query answers q from the retrieved context.
func (e *Engine) Query(ctx context.Context, q string) (*domain.Response, error) {
	start := time.Now()

	nodes, err := e.retrieve(ctx, q)
	if err != nil {
		e.finish(ctx, q, "", nil, start, err)
		return nil, err
	}

	answer, err := e.synthesize(ctx, q, nodes)
	e.finish(ctx, q, answer, nodes, start, err)
	if err != nil {
		return nil, err
	}
	return &domain.Response{Text: answer, SourceNodes: nodes}, nil
}

// StreamingResponse carries the source nodes up front and the answer as a
// stream of text fragments.
type StreamingResponse struct {
	SourceNodes []domain.NodeWithScore
	Deltas      iter.Seq2[string, error]
}

// StreamQuery retrieves eagerly and streams the final answer. Intermediate
// refine steps run without streaming. Models that cannot stream yield the
// whole answer as one fragment.
func (e *Engine) StreamQuery(ctx context.Context, q string) (*StreamingResponse, error) {
	start := time.Now()

	nodes, err := e.retrieve(ctx, q)
	if err != nil {
		e.finish(ctx, q, "", nil, start, err)
		return nil, err
	}
	chunks := e.packContext(nodes, e.contextBudget(q))

	deltas := func(yield func(string, error) bool) {
		var answer strings.Builder
		var streamErr error
		defer func() {
			e.finish(ctx, q, answer.String(), nodes, start, streamErr)
		}()

		existing, err := e.refineAll(ctx, q, chunks[:len(chunks)-1])
		if err != nil {
			streamErr = err
			yield("", err)
			return
		}
		prompt, err := e.render(q, chunks[len(chunks)-1], existing)
		if err != nil {
			streamErr = err
			yield("", err)
			return
		}

		streamer, ok := e.model.(llm.Streamer)
		if !ok {
			resp, err := e.model.Complete(ctx, prompt)
			if err != nil {
				streamErr = err
				yield("", err)
				return
			}
			answer.WriteString(resp.Text)
			yield(resp.Text, nil)
			return
		}

		for chunk, err := range streamer.StreamComplete(ctx, prompt) {
			if err != nil {
				streamErr = err
				yield("", err)
				return
			}
			if chunk.Delta == "" {
				continue
			}
			answer.WriteString(chunk.Delta)
			if !yield(chunk.Delta, nil) {
				return
			}
		}
	}

	return &StreamingResponse{SourceNodes: nodes, Deltas: deltas}, nil
}

func (e *Engine) retrieve(ctx context.Context, q string) ([]domain.NodeWithScore, error) {
	nodes, err := e.retriever.Retrieve(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	for _, pp := range e.postprocessors {
		nodes = pp.Postprocess(q, nodes)
	}
	return nodes, nil
}

// synthesize answers with compact/refine. A token limit error from the
// model halves the context budget and tries again.
func (e *Engine) synthesize(ctx context.Context, q string, nodes []domain.NodeWithScore) (string, error) {
	budget := e.contextBudget(q)
	for attempt := 0; ; attempt++ {
		answer, err := e.refineAll(ctx, q, e.packContext(nodes, budget))
		if err == nil || !IsTokenLimitError(err) || attempt >= maxDegradations {
			return answer, err
		}
		budget = max(budget/2, minContextBudget)
		slog.Warn("token limit exceeded, shrinking context", "attempt", attempt+1, "budget", budget)
	}
}

// refineAll answers the first chunk and refines the answer with the rest.
func (e *Engine) refineAll(ctx context.Context, q string, chunks []string) (string, error) {
	var answer string
	for i, chunk := range chunks {
		prompt, err := e.render(q, chunk, answer)
		if err != nil {
			return "", err
		}
		resp, err := e.model.Complete(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("synthesize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		answer = resp.Text
	}
	return answer, nil
}

func (e *Engine) render(q, contextText, existing string) (string, error) {
	if existing == "" {
		return e.prompts.Render(PromptQA, PromptData{Query: q, Context: contextText})
	}
	return e.prompts.Render(PromptRefine, PromptData{Query: q, Context: contextText, ExistingAnswer: existing})
}

// contextBudget is the number of context tokens that fit next to the QA
// prompt and the reserved output.
func (e *Engine) contextBudget(q string) int {
	overhead := 0
	if prompt, err := e.prompts.Render(PromptQA, PromptData{Query: q}); err == nil {
		overhead = e.counter.Count(prompt)
	}
	return max(e.contextWindow-e.numOutput-overhead, minContextBudget)
}

// packContext always returns at least one chunk, possibly empty.
func (e *Engine) packContext(nodes []domain.NodeWithScore, budget int) []string {
	texts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		texts = append(texts, n.Node.Text)
	}
	chunks := splitter.Pack(texts, budget, contextSeparator, e.counter)
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

func (e *Engine) finish(ctx context.Context, q, answer string, nodes []domain.NodeWithScore, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
		slog.Error("query failed", "error", err, "duration", duration)
	} else {
		slog.Info("query answered", "sources", len(nodes), "duration", duration)
	}
	metrics.Queries.WithLabelValues(status).Inc()
	metrics.QueryDuration.WithLabelValues(status).Observe(duration.Seconds())

	if e.queryLog == nil {
		return
	}
	record := &storage.QueryRecord{
		ID:          uuid.NewString(),
		Query:       q,
		Response:    answer,
		SourceNodes: nodes,
		Model:       e.model.Metadata().ModelName,
		CreatedAt:   time.Now().UTC(),
		DurationMs:  duration.Milliseconds(),
		Status:      status,
	}
	if err != nil {
		record.Error = err.Error()
	}
	// The caller's context may already be cancelled when a stream ends.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.queryLog.SaveQuery(saveCtx, record); err != nil {
		slog.Warn("save query failed", "error", err)
	}
}

// IsTokenLimitError reports whether err looks like a context length error
// from the provider.
func IsTokenLimitError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range config.TokenLimitErrorKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
