package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"asi-llm/internal/config"
	"asi-llm/internal/metrics"
	"asi-llm/internal/types"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultBatchSize = 64

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	batchSize int
}

// NewOpenAIEmbedder creates an embedder. The key comes from cfg.APIKey or
// the OPENAI_API_KEY environment variable.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, opts ...option.RequestOption) (*OpenAIEmbedder, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv(config.EnvOpenAIAPIKey)
	}
	if key == "" {
		return nil, types.NewConfigError("embedding.api_key",
			fmt.Errorf("%w: set %s or embedding.api_key", types.ErrMissingAPIKey, config.EnvOpenAIAPIKey))
	}

	model := cfg.Model
	if model == "" {
		model = config.DefaultEmbeddingModel
	}
	base := cfg.BaseURL
	if base == "" {
		base = config.DefaultOpenAIBase
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	all := append([]option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(base),
	}, opts...)
	client := openai.NewClient(all...)

	return &OpenAIEmbedder{client: &client, model: model, batchSize: batch}, nil
}

// Name implements Embedder
func (e *OpenAIEmbedder) Name() string {
	return "openai-" + e.model
}

// Embed implements Embedder. Inputs are sent in batches of batchSize.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			metrics.EmbeddingRequests.WithLabelValues("openai", "error").Inc()
			return nil, err
		}
		metrics.EmbeddingRequests.WithLabelValues("openai", "success").Inc()
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vecs) {
			return nil, fmt.Errorf("create embeddings: index %d out of range", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		vecs[d.Index] = v
	}
	slog.Debug("embeddings created", "model", e.model, "count", len(texts))
	return vecs, nil
}
