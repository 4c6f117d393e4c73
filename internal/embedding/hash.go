package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"asi-llm/internal/config"
	"asi-llm/internal/metrics"
)

// HashEmbedder is a deterministic, offline embedder based on feature
// hashing of word unigrams and bigrams. It needs no network access.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with dims dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = config.DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Name implements Embedder
func (h *HashEmbedder) Name() string {
	return "hash"
}

// Dimensions returns the vector size.
func (h *HashEmbedder) Dimensions() int {
	return h.dims
}

// Embed implements Embedder
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	metrics.EmbeddingRequests.WithLabelValues("hash", "success").Inc()
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	v := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		h.add(v, w, 1)
		if i > 0 {
			h.add(v, words[i-1]+" "+w, 0.5)
		}
	}
	return Normalize(v)
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}
