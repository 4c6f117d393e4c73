package splitter

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with a tiktoken encoding. Without an encoding
// it falls back to a character based estimate.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
}

// NewTokenCounter loads the named encoding, e.g. "cl100k_base". An empty
// name, or an encoding that cannot be loaded, selects the estimate.
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		return &TokenCounter{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, estimating tokens", "encoding", encoding, "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{encoder: enc}
}

// Exact reports whether counts come from a real tokenizer.
func (tc *TokenCounter) Exact() bool {
	return tc != nil && tc.encoder != nil
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tc.Exact() {
		return len(tc.encoder.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens estimates token count (roughly 4 chars per token)
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
