package llm

import (
	"context"
	"iter"
)

// Model is the interface every language model backend implements.
type Model interface {
	// Complete sends a single prompt and returns the generated text.
	Complete(ctx context.Context, prompt string) (*CompletionResponse, error)
	// Chat sends the conversation history and returns the assistant reply.
	Chat(ctx context.Context, messages []ChatMessage) (*ChatResponse, error)
	// Metadata reports the model's capabilities.
	Metadata() Metadata
}

// Streamer is implemented by models that can stream responses.
// Iteration stops at the first error.
type Streamer interface {
	StreamComplete(ctx context.Context, prompt string) iter.Seq2[*CompletionResponse, error]
	StreamChat(ctx context.Context, messages []ChatMessage) iter.Seq2[*ChatResponse, error]
}

// ToolCaller is implemented by models that support function calling.
type ToolCaller interface {
	ChatWithTools(ctx context.Context, messages []ChatMessage, tools []Tool) (*ChatResponse, error)
}

// StreamingModel is a Model that also streams.
type StreamingModel interface {
	Model
	Streamer
}
