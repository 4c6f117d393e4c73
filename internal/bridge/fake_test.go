package bridge

import (
	"context"
	"iter"
	"strings"

	"asi-llm/internal/llm"
)

// fakeModel echoes the last user message and streams it word by word.
type fakeModel struct {
	lastMessages []llm.ChatMessage
	lastTools    []llm.Tool
	toolCalls    []llm.ToolCall
}

func (f *fakeModel) Metadata() llm.Metadata {
	return llm.Metadata{ModelName: "fake", IsChatModel: true, IsFunctionCallingModel: true}
}

func (f *fakeModel) Complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Text: "echo: " + prompt}, nil
}

func (f *fakeModel) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	f.lastMessages = messages
	return &llm.ChatResponse{
		Message:      llm.AssistantMessage("echo: " + lastUser(messages)),
		FinishReason: "stop",
		Usage:        &llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

func (f *fakeModel) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.Tool) (*llm.ChatResponse, error) {
	f.lastMessages = messages
	f.lastTools = tools
	msg := llm.AssistantMessage("")
	msg.ToolCalls = f.toolCalls
	return &llm.ChatResponse{Message: msg, FinishReason: "tool_calls"}, nil
}

func (f *fakeModel) StreamComplete(ctx context.Context, prompt string) iter.Seq2[*llm.CompletionResponse, error] {
	return func(yield func(*llm.CompletionResponse, error) bool) {}
}

func (f *fakeModel) StreamChat(ctx context.Context, messages []llm.ChatMessage) iter.Seq2[*llm.ChatResponse, error] {
	f.lastMessages = messages
	return func(yield func(*llm.ChatResponse, error) bool) {
		var acc string
		for i, w := range strings.Fields(lastUser(messages)) {
			delta := w
			if i > 0 {
				delta = " " + w
			}
			acc += delta
			if !yield(&llm.ChatResponse{Message: llm.AssistantMessage(acc), Delta: delta}, nil) {
				return
			}
		}
	}
}

func lastUser(messages []llm.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
