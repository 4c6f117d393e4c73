// Package bridge adapts llm.Model implementations to third-party agent frameworks.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"asi-llm/internal/llm"
	"asi-llm/internal/types"

	"github.com/tmc/langchaingo/llms"
)

// LangChain exposes an llm.Model as a langchaingo llms.Model so it can drive
// langchaingo chains and agents.
type LangChain struct {
	model llm.Model
}

// NewLangChain wraps m.
func NewLangChain(m llm.Model) *LangChain {
	return &LangChain{model: m}
}

// Call implements llms.Model
func (b *LangChain) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, b, prompt, options...)
}

// GenerateContent implements llms.Model. Streaming is honoured when the
// wrapped model is an llm.Streamer; tools when it is an llm.ToolCaller.
func (b *LangChain) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	msgs := FromLangChainMessages(messages)

	var (
		resp *llm.ChatResponse
		err  error
	)
	switch {
	case len(opts.Tools) > 0:
		tc, ok := b.model.(llm.ToolCaller)
		if !ok {
			return nil, types.ErrFunctionCallingUnsupported
		}
		tools, convErr := fromLangChainTools(opts.Tools)
		if convErr != nil {
			return nil, convErr
		}
		resp, err = tc.ChatWithTools(ctx, msgs, tools)
	case opts.StreamingFunc != nil:
		resp, err = b.stream(ctx, msgs, opts.StreamingFunc)
	default:
		resp, err = b.model.Chat(ctx, msgs)
	}
	if err != nil {
		return nil, err
	}

	choice := &llms.ContentChoice{
		Content:    resp.Message.Content,
		StopReason: resp.FinishReason,
	}
	if resp.Usage != nil {
		choice.GenerationInfo = map[string]any{
			"PromptTokens":     resp.Usage.PromptTokens,
			"CompletionTokens": resp.Usage.CompletionTokens,
			"TotalTokens":      resp.Usage.TotalTokens,
		}
	}
	for _, call := range resp.Message.ToolCalls {
		choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
			ID:   call.ID,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	if len(choice.ToolCalls) > 0 {
		choice.FuncCall = choice.ToolCalls[0].FunctionCall
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}

func (b *LangChain) stream(ctx context.Context, msgs []llm.ChatMessage, fn func(context.Context, []byte) error) (*llm.ChatResponse, error) {
	streamer, ok := b.model.(llm.Streamer)
	if !ok {
		// Non-streaming models deliver the whole answer as one chunk.
		resp, err := b.model.Chat(ctx, msgs)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, []byte(resp.Message.Content)); err != nil {
			return nil, err
		}
		return resp, nil
	}

	var last *llm.ChatResponse
	for chunk, err := range streamer.StreamChat(ctx, msgs) {
		if err != nil {
			return nil, err
		}
		if chunk.Delta != "" {
			if err := fn(ctx, []byte(chunk.Delta)); err != nil {
				return nil, err
			}
		}
		last = chunk
	}
	if last == nil {
		return &llm.ChatResponse{Message: llm.AssistantMessage("")}, nil
	}
	return last, nil
}

// FromLangChainMessages converts langchaingo messages to chat messages.
// Text parts of one message are concatenated.
func FromLangChainMessages(messages []llms.MessageContent) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(messages))
	for _, mc := range messages {
		var text strings.Builder
		msg := llm.ChatMessage{Role: fromLangChainRole(mc.Role)}
		for _, part := range mc.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				text.WriteString(p.Text)
			case llms.ToolCall:
				if p.FunctionCall != nil {
					msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
						ID:        p.ID,
						Name:      p.FunctionCall.Name,
						Arguments: p.FunctionCall.Arguments,
					})
				}
			case llms.ToolCallResponse:
				// Each tool response becomes its own message.
				out = append(out, llm.ToolMessage(p.Content, p.ToolCallID))
				continue
			}
		}
		if mc.Role == llms.ChatMessageTypeTool {
			continue
		}
		msg.Content = text.String()
		out = append(out, msg)
	}
	return out
}

func fromLangChainRole(role llms.ChatMessageType) llm.MessageRole {
	switch role {
	case llms.ChatMessageTypeSystem:
		return llm.RoleSystem
	case llms.ChatMessageTypeAI:
		return llm.RoleAssistant
	case llms.ChatMessageTypeTool, llms.ChatMessageTypeFunction:
		return llm.RoleTool
	default:
		return llm.RoleUser
	}
}

func fromLangChainTools(tools []llms.Tool) ([]llm.Tool, error) {
	out := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		params, err := toSchemaMap(t.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s parameters: %w", t.Function.Name, err)
		}
		out = append(out, llm.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	return out, nil
}

// toSchemaMap normalises a JSON schema given as any Go value into a map.
func toSchemaMap(v any) (map[string]any, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ llms.Model = (*LangChain)(nil)
