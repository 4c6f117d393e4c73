package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"asi-llm/internal/llm"
	"asi-llm/internal/types"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// errStopStream aborts a langchaingo stream when the consumer stops iterating.
var errStopStream = errors.New("stream stopped by consumer")

// LangChainModel is an llm.Model backed by langchaingo's OpenAI client
// pointed at the ASI endpoint. langchaingo only speaks the chat API, so
// Complete is sent as a single user message.
type LangChainModel struct {
	lc  llms.Model
	cfg Config
	sem chan struct{}
}

// NewLangChainModel creates a langchaingo-backed model. The key is resolved
// the same way as NewASI. Headers, extra body fields, retries and debug
// logging are applied by a RequestRoundTripper on the HTTP client;
// RequestOptions are openai-go specific and rejected here.
func NewLangChainModel(cfg Config) (*LangChainModel, error) {
	key, err := ResolveAPIKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = key
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if len(cfg.RequestOptions) > 0 {
		return nil, types.NewConfigError("request_options",
			errors.New("openai-go request options are not supported by the langchain backend"))
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	hc.Transport = NewRequestRoundTripper(hc.Transport, cfg)

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(cfg.APIBase),
		openai.WithToken(cfg.APIKey),
		openai.WithHTTPClient(hc),
	}

	lc, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchain llm: %w", err)
	}
	cfg.IsChatModel = true

	var sem chan struct{}
	if cfg.MaxConcurrency > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrency)
	}
	return &LangChainModel{lc: lc, cfg: cfg, sem: sem}, nil
}

// ClassName identifies the implementation.
func (m *LangChainModel) ClassName() string {
	return "LangChainASI"
}

// Metadata implements llm.Model
func (m *LangChainModel) Metadata() llm.Metadata {
	return llm.Metadata{
		ModelName:              m.cfg.Model,
		ContextWindow:          m.cfg.ContextWindow,
		NumOutput:              m.cfg.MaxTokens,
		IsChatModel:            true,
		IsFunctionCallingModel: m.cfg.IsFunctionCallingModel,
	}
}

// Complete implements llm.Model
func (m *LangChainModel) Complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error) {
	resp, err := m.Chat(ctx, []llm.ChatMessage{llm.UserMessage(prompt)})
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{
		Text:         resp.Message.Content,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

// Chat implements llm.Model
func (m *LangChainModel) Chat(ctx context.Context, messages []llm.ChatMessage) (resp *llm.ChatResponse, err error) {
	start := time.Now()
	defer func() { observeLangChain("chat", start, err) }()

	return m.generate(ctx, messages)
}

// ChatWithTools implements llm.ToolCaller
func (m *LangChainModel) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.Tool) (resp *llm.ChatResponse, err error) {
	if !m.cfg.IsFunctionCallingModel {
		return nil, fmt.Errorf("%s: %w", m.cfg.Model, types.ErrFunctionCallingUnsupported)
	}
	start := time.Now()
	defer func() { observeLangChain("tools", start, err) }()

	lcTools := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		lcTools = append(lcTools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return m.generate(ctx, messages, llms.WithTools(lcTools))
}

// StreamComplete implements llm.Streamer
func (m *LangChainModel) StreamComplete(ctx context.Context, prompt string) iter.Seq2[*llm.CompletionResponse, error] {
	return func(yield func(*llm.CompletionResponse, error) bool) {
		for chunk, err := range m.StreamChat(ctx, []llm.ChatMessage{llm.UserMessage(prompt)}) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&llm.CompletionResponse{Text: chunk.Message.Content, Delta: chunk.Delta}, nil) {
				return
			}
		}
	}
}

// StreamChat implements llm.Streamer. langchaingo invokes the streaming
// callback on the calling goroutine, so chunks are yielded from inside it.
func (m *LangChainModel) StreamChat(ctx context.Context, messages []llm.ChatMessage) iter.Seq2[*llm.ChatResponse, error] {
	return func(yield func(*llm.ChatResponse, error) bool) {
		var err error
		start := time.Now()
		defer func() { observeLangChain("stream_chat", start, err) }()

		var content string
		stopped := false
		streamFn := func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			content += string(chunk)
			if !yield(&llm.ChatResponse{
				Message: llm.AssistantMessage(content),
				Delta:   string(chunk),
			}, nil) {
				stopped = true
				return errStopStream
			}
			return nil
		}

		_, err = m.generate(ctx, messages, llms.WithStreamingFunc(streamFn))
		if stopped {
			err = nil
			return
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

func (m *LangChainModel) generate(ctx context.Context, messages []llm.ChatMessage, extra ...llms.CallOption) (*llm.ChatResponse, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	opts := m.callOptions()
	opts = append(opts, extra...)

	resp, err := m.lc.GenerateContent(ctx, ToLangChainMessages(messages), opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("langchain generate: no choices in response")
	}

	choice := resp.Choices[0]
	msg := llm.AssistantMessage(choice.Content)
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}

	return &llm.ChatResponse{
		Message:      msg,
		FinishReason: choice.StopReason,
		Usage:        usageFromGenerationInfo(choice.GenerationInfo),
	}, nil
}

func (m *LangChainModel) callOptions() []llms.CallOption {
	var opts []llms.CallOption
	if m.cfg.Temperature >= 0 {
		opts = append(opts, llms.WithTemperature(m.cfg.Temperature))
	}
	if m.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.cfg.MaxTokens))
	}
	return opts
}

// ToLangChainMessages converts chat messages to langchaingo message contents.
func ToLangChainMessages(messages []llm.ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))
		case llm.RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, mc)
		case llm.RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Content:    msg.Content,
				}},
			})
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		}
	}
	return out
}

func usageFromGenerationInfo(info map[string]any) *llm.Usage {
	if info == nil {
		return nil
	}
	toInt := func(v any) int {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
		return 0
	}
	u := &llm.Usage{
		PromptTokens:     toInt(info["PromptTokens"]),
		CompletionTokens: toInt(info["CompletionTokens"]),
		TotalTokens:      toInt(info["TotalTokens"]),
	}
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return u
}

func observeLangChain(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		slog.Debug("langchain request failed", "operation", op, "error", err)
	}
	llmRequestsObserve(op, status, start)
}

var (
	_ llm.StreamingModel = (*LangChainModel)(nil)
	_ llm.ToolCaller     = (*LangChainModel)(nil)
)
