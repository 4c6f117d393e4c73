package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"asi-llm/internal/llm"
	"asi-llm/internal/metrics"
	"asi-llm/internal/types"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
)

// Config holds everything needed to talk to an OpenAI-compatible endpoint.
type Config struct {
	Model                  string
	APIKey                 string
	APIBase                string
	IsChatModel            bool
	IsFunctionCallingModel bool
	Temperature            float64 // negative leaves it to the server
	MaxTokens              int     // 0 leaves it to the server
	ContextWindow          int
	Timeout                time.Duration // 0 disables the per-request timeout
	MaxRetries             int
	MaxConcurrency         int // 0 means unlimited
	ExtraBody              map[string]any
	Headers                map[string]string
	HTTPClient             *http.Client
	Debug                  bool
	RequestOptions         []option.RequestOption
}

// OpenAILike implements llm.Model, llm.Streamer and llm.ToolCaller against any
// OpenAI-compatible API using the official openai-go client.
type OpenAILike struct {
	client *openai.Client
	cfg    Config
	sem    chan struct{}
}

// NewOpenAILike creates a client from cfg. It does not validate the API key.
func NewOpenAILike(cfg Config) *OpenAILike {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.APIBase),
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	for k, v := range cfg.ExtraBody {
		opts = append(opts, option.WithJSONSet(k, v))
	}
	if cfg.Debug {
		opts = append(opts, option.WithMiddleware(DebugMiddleware))
	}
	opts = append(opts, cfg.RequestOptions...)

	client := openai.NewClient(opts...)

	var sem chan struct{}
	if cfg.MaxConcurrency > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	return &OpenAILike{
		client: &client,
		cfg:    cfg,
		sem:    sem,
	}
}

// ClassName identifies the implementation.
func (a *OpenAILike) ClassName() string {
	return "OpenAILike"
}

// Model returns the configured model name
func (a *OpenAILike) Model() string { return a.cfg.Model }

// APIKey returns the resolved API key
func (a *OpenAILike) APIKey() string { return a.cfg.APIKey }

// APIBase returns the endpoint base URL
func (a *OpenAILike) APIBase() string { return a.cfg.APIBase }

// Metadata implements llm.Model
func (a *OpenAILike) Metadata() llm.Metadata {
	return llm.Metadata{
		ModelName:              a.cfg.Model,
		ContextWindow:          a.cfg.ContextWindow,
		NumOutput:              a.cfg.MaxTokens,
		IsChatModel:            a.cfg.IsChatModel,
		IsFunctionCallingModel: a.cfg.IsFunctionCallingModel,
	}
}

// Ping sends a minimal request to verify connection
func (a *OpenAILike) Ping(ctx context.Context) error {
	slog.Info("checking llm connection", "model", a.cfg.Model, "api_base", a.cfg.APIBase)
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hello"),
		},
		MaxTokens: openai.Int(1),
	}
	_, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("llm ping failed: %w", a.wrapError(err))
	}
	slog.Info("llm connection verified")
	return nil
}

// Complete implements llm.Model. Chat models receive the prompt as a single
// user message; other models use the legacy completions endpoint.
func (a *OpenAILike) Complete(ctx context.Context, prompt string) (resp *llm.CompletionResponse, err error) {
	defer a.observe("complete", time.Now(), &err)

	if a.cfg.IsChatModel {
		chat, err := a.chat(ctx, []llm.ChatMessage{llm.UserMessage(prompt)}, nil)
		if err != nil {
			return nil, err
		}
		return &llm.CompletionResponse{
			Text:         chat.Message.Content,
			FinishReason: chat.FinishReason,
			Usage:        chat.Usage,
		}, nil
	}
	return a.complete(ctx, prompt)
}

// Chat implements llm.Model. Completion-only models receive the flattened
// conversation as a prompt.
func (a *OpenAILike) Chat(ctx context.Context, messages []llm.ChatMessage) (resp *llm.ChatResponse, err error) {
	defer a.observe("chat", time.Now(), &err)

	if a.cfg.IsChatModel {
		return a.chat(ctx, messages, nil)
	}
	comp, err := a.complete(ctx, llm.MessagesToPrompt(messages))
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Message:      llm.AssistantMessage(comp.Text),
		FinishReason: comp.FinishReason,
		Usage:        comp.Usage,
	}, nil
}

// ChatWithTools implements llm.ToolCaller
func (a *OpenAILike) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.Tool) (resp *llm.ChatResponse, err error) {
	defer a.observe("tools", time.Now(), &err)

	if !a.cfg.IsFunctionCallingModel {
		return nil, fmt.Errorf("%s: %w", a.cfg.Model, types.ErrFunctionCallingUnsupported)
	}
	if !a.cfg.IsChatModel {
		return nil, fmt.Errorf("%s: %w: function calling requires a chat model", a.cfg.Model, types.ErrFunctionCallingUnsupported)
	}
	return a.chat(ctx, messages, tools)
}

// StreamComplete implements llm.Streamer
func (a *OpenAILike) StreamComplete(ctx context.Context, prompt string) iter.Seq2[*llm.CompletionResponse, error] {
	if a.cfg.IsChatModel {
		return func(yield func(*llm.CompletionResponse, error) bool) {
			for chunk, err := range a.streamChat(ctx, "stream_complete", []llm.ChatMessage{llm.UserMessage(prompt)}) {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(&llm.CompletionResponse{
					Text:         chunk.Message.Content,
					Delta:        chunk.Delta,
					FinishReason: chunk.FinishReason,
					Usage:        chunk.Usage,
				}, nil) {
					return
				}
			}
		}
	}
	return a.streamComplete(ctx, "stream_complete", prompt)
}

// StreamChat implements llm.Streamer
func (a *OpenAILike) StreamChat(ctx context.Context, messages []llm.ChatMessage) iter.Seq2[*llm.ChatResponse, error] {
	if a.cfg.IsChatModel {
		return a.streamChat(ctx, "stream_chat", messages)
	}
	return func(yield func(*llm.ChatResponse, error) bool) {
		for chunk, err := range a.streamComplete(ctx, "stream_chat", llm.MessagesToPrompt(messages)) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&llm.ChatResponse{
				Message:      llm.AssistantMessage(chunk.Text),
				Delta:        chunk.Delta,
				FinishReason: chunk.FinishReason,
				Usage:        chunk.Usage,
			}, nil) {
				return
			}
		}
	}
}

func (a *OpenAILike) chat(ctx context.Context, messages []llm.ChatMessage, tools []llm.Tool) (*llm.ChatResponse, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	params := a.chatParams(messages)
	if len(tools) > 0 {
		params.Tools = toToolParams(tools)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.wrapError(fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: no choices in response")
	}

	choice := resp.Choices[0]
	msg := llm.AssistantMessage(choice.Message.Content)
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	usage := toUsage(resp.Usage)
	return &llm.ChatResponse{
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		Usage:        usage,
	}, nil
}

func (a *OpenAILike) complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := a.client.Completions.New(ctx, a.completionParams(prompt))
	if err != nil {
		return nil, a.wrapError(fmt.Errorf("completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion: no choices in response")
	}

	return &llm.CompletionResponse{
		Text:         resp.Choices[0].Text,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        toUsage(resp.Usage),
	}, nil
}

func (a *OpenAILike) streamChat(ctx context.Context, op string, messages []llm.ChatMessage) iter.Seq2[*llm.ChatResponse, error] {
	return func(yield func(*llm.ChatResponse, error) bool) {
		var err error
		defer a.observe(op, time.Now(), &err)

		ctx, cancel := a.withTimeout(ctx)
		defer cancel()

		release, err := a.acquire(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer release()

		stream := a.client.Chat.Completions.NewStreaming(ctx, a.chatParams(messages))
		defer stream.Close()

		var content strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			usage := toUsage(chunk.Usage)
			if len(chunk.Choices) == 0 {
				if usage != nil {
					if !yield(&llm.ChatResponse{Message: llm.AssistantMessage(content.String()), Usage: usage}, nil) {
						return
					}
				}
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			finish := string(chunk.Choices[0].FinishReason)
			if delta == "" && finish == "" && usage == nil {
				continue
			}
			content.WriteString(delta)
			if !yield(&llm.ChatResponse{
				Message:      llm.AssistantMessage(content.String()),
				Delta:        delta,
				FinishReason: finish,
				Usage:        usage,
			}, nil) {
				return
			}
		}
		if streamErr := stream.Err(); streamErr != nil {
			err = a.wrapError(fmt.Errorf("chat stream: %w", streamErr))
			yield(nil, err)
		}
	}
}

func (a *OpenAILike) streamComplete(ctx context.Context, op string, prompt string) iter.Seq2[*llm.CompletionResponse, error] {
	return func(yield func(*llm.CompletionResponse, error) bool) {
		var err error
		defer a.observe(op, time.Now(), &err)

		ctx, cancel := a.withTimeout(ctx)
		defer cancel()

		release, err := a.acquire(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer release()

		stream := a.client.Completions.NewStreaming(ctx, a.completionParams(prompt))
		defer stream.Close()

		var text strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Text
			finish := string(chunk.Choices[0].FinishReason)
			if delta == "" && finish == "" {
				continue
			}
			text.WriteString(delta)
			if !yield(&llm.CompletionResponse{
				Text:         text.String(),
				Delta:        delta,
				FinishReason: finish,
				Usage:        toUsage(chunk.Usage),
			}, nil) {
				return
			}
		}
		if streamErr := stream.Err(); streamErr != nil {
			err = a.wrapError(fmt.Errorf("completion stream: %w", streamErr))
			yield(nil, err)
		}
	}
}

func (a *OpenAILike) chatParams(messages []llm.ChatMessage) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.cfg.Model),
		Messages: toMessageParams(messages),
	}
	if a.cfg.Temperature >= 0 {
		params.Temperature = openai.Float(a.cfg.Temperature)
	}
	if a.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(a.cfg.MaxTokens))
	}
	return params
}

func (a *OpenAILike) completionParams(prompt string) openai.CompletionNewParams {
	params := openai.CompletionNewParams{
		Model:  openai.CompletionNewParamsModel(a.cfg.Model),
		Prompt: openai.CompletionNewParamsPromptUnion{OfString: openai.String(prompt)},
	}
	if a.cfg.Temperature >= 0 {
		params.Temperature = openai.Float(a.cfg.Temperature)
	}
	if a.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(a.cfg.MaxTokens))
	}
	return params
}

func (a *OpenAILike) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, a.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (a *OpenAILike) acquire(ctx context.Context) (func(), error) {
	if a.sem == nil {
		return func() {}, nil
	}
	select {
	case a.sem <- struct{}{}:
		return func() { <-a.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *OpenAILike) observe(op string, start time.Time, errp *error) {
	status := "success"
	if *errp != nil {
		status = "error"
		slog.Debug("llm request failed", "operation", op, "model", a.cfg.Model, "error", *errp)
	}
	llmRequestsObserve(op, status, start)
}

func llmRequestsObserve(op, status string, start time.Time) {
	metrics.LLMRequests.WithLabelValues(op, status).Inc()
	metrics.LLMDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// wrapError wraps openai errors into RetryableError if applicable
func (a *OpenAILike) wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if detail := apiErrorDetail(apiErr.RawJSON()); detail != "" {
			err = fmt.Errorf("%w (%s)", err, detail)
		}
		statusCode := apiErr.StatusCode
		// 429 (Rate Limit) and 5xx (Server Errors) are retryable
		if statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode < 600) {
			return types.NewRetryableError(err)
		}
	}

	return err
}

// apiErrorDetail pulls a human readable message out of an error body.
// OpenAI-compatible servers disagree on the shape, so several paths are tried.
func apiErrorDetail(raw string) string {
	if raw == "" || !gjson.Valid(raw) {
		return ""
	}
	for _, path := range []string{"message", "error.message", "detail", "error"} {
		if v := gjson.Get(raw, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func toMessageParams(messages []llm.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toToolParams(tools []llm.Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

func toUsage(u openai.CompletionUsage) *llm.Usage {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	metrics.ObserveUsage(int(u.PromptTokens), int(u.CompletionTokens))
	return &llm.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

var (
	_ llm.StreamingModel = (*OpenAILike)(nil)
	_ llm.ToolCaller     = (*OpenAILike)(nil)
)
