package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"asi-llm/internal/llm"

	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

// ADK exposes an llm.Model as an ADK model.LLM so it can back ADK agents.
type ADK struct {
	model llm.Model
	name  string
}

// NewADK wraps m. The name reported to ADK is the model name from metadata.
func NewADK(m llm.Model) *ADK {
	return &ADK{model: m, name: m.Metadata().ModelName}
}

// Name implements model.LLM
func (a *ADK) Name() string {
	return a.name
}

// GenerateContent implements model.LLM. When stream is true and the wrapped
// model can stream, partial responses carry deltas and a final aggregated
// response closes the turn.
func (a *ADK) GenerateContent(ctx context.Context, req *model.LLMRequest, stream bool) iter.Seq2[*model.LLMResponse, error] {
	return func(yield func(*model.LLMResponse, error) bool) {
		msgs, err := FromGenAIRequest(req)
		if err != nil {
			yield(nil, err)
			return
		}

		tools, err := toolsFromConfig(req.Config)
		if err != nil {
			yield(nil, err)
			return
		}
		if len(tools) > 0 {
			tc, ok := a.model.(llm.ToolCaller)
			if !ok {
				yield(nil, fmt.Errorf("%s: tools requested but model cannot call functions", a.name))
				return
			}
			resp, err := tc.ChatWithTools(ctx, msgs, tools)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(toLLMResponse(resp))
			return
		}

		streamer, canStream := a.model.(llm.Streamer)
		if !stream || !canStream {
			resp, err := a.model.Chat(ctx, msgs)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(toLLMResponse(resp))
			return
		}

		var last *llm.ChatResponse
		for chunk, err := range streamer.StreamChat(ctx, msgs) {
			if err != nil {
				yield(nil, err)
				return
			}
			last = chunk
			if chunk.Delta == "" {
				continue
			}
			partial := &model.LLMResponse{
				Content: genai.NewContentFromText(chunk.Delta, genai.RoleModel),
				Partial: true,
			}
			if !yield(partial, nil) {
				return
			}
		}
		if last == nil {
			last = &llm.ChatResponse{Message: llm.AssistantMessage("")}
		}
		yield(toLLMResponse(last))
	}
}

// FromGenAIRequest converts an ADK request into chat messages. The system
// instruction, when set, becomes the first message.
func FromGenAIRequest(req *model.LLMRequest) ([]llm.ChatMessage, error) {
	var msgs []llm.ChatMessage
	if req.Config != nil && req.Config.SystemInstruction != nil {
		if sys := contentText(req.Config.SystemInstruction); sys != "" {
			msgs = append(msgs, llm.SystemMessage(sys))
		}
	}

	for _, c := range req.Contents {
		if c == nil {
			continue
		}
		role := llm.RoleUser
		if c.Role == string(genai.RoleModel) {
			role = llm.RoleAssistant
		}
		msg := llm.ChatMessage{Role: role}
		var text strings.Builder
		for _, p := range c.Parts {
			switch {
			case p == nil:
			case p.FunctionCall != nil:
				args, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					return nil, fmt.Errorf("marshal function call args: %w", err)
				}
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:        p.FunctionCall.ID,
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				})
			case p.FunctionResponse != nil:
				body, err := json.Marshal(p.FunctionResponse.Response)
				if err != nil {
					return nil, fmt.Errorf("marshal function response: %w", err)
				}
				msgs = append(msgs, llm.ToolMessage(string(body), p.FunctionResponse.ID))
			default:
				text.WriteString(p.Text)
			}
		}
		msg.Content = text.String()
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func contentText(c *genai.Content) string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func toolsFromConfig(cfg *genai.GenerateContentConfig) ([]llm.Tool, error) {
	if cfg == nil {
		return nil, nil
	}
	var tools []llm.Tool
	for _, t := range cfg.Tools {
		if t == nil {
			continue
		}
		for _, fd := range t.FunctionDeclarations {
			params, err := toSchemaMap(fd.ParametersJsonSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: parameters schema: %w", fd.Name, err)
			}
			if params == nil && fd.Parameters != nil {
				params = schemaToMap(fd.Parameters)
			}
			tools = append(tools, llm.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  params,
			})
		}
	}
	return tools, nil
}

// schemaToMap renders a genai schema as OpenAI-style JSON schema.
func schemaToMap(s *genai.Schema) map[string]any {
	m := map[string]any{}
	if s.Type != "" {
		m["type"] = strings.ToLower(string(s.Type))
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if s.Items != nil {
		m["items"] = schemaToMap(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = schemaToMap(p)
		}
		m["properties"] = props
	}
	return m
}

// toLLMResponse converts a chat response. Tool call arguments that are not
// a JSON object are an error rather than an empty call.
func toLLMResponse(resp *llm.ChatResponse) (*model.LLMResponse, error) {
	content := &genai.Content{Role: string(genai.RoleModel)}
	if resp.Message.Content != "" {
		content.Parts = append(content.Parts, genai.NewPartFromText(resp.Message.Content))
	}
	for _, tc := range resp.Message.ToolCalls {
		args := map[string]any{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.Name, err)
			}
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
		})
	}

	out := &model.LLMResponse{
		Content:      content,
		TurnComplete: true,
		FinishReason: toFinishReason(resp.FinishReason),
	}
	if resp.Usage != nil {
		out.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     int32(resp.Usage.PromptTokens),
			CandidatesTokenCount: int32(resp.Usage.CompletionTokens),
			TotalTokenCount:      int32(resp.Usage.TotalTokens),
		}
	}
	return out, nil
}

func toFinishReason(reason string) genai.FinishReason {
	switch reason {
	case "":
		return genai.FinishReasonUnspecified
	case "length":
		return genai.FinishReasonMaxTokens
	case "content_filter":
		return genai.FinishReasonSafety
	default:
		return genai.FinishReasonStop
	}
}

var _ model.LLM = (*ADK)(nil)
