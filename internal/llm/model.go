package llm

import "strings"

// MessageRole is the author of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ChatMessage is a provider-neutral chat message.
type ChatMessage struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// SystemMessage returns a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage returns a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage returns an assistant message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// ToolMessage returns the result of a tool call.
func ToolMessage(content, toolCallID string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Usage is token accounting aligned with OpenAI's usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the result of a prompt completion.
// When streamed, Text is cumulative and Delta holds the newest fragment.
type CompletionResponse struct {
	Text         string `json:"text"`
	Delta        string `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

func (r *CompletionResponse) String() string {
	return r.Text
}

// ChatResponse is the result of a chat call.
// When streamed, Message.Content is cumulative and Delta holds the newest fragment.
type ChatResponse struct {
	Message      ChatMessage `json:"message"`
	Delta        string      `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *Usage      `json:"usage,omitempty"`
}

func (r *ChatResponse) String() string {
	return string(r.Message.Role) + ": " + r.Message.Content
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON encoded
}

// Metadata describes a model's capabilities.
type Metadata struct {
	ModelName              string `json:"model_name"`
	ContextWindow          int    `json:"context_window"`
	NumOutput              int    `json:"num_output"`
	IsChatModel            bool   `json:"is_chat_model"`
	IsFunctionCallingModel bool   `json:"is_function_calling_model"`
}

// MessagesToPrompt flattens chat messages into a single prompt for
// completion-only models.
func MessagesToPrompt(messages []ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString(string(RoleAssistant))
	sb.WriteString(": ")
	return sb.String()
}
