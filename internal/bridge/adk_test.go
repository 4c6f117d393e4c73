package bridge

import (
	"context"
	"strings"
	"testing"

	"asi-llm/internal/llm"

	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

func TestADK_GenerateContent(t *testing.T) {
	fm := &fakeModel{}
	a := NewADK(fm)

	if a.Name() != "fake" {
		t.Errorf("Expected name fake, got %q", a.Name())
	}

	req := &model.LLMRequest{
		Contents: []*genai.Content{
			{Role: "user", Parts: []*genai.Part{genai.NewPartFromText("Say hello")}},
		},
		Config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText("be nice", genai.RoleUser),
		},
	}

	var responses []*model.LLMResponse
	for resp, err := range a.GenerateContent(context.Background(), req, false) {
		if err != nil {
			t.Fatalf("GenerateContent error: %v", err)
		}
		responses = append(responses, resp)
	}

	if len(responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(responses))
	}
	if got := responses[0].Content.Parts[0].Text; got != "echo: Say hello" {
		t.Errorf("Expected 'echo: Say hello', got %q", got)
	}
	if !responses[0].TurnComplete {
		t.Error("Expected turn complete")
	}
	if responses[0].UsageMetadata == nil || responses[0].UsageMetadata.TotalTokenCount != 5 {
		t.Errorf("Expected usage metadata, got %+v", responses[0].UsageMetadata)
	}
	if len(fm.lastMessages) != 2 || fm.lastMessages[0].Role != llm.RoleSystem {
		t.Errorf("Expected system instruction first, got %+v", fm.lastMessages)
	}
}

func TestADK_GenerateContent_Stream(t *testing.T) {
	a := NewADK(&fakeModel{})

	req := &model.LLMRequest{
		Contents: []*genai.Content{
			{Role: "user", Parts: []*genai.Part{genai.NewPartFromText("Hello world")}},
		},
	}

	var partialText string
	var final *model.LLMResponse
	for resp, err := range a.GenerateContent(context.Background(), req, true) {
		if err != nil {
			t.Fatalf("Stream error: %v", err)
		}
		if resp.Partial {
			for _, p := range resp.Content.Parts {
				partialText += p.Text
			}
			continue
		}
		final = resp
	}

	if partialText != "Hello world" {
		t.Errorf("Expected 'Hello world' from partials, got %q", partialText)
	}
	if final == nil || final.Content.Parts[0].Text != "Hello world" {
		t.Errorf("Expected aggregated final response, got %+v", final)
	}
}

func TestADK_GenerateContent_Tools(t *testing.T) {
	fm := &fakeModel{toolCalls: []llm.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}}}
	a := NewADK(fm)

	req := &model.LLMRequest{
		Contents: []*genai.Content{
			{Role: "user", Parts: []*genai.Part{genai.NewPartFromText("find x")}},
		},
		Config: &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{
				FunctionDeclarations: []*genai.FunctionDeclaration{{
					Name:        "lookup",
					Description: "Look things up",
					Parameters: &genai.Schema{
						Type:       genai.TypeObject,
						Properties: map[string]*genai.Schema{"q": {Type: genai.TypeString}},
						Required:   []string{"q"},
					},
				}},
			}},
		},
	}

	var final *model.LLMResponse
	for resp, err := range a.GenerateContent(context.Background(), req, false) {
		if err != nil {
			t.Fatalf("GenerateContent error: %v", err)
		}
		final = resp
	}

	if len(fm.lastTools) != 1 {
		t.Fatalf("Expected 1 tool, got %d", len(fm.lastTools))
	}
	if fm.lastTools[0].Parameters["type"] != "object" {
		t.Errorf("Expected lower-cased schema type, got %v", fm.lastTools[0].Parameters["type"])
	}
	fc := final.Content.Parts[0].FunctionCall
	if fc == nil || fc.Name != "lookup" || fc.Args["q"] != "x" {
		t.Errorf("Unexpected function call %+v", fc)
	}
}

func TestFromGenAIRequest_FunctionResponse(t *testing.T) {
	msgs, err := FromGenAIRequest(&model.LLMRequest{
		Contents: []*genai.Content{
			{Role: "model", Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{ID: "c1", Name: "lookup", Args: map[string]any{"q": "x"}}}}},
			{Role: "user", Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{ID: "c1", Name: "lookup", Response: map[string]any{"answer": 42}}}}},
		},
	})
	if err != nil {
		t.Fatalf("FromGenAIRequest failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleAssistant || msgs[0].ToolCalls[0].Arguments != `{"q":"x"}` {
		t.Errorf("Unexpected assistant message %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleTool || msgs[1].Content != `{"answer":42}` {
		t.Errorf("Unexpected tool message %+v", msgs[1])
	}
}

func lookupRequest(schema any) *model.LLMRequest {
	return &model.LLMRequest{
		Contents: []*genai.Content{
			{Role: "user", Parts: []*genai.Part{genai.NewPartFromText("find x")}},
		},
		Config: &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{
				FunctionDeclarations: []*genai.FunctionDeclaration{{
					Name:                 "lookup",
					ParametersJsonSchema: schema,
				}},
			}},
		},
	}
}

func TestADK_GenerateContent_InvalidToolArguments(t *testing.T) {
	fm := &fakeModel{toolCalls: []llm.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q": `}}}
	a := NewADK(fm)

	var gotErr error
	for _, err := range a.GenerateContent(context.Background(), lookupRequest(map[string]any{"type": "object"}), false) {
		gotErr = err
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "invalid arguments") {
		t.Errorf("Expected invalid arguments error, got %v", gotErr)
	}
}

func TestADK_GenerateContent_InvalidToolSchema(t *testing.T) {
	fm := &fakeModel{}
	a := NewADK(fm)

	var gotErr error
	for _, err := range a.GenerateContent(context.Background(), lookupRequest("not a schema"), false) {
		gotErr = err
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "parameters schema") {
		t.Errorf("Expected schema error, got %v", gotErr)
	}
	if fm.lastTools != nil {
		t.Error("Expected no model call with a broken tool schema")
	}
}
