package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"asi-llm/internal/domain"
	"asi-llm/internal/llm"
	"asi-llm/internal/query"
)

// scriptedModel returns its replies in order and records the prompts.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (m *scriptedModel) Metadata() llm.Metadata {
	return llm.Metadata{ModelName: "scripted", IsChatModel: true}
}

func (m *scriptedModel) Complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	reply := "Final Answer: nothing left"
	if len(m.replies) > 0 {
		reply, m.replies = m.replies[0], m.replies[1:]
	}
	return &llm.CompletionResponse{Text: reply}, nil
}

func (m *scriptedModel) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	resp, err := m.Complete(ctx, messages[len(messages)-1].Content)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Message: llm.AssistantMessage(resp.Text), FinishReason: "stop"}, nil
}

type staticRetriever []domain.NodeWithScore

func (r staticRetriever) Retrieve(ctx context.Context, q string) ([]domain.NodeWithScore, error) {
	return r, nil
}

func TestAgent_UsesQueryTool(t *testing.T) {
	engineModel := &scriptedModel{replies: []string{"Rust uses ownership and borrowing."}}
	engine := query.New(staticRetriever{
		{Node: domain.Node{ID: "n1", Text: "Rust guarantees memory safety with ownership."}, Score: 0.9},
	}, engineModel)

	agentModel := &scriptedModel{replies: []string{
		"Thought: I should check the documents.\nAction: query_documents\nAction Input: How does Rust ensure memory safety?",
		"Thought: I now know the final answer.\nFinal Answer: Through ownership and borrowing.",
	}}
	a, err := New(agentModel, engine, 3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := a.Run(context.Background(), "How does Rust ensure memory safety?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != "Through ownership and borrowing." {
		t.Errorf("Unexpected answer %q", got)
	}

	if len(engineModel.prompts) != 1 || !strings.Contains(engineModel.prompts[0], "Rust guarantees memory safety") {
		t.Errorf("Expected the query engine to be consulted, got %q", engineModel.prompts)
	}
	if len(agentModel.prompts) != 2 || !strings.Contains(agentModel.prompts[1], "Rust uses ownership and borrowing.") {
		t.Errorf("Expected the tool observation in the second prompt, got %q", agentModel.prompts)
	}
	if !strings.Contains(agentModel.prompts[0], "query_documents") {
		t.Error("Expected the tool to be described in the agent prompt")
	}
}

func TestAgent_NoTools(t *testing.T) {
	model := &scriptedModel{replies: []string{"Final Answer: 42"}}
	a, err := New(model, nil, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.maxIterations != defaultMaxIterations {
		t.Errorf("Expected default iterations, got %d", a.maxIterations)
	}

	got, err := a.Run(context.Background(), "What is the answer?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != "42" {
		t.Errorf("Unexpected answer %q", got)
	}
}

func TestNew_NilModel(t *testing.T) {
	if _, err := New(nil, nil, 1); err == nil {
		t.Error("Expected error for nil model")
	}
}

func TestAgent_RunADK(t *testing.T) {
	engineModel := &scriptedModel{replies: []string{"Rust uses ownership and borrowing."}}
	engine := query.New(staticRetriever{
		{Node: domain.Node{ID: "n1", Text: "Rust guarantees memory safety with ownership."}, Score: 0.9},
	}, engineModel)

	agentModel := &scriptedModel{replies: []string{"Ownership and borrowing."}}
	a, err := New(agentModel, engine, 3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := a.RunADK(context.Background(), "How does Rust ensure memory safety?")
	if err != nil {
		t.Fatalf("RunADK failed: %v", err)
	}
	if got != "Ownership and borrowing." {
		t.Errorf("Unexpected answer %q", got)
	}
	if len(agentModel.prompts) != 1 || !strings.Contains(agentModel.prompts[0], "Rust uses ownership and borrowing.") {
		t.Errorf("Expected reference notes in the agent prompt, got %q", agentModel.prompts)
	}
}
