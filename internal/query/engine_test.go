package query

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
	"asi-llm/internal/index"
	"asi-llm/internal/llm"
	"asi-llm/internal/splitter"
	"asi-llm/internal/storage"
)

// fakeLLM records prompts and answers from a script.
type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	answer  func(call int, prompt string) (string, error)
	window  int
}

func (f *fakeLLM) Metadata() llm.Metadata {
	return llm.Metadata{ModelName: "fake", ContextWindow: f.window, IsChatModel: true}
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	call := len(f.prompts)
	f.mu.Unlock()

	if f.answer == nil {
		return &llm.CompletionResponse{Text: "answer"}, nil
	}
	text, err := f.answer(call, prompt)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text}, nil
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	resp, err := f.Complete(ctx, llm.MessagesToPrompt(messages))
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Message: llm.AssistantMessage(resp.Text)}, nil
}

// streamingLLM streams the fixed answer word by word.
type streamingLLM struct {
	fakeLLM
}

func (s *streamingLLM) StreamComplete(ctx context.Context, prompt string) iter.Seq2[*llm.CompletionResponse, error] {
	return func(yield func(*llm.CompletionResponse, error) bool) {
		var acc string
		for _, w := range []string{"Rust ", "is ", "safe."} {
			acc += w
			if !yield(&llm.CompletionResponse{Text: acc, Delta: w}, nil) {
				return
			}
		}
	}
}

func (s *streamingLLM) StreamChat(ctx context.Context, messages []llm.ChatMessage) iter.Seq2[*llm.ChatResponse, error] {
	return func(yield func(*llm.ChatResponse, error) bool) {}
}

type staticRetriever struct {
	nodes []domain.NodeWithScore
	err   error
}

func (r staticRetriever) Retrieve(ctx context.Context, query string) ([]domain.NodeWithScore, error) {
	return r.nodes, r.err
}

func scored(texts ...string) []domain.NodeWithScore {
	out := make([]domain.NodeWithScore, len(texts))
	for i, t := range texts {
		out[i] = domain.NodeWithScore{Node: domain.Node{ID: t, Text: t}, Score: 1 - float64(i)*0.1}
	}
	return out
}

type memoryQueryLog struct {
	records []*storage.QueryRecord
}

func (m *memoryQueryLog) SaveQuery(ctx context.Context, r *storage.QueryRecord) error {
	m.records = append(m.records, r)
	return nil
}
func (m *memoryQueryLog) GetQuery(ctx context.Context, id string) (*storage.QueryRecord, error) {
	return nil, errors.New("not implemented")
}
func (m *memoryQueryLog) ListRecentQueries(ctx context.Context, limit int) ([]*storage.QueryRecord, error) {
	return m.records, nil
}
func (m *memoryQueryLog) Close() error { return nil }

func TestEngine_Query(t *testing.T) {
	model := &fakeLLM{answer: func(int, string) (string, error) { return "Rust is memory safe.", nil }}
	qlog := &memoryQueryLog{}
	e := New(staticRetriever{nodes: scored("Rust has a borrow checker.", "Rust has no GC.")}, model, WithQueryLog(qlog))

	resp, err := e.Query(context.Background(), "Why is Rust safe?")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.Text != "Rust is memory safe." {
		t.Errorf("Unexpected answer %q", resp.Text)
	}
	if len(resp.SourceNodes) != 2 {
		t.Errorf("Expected 2 source nodes, got %d", len(resp.SourceNodes))
	}
	if len(model.prompts) != 1 {
		t.Fatalf("Expected 1 LLM call, got %d", len(model.prompts))
	}
	prompt := model.prompts[0]
	for _, want := range []string{"Rust has a borrow checker.\n\nRust has no GC.", "Query: Why is Rust safe?", "Context information is below."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Prompt missing %q:\n%s", want, prompt)
		}
	}

	if len(qlog.records) != 1 {
		t.Fatalf("Expected 1 logged query, got %d", len(qlog.records))
	}
	if r := qlog.records[0]; r.Status != "success" || r.Response != resp.Text || r.Model != "fake" {
		t.Errorf("Unexpected record %+v", r)
	}
}

func TestEngine_Query_EmptyContext(t *testing.T) {
	model := &fakeLLM{}
	e := New(staticRetriever{nodes: scored("weak match")}, model,
		WithPostprocessors(index.SimilarityPostprocessor{Cutoff: 2}))

	resp, err := e.Query(context.Background(), "anything?")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(resp.SourceNodes) != 0 {
		t.Errorf("Expected cutoff to drop all nodes, got %d", len(resp.SourceNodes))
	}
	if len(model.prompts) != 1 {
		t.Fatalf("Expected the LLM to be called once, got %d", len(model.prompts))
	}
	if strings.Contains(model.prompts[0], "weak match") {
		t.Error("Filtered node leaked into the prompt")
	}
}

func TestEngine_Query_RetrieverError(t *testing.T) {
	model := &fakeLLM{}
	qlog := &memoryQueryLog{}
	e := New(staticRetriever{err: errors.New("store down")}, model, WithQueryLog(qlog))

	if _, err := e.Query(context.Background(), "q"); err == nil || !strings.Contains(err.Error(), "store down") {
		t.Fatalf("Expected retriever error, got %v", err)
	}
	if len(model.prompts) != 0 {
		t.Error("LLM should not be called when retrieval fails")
	}
	if len(qlog.records) != 1 || qlog.records[0].Status != "error" {
		t.Errorf("Expected failed query to be logged, got %+v", qlog.records)
	}
}

func TestEngine_Query_Refine(t *testing.T) {
	model := &fakeLLM{answer: func(call int, _ string) (string, error) {
		if call == 1 {
			return "first draft", nil
		}
		return "refined", nil
	}}
	long := strings.Repeat("word ", 200) // ~250 estimated tokens each
	e := New(staticRetriever{nodes: scored(long+"A", long+"B")}, model, WithContextWindow(600))

	resp, err := e.Query(context.Background(), "q")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(model.prompts) != 2 {
		t.Fatalf("Expected one QA and one refine call, got %d", len(model.prompts))
	}
	if !strings.Contains(model.prompts[1], "existing answer: first draft") {
		t.Errorf("Refine prompt missing previous answer:\n%s", model.prompts[1])
	}
	if resp.Text != "refined" {
		t.Errorf("Expected refined answer, got %q", resp.Text)
	}
}

func TestEngine_Query_TokenLimitDegradation(t *testing.T) {
	model := &fakeLLM{answer: func(call int, _ string) (string, error) {
		if call == 1 {
			return "", errors.New("This model's maximum context length is 4096 tokens")
		}
		return "ok", nil
	}}
	e := New(staticRetriever{nodes: scored("a", "b")}, model)

	resp, err := e.Query(context.Background(), "q")
	if err != nil {
		t.Fatalf("Expected degradation to recover, got %v", err)
	}
	if resp.Text != "ok" || len(model.prompts) != 2 {
		t.Errorf("Unexpected result %q after %d calls", resp.Text, len(model.prompts))
	}
}

func TestEngine_Query_OtherErrorNotRetried(t *testing.T) {
	model := &fakeLLM{answer: func(int, string) (string, error) {
		return "", errors.New("401 unauthorized")
	}}
	e := New(staticRetriever{nodes: scored("a")}, model)

	if _, err := e.Query(context.Background(), "q"); err == nil {
		t.Fatal("Expected error")
	}
	if len(model.prompts) != 1 {
		t.Errorf("Expected a single attempt, got %d", len(model.prompts))
	}
}

func TestEngine_StreamQuery(t *testing.T) {
	model := &streamingLLM{}
	qlog := &memoryQueryLog{}
	e := New(staticRetriever{nodes: scored("Rust has a borrow checker.")}, model, WithQueryLog(qlog))

	resp, err := e.StreamQuery(context.Background(), "Why is Rust safe?")
	if err != nil {
		t.Fatalf("StreamQuery failed: %v", err)
	}
	if len(resp.SourceNodes) != 1 {
		t.Errorf("Expected 1 source node, got %d", len(resp.SourceNodes))
	}

	var deltas []string
	for d, err := range resp.Deltas {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		deltas = append(deltas, d)
	}
	if strings.Join(deltas, "") != "Rust is safe." || len(deltas) != 3 {
		t.Errorf("Unexpected deltas %q", deltas)
	}
	if len(qlog.records) != 1 || qlog.records[0].Response != "Rust is safe." {
		t.Errorf("Expected streamed answer to be logged, got %+v", qlog.records)
	}
}

func TestEngine_StreamQuery_NonStreamingModel(t *testing.T) {
	model := &fakeLLM{answer: func(int, string) (string, error) { return "whole", nil }}
	e := New(staticRetriever{nodes: scored("a")}, model)

	resp, err := e.StreamQuery(context.Background(), "q")
	if err != nil {
		t.Fatalf("StreamQuery failed: %v", err)
	}
	var got []string
	for d, err := range resp.Deltas {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		got = append(got, d)
	}
	if len(got) != 1 || got[0] != "whole" {
		t.Errorf("Expected a single fragment, got %q", got)
	}
}

func TestFromIndex(t *testing.T) {
	sp, err := splitter.NewSentenceSplitter(64, 8, splitter.NewTokenCounter(""))
	if err != nil {
		t.Fatalf("NewSentenceSplitter failed: %v", err)
	}
	ix := index.New(index.NewMemoryStore(), embedding.NewHashEmbedder(128), sp)
	docs := []domain.Document{
		{ID: "rust", Text: "Rust guarantees memory safety through ownership and borrowing."},
		{ID: "python", Text: "Python is a dynamically typed scripting language."},
	}
	if _, err := ix.Insert(context.Background(), docs...); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	model := &fakeLLM{}
	resp, err := FromIndex(ix, 1, model).Query(context.Background(), "How does Rust guarantee memory safety?")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(resp.SourceNodes) != 1 || resp.SourceNodes[0].Node.DocumentID != "rust" {
		t.Errorf("Expected the rust node, got %+v", resp.SourceNodes)
	}
}

func TestPromptLoader_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "qa.tmpl"), []byte("Q={{.Query}} C={{.Context}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewPromptLoader(dir)

	got, err := l.Render(PromptQA, PromptData{Query: "q", Context: "c"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got != "Q=q C=c" {
		t.Errorf("Expected override template, got %q", got)
	}

	// Refine has no override and falls back to the built-in template
	got, err = l.Render(PromptRefine, PromptData{Query: "q", ExistingAnswer: "a"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(got, "existing answer: a") {
		t.Errorf("Expected built-in refine template, got %q", got)
	}

	if _, err := l.Render("missing", PromptData{}); err == nil {
		t.Error("Expected error for unknown prompt")
	}
}

func TestIsTokenLimitError(t *testing.T) {
	if !IsTokenLimitError(errors.New("error code: context_length_exceeded")) {
		t.Error("Expected context_length_exceeded to match")
	}
	if IsTokenLimitError(errors.New("rate limited")) {
		t.Error("Unexpected match")
	}
	if IsTokenLimitError(nil) {
		t.Error("nil is not a token limit error")
	}
}
