package main

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"asi-llm/internal/config"
	"asi-llm/internal/domain"
	"asi-llm/internal/llm"
)

// isolateConfig points configuration loading at files that do not exist.
func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfigPath, filepath.Join(dir, "missing.yaml"))
	t.Setenv(config.EnvFile, filepath.Join(dir, "missing.env"))
	for _, k := range []string{config.EnvASIAPIKey, config.EnvASIModel, config.EnvASIAPIBase, "LOG_OUTPUT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestRootCmd_MissingAPIKey(t *testing.T) {
	isolateConfig(t)

	root, closeLogs := newRootCmd()
	defer closeLogs()
	root.SetArgs([]string{"complete", "hello"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	if err == nil {
		t.Fatal("Expected error without an API key")
	}
	if !strings.Contains(err.Error(), config.EnvASIAPIKey) {
		t.Errorf("Expected error to mention %s, got %v", config.EnvASIAPIKey, err)
	}
}

func TestRootCmd_Complete(t *testing.T) {
	isolateConfig(t)

	var gotModel, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   gotModel,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Hello from ASI"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer ts.Close()

	var out bytes.Buffer
	root, closeLogs := newRootCmd()
	defer closeLogs()
	root.SetArgs([]string{"complete", "--api-key", "flag-key", "--api-base", ts.URL, "--model", "asi1-extended", "hi"})
	root.SetOut(&out)

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "Hello from ASI" {
		t.Errorf("Unexpected output %q", out.String())
	}
	if gotModel != "asi1-extended" {
		t.Errorf("Expected model flag to apply, got %q", gotModel)
	}
	if gotAuth != "Bearer flag-key" {
		t.Errorf("Expected flag key in Authorization header, got %q", gotAuth)
	}
}

// openFDs counts descriptors of this process that refer to path.
func openFDs(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("descriptor listing unavailable: %v", err)
	}
	n := 0
	for _, e := range entries {
		if target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name())); err == nil && target == path {
			n++
		}
	}
	return n
}

func TestRootCmd_ClosesLogFileOnError(t *testing.T) {
	isolateConfig(t)
	logPath := filepath.Join(t.TempDir(), "asi.log")
	t.Setenv("LOG_OUTPUT", logPath)
	t.Setenv("LOG_LEVEL", "DEBUG")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer ts.Close()

	root, closeLogs := newRootCmd()
	root.SetArgs([]string{"complete", "--api-key", "k", "--api-base", ts.URL, "hi"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	if err := root.Execute(); err == nil {
		t.Fatal("Expected the command to fail")
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("Expected log file to be written: %v", err)
	}
	closeLogs()
	if n := openFDs(t, logPath); n != 0 {
		t.Errorf("Expected log file closed after a failed command, %d descriptors open", n)
	}
}

type scriptedModel struct {
	seen [][]llm.ChatMessage
}

func (m *scriptedModel) Metadata() llm.Metadata { return llm.Metadata{ModelName: "scripted"} }

func (m *scriptedModel) Complete(ctx context.Context, prompt string) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Text: prompt}, nil
}

func (m *scriptedModel) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	m.seen = append(m.seen, messages)
	return &llm.ChatResponse{Message: llm.AssistantMessage("reply " + messages[len(messages)-1].Content)}, nil
}

func (m *scriptedModel) StreamComplete(ctx context.Context, prompt string) iter.Seq2[*llm.CompletionResponse, error] {
	return func(yield func(*llm.CompletionResponse, error) bool) {}
}

func (m *scriptedModel) StreamChat(ctx context.Context, messages []llm.ChatMessage) iter.Seq2[*llm.ChatResponse, error] {
	return func(yield func(*llm.ChatResponse, error) bool) {
		m.seen = append(m.seen, messages)
		last := messages[len(messages)-1].Content
		if !yield(&llm.ChatResponse{Message: llm.AssistantMessage("re "), Delta: "re "}, nil) {
			return
		}
		yield(&llm.ChatResponse{Message: llm.AssistantMessage("re " + last), Delta: last}, nil)
	}
}

func TestChatLoop_KeepsHistory(t *testing.T) {
	for _, stream := range []bool{false, true} {
		model := &scriptedModel{}
		var out bytes.Buffer
		in := newLineReader(strings.NewReader("first\n\nsecond\n"), &out)

		err := chatLoop(context.Background(), model, []llm.ChatMessage{llm.SystemMessage("be brief")}, stream, in, &out)
		if err != nil {
			t.Fatalf("chatLoop failed: %v", err)
		}
		if len(model.seen) != 2 {
			t.Fatalf("stream=%v: expected 2 turns, got %d", stream, len(model.seen))
		}
		second := model.seen[1]
		if len(second) != 4 {
			t.Fatalf("stream=%v: expected system, user, assistant, user; got %+v", stream, second)
		}
		if second[2].Role != llm.RoleAssistant || !strings.HasSuffix(second[2].Content, "first") {
			t.Errorf("stream=%v: previous reply missing from history: %+v", stream, second[2])
		}
		if !strings.Contains(out.String(), "second") {
			t.Errorf("stream=%v: output missing reply: %q", stream, out.String())
		}
	}
}

func TestChatLoop_ExitCommand(t *testing.T) {
	model := &scriptedModel{}
	var out bytes.Buffer
	in := newLineReader(strings.NewReader("hello\n/exit\nignored\n"), &out)

	if err := chatLoop(context.Background(), model, nil, false, in, &out); err != nil {
		t.Fatalf("chatLoop failed: %v", err)
	}
	if len(model.seen) != 1 {
		t.Errorf("Expected one turn before /exit, got %d", len(model.seen))
	}
}

func TestPrintSources_MultiByte(t *testing.T) {
	var out bytes.Buffer
	printSources(&out, []domain.NodeWithScore{
		{Node: domain.Node{DocumentID: "zh.md", Text: strings.Repeat("记忆安全", 30)}, Score: 0.9},
	})
	got := out.String()
	if !utf8.ValidString(got) {
		t.Fatalf("Excerpt split a rune: %q", got)
	}
	if !strings.HasSuffix(strings.TrimSpace(got), "...") {
		t.Errorf("Expected truncated excerpt, got %q", got)
	}
}

func TestPrintSources(t *testing.T) {
	var out bytes.Buffer
	printSources(&out, []domain.NodeWithScore{
		{Node: domain.Node{DocumentID: "a.md", Text: strings.Repeat("x", 100)}, Score: 0.5},
	})
	got := out.String()
	if !strings.HasPrefix(got, "[1] a.md (score 0.500): ") || !strings.HasSuffix(strings.TrimSpace(got), "...") {
		t.Errorf("Unexpected output %q", got)
	}
}

func TestSetupLogger_File(t *testing.T) {
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "asi.log")
	cfg.Log.Output = path
	cfg.Log.Format = "json"

	logger, cleanup := setupLogger(cfg)
	logger.Info("hello", "k", "v")
	cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("Expected json log line, got %q", data)
	}
}
