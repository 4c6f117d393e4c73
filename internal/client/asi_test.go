package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"asi-llm/internal/config"
	"asi-llm/internal/types"
)

func TestNewASI_MissingAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")

	_, err := NewASI()
	if err == nil {
		t.Fatal("Expected error when no API key is available")
	}
	if !errors.Is(err, types.ErrMissingAPIKey) {
		t.Errorf("Expected ErrMissingAPIKey, got %v", err)
	}
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected *types.ConfigError, got %T", err)
	}
}

func TestNewASI_ExplicitAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")

	c, err := NewASI(WithAPIKey("explicit-key"))
	if err != nil {
		t.Fatalf("NewASI failed: %v", err)
	}
	if c.APIKey() != "explicit-key" {
		t.Errorf("Expected explicit-key, got %q", c.APIKey())
	}
}

func TestNewASI_EnvAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")

	c, err := NewASI()
	if err != nil {
		t.Fatalf("NewASI failed: %v", err)
	}
	if c.APIKey() != "env-key" {
		t.Errorf("Expected env-key, got %q", c.APIKey())
	}
}

func TestNewASI_ExplicitKeyWinsOverEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")

	c, err := NewASI(WithAPIKey("explicit-key"))
	if err != nil {
		t.Fatalf("NewASI failed: %v", err)
	}
	if c.APIKey() != "explicit-key" {
		t.Errorf("Expected explicit-key, got %q", c.APIKey())
	}
}

func TestResolveAPIKey_Blank(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		env     string
		want    string
		wantErr bool
	}{
		{"whitespace key without env", "  \t", "", "", true},
		{"whitespace key falls back to env", " ", "env-key", "env-key", false},
		{"whitespace env", "", "   ", "", true},
		{"key is trimmed", " explicit-key\n", "", "explicit-key", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvAPIKey, tt.env)

			got, err := ResolveAPIKey(tt.key)
			if tt.wantErr {
				if !errors.Is(err, types.ErrMissingAPIKey) {
					t.Errorf("Expected ErrMissingAPIKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveAPIKey failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewASI_Defaults(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")

	c, err := NewASI()
	if err != nil {
		t.Fatalf("NewASI failed: %v", err)
	}
	if c.Model() != "asi1-mini" {
		t.Errorf("Expected default model asi1-mini, got %q", c.Model())
	}
	if c.APIBase() != "https://api.asi1.ai/v1" {
		t.Errorf("Expected default api base, got %q", c.APIBase())
	}
	md := c.Metadata()
	if !md.IsChatModel {
		t.Error("Expected chat model by default")
	}
	if md.IsFunctionCallingModel {
		t.Error("Expected function calling disabled by default")
	}
	if md.ContextWindow != defaultContextWindow {
		t.Errorf("Expected context window %d, got %d", defaultContextWindow, md.ContextWindow)
	}
	if c.ClassName() != "ASI" {
		t.Errorf("Expected class name ASI, got %q", c.ClassName())
	}
}

func TestNewASI_Overrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "")

	c, err := NewASI(
		WithAPIKey("k"),
		WithModel("asi1-extended"),
		WithAPIBase("http://localhost:9999/v1"),
		WithChatModel(false),
		WithFunctionCallingModel(true),
	)
	if err != nil {
		t.Fatalf("NewASI failed: %v", err)
	}
	if c.Model() != "asi1-extended" {
		t.Errorf("Expected model override, got %q", c.Model())
	}
	if c.APIBase() != "http://localhost:9999/v1" {
		t.Errorf("Expected api base override, got %q", c.APIBase())
	}
	md := c.Metadata()
	if md.IsChatModel || !md.IsFunctionCallingModel {
		t.Errorf("Expected flag overrides, got %+v", md)
	}
}

func TestNewASI_EmptyOverridesKeepDefaults(t *testing.T) {
	c, err := NewASI(WithAPIKey("k"), WithModel(""), WithAPIBase(""))
	if err != nil {
		t.Fatalf("NewASI failed: %v", err)
	}
	if c.Model() != DefaultModel || c.APIBase() != DefaultAPIBase {
		t.Errorf("Expected defaults, got %q %q", c.Model(), c.APIBase())
	}
}

func TestNewASI_SendsRequestsToAPIBase(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Expected bearer k, got %q", got)
		}
		var reqBody map[string]any
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["model"] != DefaultModel {
			t.Errorf("Expected default model in request, got %v", reqBody["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionBody("hi from asi"))
	}))
	defer ts.Close()

	c, err := NewASI(WithAPIKey("k"), WithAPIBase(ts.URL), WithMaxRetries(0), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewASI failed: %v", err)
	}
	resp, err := c.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "hi from asi" {
		t.Errorf("Unexpected text %q", resp.Text)
	}
}

func TestNewASIFromConfig(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")

	c, err := NewASIFromConfig(config.LLMConfig{
		Model:                  "asi1-fast",
		IsChatModel:            true,
		IsFunctionCallingModel: true,
		MaxTokens:              256,
	})
	if err != nil {
		t.Fatalf("NewASIFromConfig failed: %v", err)
	}
	if c.APIKey() != "env-key" {
		t.Errorf("Expected env key fallback, got %q", c.APIKey())
	}
	if c.APIBase() != DefaultAPIBase {
		t.Errorf("Expected default base, got %q", c.APIBase())
	}
	md := c.Metadata()
	if md.ModelName != "asi1-fast" || md.NumOutput != 256 || !md.IsFunctionCallingModel {
		t.Errorf("Unexpected metadata %+v", md)
	}
}

func TestNewLLM_Backends(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")

	cfg := config.Default()
	m, err := NewLLM(cfg)
	if err != nil {
		t.Fatalf("NewLLM failed: %v", err)
	}
	if _, ok := m.(*ASI); !ok {
		t.Errorf("Expected *ASI for default backend, got %T", m)
	}

	cfg.LLM.Backend = config.BackendLangChain
	m, err = NewLLM(cfg)
	if err != nil {
		t.Fatalf("NewLLM langchain failed: %v", err)
	}
	if _, ok := m.(*LangChainModel); !ok {
		t.Errorf("Expected *LangChainModel, got %T", m)
	}

	cfg.LLM.Backend = "bogus"
	if _, err := NewLLM(cfg); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
