package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"asi-llm/internal/config"
	"asi-llm/internal/types"

	"github.com/openai/openai-go/option"
)

func TestNewLLM_LangChainPassThrough(t *testing.T) {
	var gotTopP any
	var gotHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody map[string]any
		json.NewDecoder(r.Body).Decode(&reqBody)
		gotTopP = reqBody["top_p"]
		gotHeader = r.Header.Get("X-Trace")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionBody("ok"))
	}))
	defer ts.Close()

	cfg := config.Default()
	cfg.LLM.Backend = config.BackendLangChain
	cfg.LLM.APIKey = "test-key"
	cfg.LLM.APIBase = ts.URL
	cfg.LLM.ExtraBody = map[string]any{"top_p": 0.5}
	cfg.LLM.Headers = map[string]string{"X-Trace": "abc"}

	m, err := NewLLM(cfg)
	if err != nil {
		t.Fatalf("NewLLM failed: %v", err)
	}
	resp, err := m.Complete(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Unexpected text %q", resp.Text)
	}
	if gotTopP != 0.5 {
		t.Errorf("Expected top_p from extra body, got %v", gotTopP)
	}
	if gotHeader != "abc" {
		t.Errorf("Expected X-Trace header, got %q", gotHeader)
	}
}

func TestRequestRoundTripper_Retries(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantStatus int
		wantCalls  int32
	}{
		{"recovers", 2, http.StatusOK, 3},
		{"gives up", 1, http.StatusServiceUnavailable, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var reqBody map[string]any
				json.NewDecoder(r.Body).Decode(&reqBody)
				if reqBody["model"] != "asi1-mini" {
					t.Errorf("Expected the body on every attempt, got %v", reqBody)
				}
				if calls.Add(1) < 3 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer ts.Close()

			rt := &RequestRoundTripper{
				MaxRetries: tt.maxRetries,
				Backoff:    func(int) time.Duration { return 0 },
			}
			hc := &http.Client{Transport: rt}
			resp, err := hc.Post(ts.URL, "application/json", strings.NewReader(`{"model":"asi1-mini"}`))
			if err != nil {
				t.Fatalf("Post failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestRequestRoundTripper_NonJSONBodyUnchanged(t *testing.T) {
	rt := &RequestRoundTripper{ExtraBody: map[string]any{"top_p": 0.5}}
	if got := string(rt.mergeExtraBody([]byte("plain"))); got != "plain" {
		t.Errorf("Expected body unchanged, got %q", got)
	}
	got := string(rt.mergeExtraBody([]byte(`{"model":"m"}`)))
	if got != `{"model":"m","top_p":0.5}` {
		t.Errorf("Unexpected merged body %q", got)
	}
}

func TestLangChainModel_MaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionBody("ok"))
	}))
	defer ts.Close()

	m, err := NewLangChainModel(Config{
		Model:          "asi1-mini",
		APIKey:         "test-key",
		APIBase:        ts.URL,
		Temperature:    -1,
		MaxConcurrency: 1,
	})
	if err != nil {
		t.Fatalf("NewLangChainModel failed: %v", err)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Complete(context.Background(), "hi"); err != nil {
				t.Errorf("Complete failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("Expected at most 1 request in flight, got %d", got)
	}
}

func TestNewLangChainModel_RejectsRequestOptions(t *testing.T) {
	_, err := NewLangChainModel(Config{
		APIKey:         "test-key",
		RequestOptions: []option.RequestOption{option.WithHeader("X", "y")},
	})
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected *types.ConfigError, got %v", err)
	}
}
