package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"asi-llm/internal/bridge"

	"github.com/google/uuid"
	adkagent "google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"
)

const (
	adkAppName = "asi-agent"
	adkUserID  = "asi-user"

	adkInstruction = "You are a helpful assistant. Answer the user's question concisely. " +
		"When reference notes are given, prefer them over prior knowledge."
)

// RunADK answers input with an ADK llmagent backed by the same model. The
// model is not assumed to call functions, so when a query engine is set its
// answer is passed to the agent as reference notes instead of as a tool.
func (a *Agent) RunADK(ctx context.Context, input string) (string, error) {
	start := time.Now()

	prompt := input
	if a.engine != nil {
		resp, err := a.engine.Query(ctx, input)
		if err != nil {
			return "", fmt.Errorf("query documents: %w", err)
		}
		prompt = fmt.Sprintf("Reference notes:\n%s\n\nQuestion: %s", resp.Text, input)
	}

	llmAgent, err := llmagent.New(llmagent.Config{
		Name:        "asi_agent",
		Description: "Answers questions with the ASI model",
		Model:       bridge.NewADK(a.model),
		Instruction: adkInstruction,
	})
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}

	sessions := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        adkAppName,
		Agent:          llmAgent,
		SessionService: sessions,
	})
	if err != nil {
		return "", fmt.Errorf("create runner: %w", err)
	}

	sessionID := uuid.NewString()
	if _, err := sessions.Create(ctx, &session.CreateRequest{
		AppName:   adkAppName,
		UserID:    adkUserID,
		SessionID: sessionID,
	}); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	msg := &genai.Content{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  string(genai.RoleUser),
	}

	var answer strings.Builder
	events := 0
	for event, err := range r.Run(ctx, adkUserID, sessionID, msg, adkagent.RunConfig{}) {
		if err != nil {
			return "", fmt.Errorf("agent exec: %w", err)
		}
		events++
		if events > a.maxIterations {
			return "", fmt.Errorf("agent iteration limit exceeded (%d)", a.maxIterations)
		}
		if event.IsFinalResponse() && event.LLMResponse.Content != nil {
			for _, part := range event.LLMResponse.Content.Parts {
				answer.WriteString(part.Text)
			}
		}
	}

	text := strings.TrimSpace(answer.String())
	if text == "" {
		return "", fmt.Errorf("no response content")
	}
	slog.Info("adk agent run completed", "events", events, "duration", time.Since(start))
	return text, nil
}
