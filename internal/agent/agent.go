// Package agent runs a ReAct style langchaingo agent on the ASI model with
// the document query engine as a tool.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"asi-llm/internal/bridge"
	"asi-llm/internal/llm"
	"asi-llm/internal/query"

	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/tools"
)

const defaultMaxIterations = 5

// Agent answers questions by deciding when to consult the indexed documents.
type Agent struct {
	model         llm.Model
	engine        *query.Engine
	tools         []tools.Tool
	maxIterations int
}

// New creates an agent. Without an engine the agent has no tools and
// answers from the model alone.
func New(model llm.Model, engine *query.Engine, maxIterations int) (*Agent, error) {
	if model == nil {
		return nil, fmt.Errorf("llm is nil")
	}
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	a := &Agent{model: model, engine: engine, maxIterations: maxIterations}
	if engine != nil {
		a.tools = append(a.tools, &QueryTool{engine: engine})
	}
	return a, nil
}

// Run executes the agent loop and returns the final answer.
func (a *Agent) Run(ctx context.Context, input string) (string, error) {
	start := time.Now()
	slog.Info("agent run started", "tools", len(a.tools), "max_iterations", a.maxIterations)

	agent := agents.NewOneShotAgent(bridge.NewLangChain(a.model), a.tools,
		agents.WithMaxIterations(a.maxIterations),
	)
	executor := agents.NewExecutor(agent, agents.WithMaxIterations(a.maxIterations))

	response, err := chains.Call(ctx, executor, map[string]any{
		"input": input,
	})
	if err != nil {
		slog.Error("agent executor failed", "error", err)
		return "", fmt.Errorf("executor call: %w", err)
	}

	output, ok := response["output"].(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type: %T", response["output"])
	}

	slog.Info("agent run completed", "duration", time.Since(start))
	return strings.TrimSpace(output), nil
}

// QueryTool exposes a query engine to langchaingo agents.
type QueryTool struct {
	engine *query.Engine
}

func (t *QueryTool) Name() string {
	return "query_documents"
}

func (t *QueryTool) Description() string {
	return "Answers a question from the indexed documents. The input is the question as plain text."
}

func (t *QueryTool) Call(ctx context.Context, input string) (string, error) {
	input = strings.Trim(strings.TrimSpace(input), `"`)
	slog.Debug("agent tool call", "tool", t.Name(), "input_len", len(input))

	resp, err := t.engine.Query(ctx, input)
	if err != nil {
		slog.Error("agent tool call failed", "tool", t.Name(), "error", err)
		return "", err
	}
	return resp.Text, nil
}

// Ensure QueryTool implements tools.Tool
var _ tools.Tool = (*QueryTool)(nil)
