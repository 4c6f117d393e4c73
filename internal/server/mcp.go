package server

import (
	"context"
	"fmt"
	"log/slog"

	"asi-llm/internal/llm"
	"asi-llm/internal/query"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCP tool names
const (
	ToolComplete       = "asi_complete"
	ToolQueryDocuments = "query_documents"
)

const (
	mcpServerName    = "asi-llm"
	mcpServerVersion = "1.0.0"
)

type completeInput struct {
	Prompt string `json:"prompt" jsonschema:"the prompt to send to the ASI model"`
}

type completeOutput struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type queryInput struct {
	Query string `json:"query" jsonschema:"the question to answer from the indexed documents"`
}

type querySource struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

type queryOutput struct {
	Response string        `json:"response"`
	Sources  []querySource `json:"sources"`
}

// NewMCPServer exposes the model, and the query engine when non-nil, as MCP tools.
func NewMCPServer(model llm.Model, engine *query.Engine) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    mcpServerName,
		Version: mcpServerVersion,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolComplete,
		Description: "Complete a prompt with the ASI model (" + model.Metadata().ModelName + ")",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in completeInput) (*mcp.CallToolResult, completeOutput, error) {
		if in.Prompt == "" {
			return nil, completeOutput{}, fmt.Errorf("prompt is required")
		}
		resp, err := model.Complete(ctx, in.Prompt)
		if err != nil {
			slog.Warn("mcp complete failed", "error", err)
			return nil, completeOutput{}, err
		}
		out := completeOutput{Text: resp.Text, FinishReason: resp.FinishReason}
		return textResult(out.Text), out, nil
	})

	if engine != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        ToolQueryDocuments,
			Description: "Answer a question from the indexed documents",
		}, func(ctx context.Context, req *mcp.CallToolRequest, in queryInput) (*mcp.CallToolResult, queryOutput, error) {
			if in.Query == "" {
				return nil, queryOutput{}, fmt.Errorf("query is required")
			}
			resp, err := engine.Query(ctx, in.Query)
			if err != nil {
				slog.Warn("mcp query failed", "error", err)
				return nil, queryOutput{}, err
			}
			out := queryOutput{Response: resp.Text, Sources: make([]querySource, 0, len(resp.SourceNodes))}
			for _, n := range resp.SourceNodes {
				out.Sources = append(out.Sources, querySource{
					DocumentID: n.Node.DocumentID,
					Score:      n.Score,
					Text:       n.Node.Text,
				})
			}
			return textResult(out.Response), out, nil
		})
	}

	return server
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

