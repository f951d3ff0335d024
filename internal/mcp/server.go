// Package mcp exposes the query pipeline as Model Context Protocol tools.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/pipeline"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// Pipeline is the part of the query service the tools call.
type Pipeline interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
	Preview(text string) (intent.Intent, *synth.WorkflowSpec, error)
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
}

// NewServer builds the MCP server without starting it.
func NewServer(p Pipeline, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"cryptoquery",
		Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	h := &toolHandler{pipeline: p, logger: logger}

	s.AddTool(mcp.NewTool("crypto_query",
		mcp.WithDescription("Answer an analytic question about daily crypto market data, e.g. 'average close price of ETH last 1y'. Deploys a transient workflow and returns one number."),
		mcp.WithString("query", mcp.Description("Free-text query naming a metric (average, max), a field (close price, volume), a symbol and optionally a timeframe or currency."), mcp.Required()),
		mcp.WithNumber("timeout_seconds", mcp.Description("Upper bound for the whole run. Defaults to 300.")),
	), h.handleQuery)

	s.AddTool(mcp.NewTool("preview_query",
		mcp.WithDescription("Show how a query is understood and the workflow it would deploy, without contacting the engine."),
		mcp.WithString("query", mcp.Description("Free-text query."), mcp.Required()),
	), h.handlePreview)

	s.AddTool(mcp.NewTool("recent_runs",
		mcp.WithDescription("List recently executed queries with their outcome."),
		mcp.WithNumber("limit", mcp.Description("Number of runs to return. Defaults to 10.")),
	), h.handleRecent)

	return s
}

// ServeStdio runs the server on stdin/stdout until the client disconnects.
func ServeStdio(p Pipeline, logger *zap.Logger) error {
	return server.ServeStdio(NewServer(p, logger))
}
