package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/pipeline"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

const defaultToolTimeout = 5 * time.Minute

// toolHandler holds common dependencies for MCP tool handlers.
type toolHandler struct {
	pipeline Pipeline
	logger   *zap.Logger
}

type queryResult struct {
	RunID      string        `json:"run_id"`
	Result     float64       `json:"result"`
	Strategy   string        `json:"strategy"`
	WorkflowID string        `json:"workflow_id"`
	Intent     intent.Intent `json:"intent"`
	DurationMS int64         `json:"duration_ms"`
}

func (h *toolHandler) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	timeout := defaultToolTimeout
	if secs := request.GetFloat("timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run, err := h.pipeline.Submit(ctx, pipeline.Request{Query: query, Source: "mcp"})
	if err != nil {
		h.logger.Debug("MCP query failed", zap.String("run_id", run.ID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", run.ErrorKind(), err)), nil
	}
	return jsonResult(queryResult{
		RunID:      run.ID,
		Result:     run.Result,
		Strategy:   string(run.Strategy),
		WorkflowID: run.WorkflowID,
		Intent:     run.Intent,
		DurationMS: run.Duration.Milliseconds(),
	})
}

func (h *toolHandler) handlePreview(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	in, spec, err := h.pipeline.Preview(query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("preview failed: %v", err)), nil
	}
	return jsonResult(struct {
		Intent   intent.Intent       `json:"intent"`
		Workflow *synth.WorkflowSpec `json:"workflow"`
	}{in, spec})
}

func (h *toolHandler) handleRecent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 10)
	if limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	runs, err := h.pipeline.Recent(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run history unavailable: %v", err)), nil
	}
	return jsonResult(runs)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
