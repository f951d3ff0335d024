package engine

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/extract"
)

// TriggerURL is the public URL of a webhook trigger in a namespace.
func (c *Client) TriggerURL(ns Namespace, path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.baseURL + "/" + string(ns) + "/" + strings.Join(segs, "/")
}

// TriggerWebhook calls a webhook trigger once and returns the status code
// and body. Webhooks are public and are called without the API key.
func (c *Client) TriggerWebhook(ctx context.Context, ns Namespace, path string) (int, []byte, error) {
	op := "trigger_" + strings.ReplaceAll(string(ns), "-", "_")
	r, err := c.do(ctx, op, http.MethodGet, c.TriggerURL(ns, path), nil, false)
	if err != nil {
		return 0, nil, err
	}
	return r.code, r.body, nil
}

// RunWorkflow starts one execution and returns its id. Any failure to start
// is reported as InvocationExhausted because the direct run is the last
// strategy.
func (c *Client) RunWorkflow(ctx context.Context, id string) (string, error) {
	const op = "run"
	rawURL := c.baseURL + runPath + "/" + url.PathEscape(id) + "/run"
	r, err := c.do(ctx, op, http.MethodPost, rawURL, struct{}{}, true)
	if err != nil {
		return "", err
	}
	if !r.ok() {
		return "", apperr.Wrap(apperr.KindInvocationExhausted, "engine.run", r.statusError(op))
	}
	eid, ok := extract.ExecutionID(r.body)
	if !ok {
		return "", apperr.New(apperr.KindInvocationExhausted, "engine.run", "run response carries no execution id")
	}
	c.logger.Info("Workflow run started", zap.String("workflow_id", id), zap.String("execution_id", eid))
	return eid, nil
}

// GetExecution fetches an execution document with its run data. A non-2xx
// answer is returned as a *StatusError.
func (c *Client) GetExecution(ctx context.Context, executionID string) ([]byte, error) {
	const op = "execution"
	rawURL := c.baseURL + executionsPath + "/" + url.PathEscape(executionID) + "?includeData=true"
	r, err := c.do(ctx, op, http.MethodGet, rawURL, nil, true)
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return nil, r.statusError(op)
	}
	return r.body, nil
}
