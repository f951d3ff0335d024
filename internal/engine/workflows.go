package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/metrics"
	"github.com/Kocoro-lab/cryptoquery/internal/retry"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

// WorkflowSummary is one entry of the engine inventory.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListWorkflows returns the whole inventory, following the pagination
// cursor.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	const op = "list"
	var out []WorkflowSummary
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(listPageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		r, err := c.do(ctx, op, http.MethodGet, c.workflowURL()+"?"+q.Encode(), nil, true)
		if err != nil {
			return nil, err
		}
		if !r.ok() {
			return nil, r.statusError(op)
		}
		if !gjson.ValidBytes(r.body) {
			return nil, fmt.Errorf("engine list: response is not JSON")
		}
		doc := gjson.ParseBytes(r.body)
		doc.Get("data").ForEach(func(_, w gjson.Result) bool {
			s := WorkflowSummary{
				ID:     w.Get("id").String(),
				Name:   w.Get("name").String(),
				Active: w.Get("active").Bool(),
			}
			if ts := w.Get("createdAt").String(); ts != "" {
				if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					s.CreatedAt = t
				}
			}
			out = append(out, s)
			return true
		})
		cursor = doc.Get("nextCursor").String()
		if cursor == "" {
			return out, nil
		}
	}
	c.logger.Warn("Workflow listing truncated", zap.Int("pages", maxListPages), zap.Int("workflows", len(out)))
	return out, nil
}

// CreateWorkflow posts a definition and returns the engine-assigned id.
// Any failure other than a transport error is a DeploymentError.
func (c *Client) CreateWorkflow(ctx context.Context, def synth.Workflow) (string, error) {
	const op = "create"
	r, err := c.do(ctx, op, http.MethodPost, c.workflowURL(), def, true)
	if err != nil {
		return "", err
	}
	if !r.ok() {
		return "", apperr.Wrap(apperr.KindDeployment, "engine.create", r.statusError(op))
	}
	id := gjson.GetBytes(r.body, "id").String()
	if id == "" {
		id = gjson.GetBytes(r.body, "data.id").String()
	}
	if id == "" {
		return "", apperr.New(apperr.KindDeployment, "engine.create", "response carries no workflow id")
	}
	c.logger.Info("Workflow created", zap.String("workflow_id", id), zap.String("name", def.Name))
	return id, nil
}

// ActivateWorkflow sends one activation request. A non-2xx answer is a
// DeploymentError.
func (c *Client) ActivateWorkflow(ctx context.Context, id string) error {
	const op = "activate"
	r, err := c.do(ctx, op, http.MethodPost, c.workflowURL(id, "activate"), nil, true)
	if err != nil {
		return err
	}
	if !r.ok() {
		return apperr.Wrap(apperr.KindDeployment, "engine.activate", r.statusError(op))
	}
	return nil
}

// IsActive reads the workflow's active flag. A non-2xx answer reports
// inactive without error; the workflow may not be visible yet.
func (c *Client) IsActive(ctx context.Context, id string) (bool, error) {
	const op = "get"
	r, err := c.do(ctx, op, http.MethodGet, c.workflowURL(id), nil, true)
	if err != nil {
		return false, err
	}
	if !r.ok() {
		return false, nil
	}
	active := gjson.GetBytes(r.body, "active")
	if !active.Exists() {
		active = gjson.GetBytes(r.body, "data.active")
	}
	return active.Bool(), nil
}

// PollUntilActive checks the active flag under policy. It returns true at
// the first active report and false with a nil error once the budget is
// spent. Transport failures are retried; the last one is returned only when
// no attempt reached the engine.
func (c *Client) PollUntilActive(ctx context.Context, id string, policy retry.Policy) (bool, error) {
	var reached bool
	active, attempts, err := policy.Until(ctx, func(ctx context.Context, attempt int) (bool, error) {
		ok, err := c.IsActive(ctx, id)
		if err != nil {
			c.logger.Debug("Activation poll failed", zap.String("workflow_id", id), zap.Int("attempt", attempt), zap.Error(err))
			return false, err
		}
		reached = true
		return ok, nil
	})
	metrics.ActivationPolls.Observe(float64(attempts))
	if err != nil {
		if ctx.Err() != nil || !reached {
			return false, err
		}
		c.logger.Warn("Workflow never reported active", zap.String("workflow_id", id), zap.Int("attempts", attempts), zap.Error(err))
		return false, nil
	}
	if active {
		c.logger.Info("Workflow active", zap.String("workflow_id", id), zap.Int("attempts", attempts))
	}
	return active, nil
}

// DeleteWorkflow removes a workflow. It never fails: errors are logged and
// reported through the return value.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) bool {
	const op = "delete"
	r, err := c.do(ctx, op, http.MethodDelete, c.workflowURL(id), nil, true)
	if err != nil {
		c.logger.Warn("Workflow delete failed", zap.String("workflow_id", id), zap.Error(err))
		return false
	}
	if !r.ok() {
		c.logger.Warn("Workflow delete rejected", zap.String("workflow_id", id), zap.Error(r.statusError(op)))
		return false
	}
	c.logger.Info("Workflow deleted", zap.String("workflow_id", id))
	return true
}
