// Package reaper removes workflows left behind by earlier requests.
package reaper

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/engine"
	"github.com/Kocoro-lab/cryptoquery/internal/lease"
	"github.com/Kocoro-lab/cryptoquery/internal/metrics"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

// Engine is the part of the engine client the reaper needs.
type Engine interface {
	ListWorkflows(ctx context.Context) ([]engine.WorkflowSummary, error)
	DeleteWorkflow(ctx context.Context, id string) bool
}

// Report summarizes one sweep.
type Report struct {
	Listed  int      `json:"listed"`
	Matched int      `json:"matched"`
	Deleted []string `json:"deleted"`
	Leased  int      `json:"skipped_leased"`
	Young   int      `json:"skipped_young"`
	Failed  int      `json:"failed"`
}

// Config tunes a Reaper.
type Config struct {
	// Prefix selects the workflows a sweep may touch. Empty means
	// synth.DefaultNamePrefix, never the whole inventory.
	Prefix      string
	GracePeriod time.Duration
}

// Reaper deletes prefix-matching workflows that no request owns.
type Reaper struct {
	engine Engine
	leases lease.Store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Reaper. A nil lease store disables the ownership check.
func New(e Engine, leases lease.Store, cfg Config, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = synth.DefaultNamePrefix
	}
	return &Reaper{engine: e, leases: leases, cfg: cfg, now: time.Now, logger: logger}
}

// Reap runs one sweep. It never fails; listing and delete errors are logged
// and leave the inventory as it was.
func (r *Reaper) Reap(ctx context.Context) Report {
	var rep Report
	workflows, err := r.engine.ListWorkflows(ctx)
	if err != nil {
		metrics.ReapFailures.WithLabelValues("list").Inc()
		r.logger.Warn("Workflow listing failed, nothing to reap", zap.Error(err))
		return rep
	}
	rep.Listed = len(workflows)
	now := r.now()

	for _, wf := range workflows {
		if ctx.Err() != nil {
			break
		}
		if !strings.HasPrefix(wf.Name, r.cfg.Prefix) {
			continue
		}
		rep.Matched++

		if !wf.CreatedAt.IsZero() && now.Sub(wf.CreatedAt) < r.cfg.GracePeriod {
			rep.Young++
			metrics.WorkflowsSkipped.WithLabelValues("young").Inc()
			continue
		}
		if r.leases != nil {
			owner, held, err := r.leases.Holder(ctx, wf.Name)
			if err != nil {
				// An unreadable lease store is treated as held.
				rep.Leased++
				metrics.WorkflowsSkipped.WithLabelValues("lease_error").Inc()
				r.logger.Warn("Lease lookup failed, keeping workflow", zap.String("name", wf.Name), zap.Error(err))
				continue
			}
			if held {
				rep.Leased++
				metrics.WorkflowsSkipped.WithLabelValues("leased").Inc()
				r.logger.Debug("Workflow in use", zap.String("name", wf.Name), zap.String("owner", owner))
				continue
			}
		}

		if r.engine.DeleteWorkflow(ctx, wf.ID) {
			rep.Deleted = append(rep.Deleted, wf.ID)
			metrics.WorkflowsReaped.Inc()
		} else {
			rep.Failed++
			metrics.ReapFailures.WithLabelValues("delete").Inc()
		}
	}

	if rep.Matched > 0 {
		r.logger.Info("Reaped stale workflows",
			zap.Int("listed", rep.Listed),
			zap.Int("deleted", len(rep.Deleted)),
			zap.Int("leased", rep.Leased),
			zap.Int("young", rep.Young),
			zap.Int("failed", rep.Failed),
		)
	}
	return rep
}
