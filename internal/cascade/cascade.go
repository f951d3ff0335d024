// Package cascade invokes a deployed workflow through progressively more
// direct strategies until one yields a result.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/engine"
	"github.com/Kocoro-lab/cryptoquery/internal/extract"
	"github.com/Kocoro-lab/cryptoquery/internal/metrics"
	"github.com/Kocoro-lab/cryptoquery/internal/retry"
)

// Engine is the part of the engine client the cascade needs.
type Engine interface {
	TriggerWebhook(ctx context.Context, ns engine.Namespace, path string) (int, []byte, error)
	RunWorkflow(ctx context.Context, id string) (string, error)
	GetExecution(ctx context.Context, executionID string) ([]byte, error)
}

// Timing holds the settle pause and one budget per strategy.
type Timing struct {
	SettleDelay time.Duration
	Production  retry.Policy
	Test        retry.Policy
	Execution   retry.Policy
}

// DefaultTiming is 30s settle, 5x5s per trigger and 10x5s execution polling.
func DefaultTiming() Timing {
	return Timing{
		SettleDelay: 30 * time.Second,
		Production:  retry.Constant(5, 5*time.Second),
		Test:        retry.Constant(5, 5*time.Second),
		Execution:   retry.Constant(10, 5*time.Second),
	}
}

// Deployment identifies what to invoke.
type Deployment struct {
	WorkflowID  string
	TriggerPath string
}

// Outcome is the result of a successful cascade.
type Outcome struct {
	Value    float64
	Strategy extract.Strategy
	Attempts int
}

// Attempt describes one try, reported to an Observer.
type Attempt struct {
	Strategy extract.Strategy
	Number   int
	Err      error
}

// Observer receives every attempt as it completes. It must not block.
type Observer func(Attempt)

// Cascade runs the three strategies in order. It is safe for concurrent use.
type Cascade struct {
	engine Engine
	logger *zap.Logger

	mu     sync.RWMutex
	timing Timing
}

// New creates a cascade.
func New(e Engine, timing Timing, logger *zap.Logger) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cascade{engine: e, timing: timing, logger: logger}
}

// SetTiming swaps the budgets used by subsequent invocations.
func (c *Cascade) SetTiming(t Timing) {
	c.mu.Lock()
	c.timing = t
	c.mu.Unlock()
}

// Timing returns the current budgets.
func (c *Cascade) Timing() Timing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timing
}

// Invoke waits for the settle delay, then tries the production trigger, the
// test trigger and a direct run, each only after the previous one spent its
// budget. The first success ends the cascade.
func (c *Cascade) Invoke(ctx context.Context, d Deployment, observe Observer) (Outcome, error) {
	t := c.Timing()
	if observe == nil {
		observe = func(Attempt) {}
	}

	if err := retry.Sleep(ctx, t.SettleDelay); err != nil {
		return Outcome{}, err
	}

	for _, s := range []struct {
		strategy extract.Strategy
		ns       engine.Namespace
		policy   retry.Policy
	}{
		{extract.StrategyProduction, engine.NamespaceProduction, t.Production},
		{extract.StrategyTest, engine.NamespaceTest, t.Test},
	} {
		out, ok, err := c.trigger(ctx, d, s.strategy, s.ns, s.policy, observe)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			return out, nil
		}
	}

	out, err := c.directRun(ctx, d, t.Execution, observe)
	if err != nil {
		if apperr.Is(err, apperr.KindInvocationExhausted) {
			metrics.CascadeExhausted.Inc()
		}
		return Outcome{}, err
	}
	return out, nil
}

// trigger reports ok=false when the budget is spent without a 2xx answer.
// A 2xx answer ends the cascade even when its body holds no usable value.
func (c *Cascade) trigger(ctx context.Context, d Deployment, strategy extract.Strategy, ns engine.Namespace, policy retry.Policy, observe Observer) (Outcome, bool, error) {
	var body []byte
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		metrics.CascadeAttempts.WithLabelValues(string(strategy)).Inc()
		code, b, err := c.engine.TriggerWebhook(ctx, ns, d.TriggerPath)
		if err == nil && (code < 200 || code >= 300) {
			err = fmt.Errorf("%s answered %d", strategy, code)
		}
		observe(Attempt{Strategy: strategy, Number: attempt, Err: err})
		if err != nil {
			c.logger.Debug("Trigger attempt failed",
				zap.String("strategy", string(strategy)),
				zap.String("workflow_id", d.WorkflowID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		body = b
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome{}, false, ctxErr
	}
	if err != nil {
		c.logger.Info("Trigger strategy exhausted",
			zap.String("strategy", string(strategy)),
			zap.String("workflow_id", d.WorkflowID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return Outcome{}, false, nil
	}

	v, err := extract.Value(body, strategy)
	if err != nil {
		return Outcome{}, false, err
	}
	metrics.CascadeWins.WithLabelValues(string(strategy)).Inc()
	return Outcome{Value: v, Strategy: strategy, Attempts: attempts}, true, nil
}

var errNoComputeOutput = errors.New("execution finished without compute output")

func (c *Cascade) directRun(ctx context.Context, d Deployment, policy retry.Policy, observe Observer) (Outcome, error) {
	const strategy = extract.StrategyDirectRun
	metrics.CascadeAttempts.WithLabelValues(string(strategy)).Inc()
	eid, err := c.engine.RunWorkflow(ctx, d.WorkflowID)
	observe(Attempt{Strategy: strategy, Number: 0, Err: err})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Wrap(apperr.KindInvocationExhausted, "cascade.run", err)
		}
		return Outcome{}, err
	}

	var doc []byte
	finished, attempts, err := policy.Until(ctx, func(ctx context.Context, attempt int) (bool, error) {
		raw, err := c.engine.GetExecution(ctx, eid)
		observe(Attempt{Strategy: strategy, Number: attempt, Err: err})
		if err != nil {
			return false, err
		}
		if !extract.ExecutionFinished(raw) {
			return false, nil
		}
		if !extract.ComputeOutputPresent(raw) {
			return false, retry.Permanent(errNoComputeOutput)
		}
		doc = raw
		return true, nil
	})
	switch {
	case ctx.Err() != nil:
		return Outcome{}, ctx.Err()
	case errors.Is(err, errNoComputeOutput):
		return Outcome{}, apperr.Wrap(apperr.KindResultExtraction, "cascade.execution", err)
	case apperr.Is(err, apperr.KindEngineUnreachable):
		return Outcome{}, err
	case !finished:
		cause := err
		if cause == nil {
			cause = fmt.Errorf("execution %s not finished after %d polls", eid, attempts)
		}
		return Outcome{}, apperr.Wrap(apperr.KindInvocationExhausted, "cascade.execution", cause)
	}

	v, err := extract.Value(doc, strategy)
	if err != nil {
		return Outcome{}, err
	}
	metrics.CascadeWins.WithLabelValues(string(strategy)).Inc()
	c.logger.Info("Direct run produced result",
		zap.String("workflow_id", d.WorkflowID),
		zap.String("execution_id", eid),
		zap.Int("polls", attempts),
	)
	return Outcome{Value: v, Strategy: strategy, Attempts: attempts}, nil
}
