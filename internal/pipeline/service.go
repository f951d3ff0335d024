// Package pipeline runs one free-text query end to end: parse, synthesize,
// deploy, activate, invoke and extract.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/cascade"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/lease"
	"github.com/Kocoro-lab/cryptoquery/internal/metrics"
	"github.com/Kocoro-lab/cryptoquery/internal/reaper"
	"github.com/Kocoro-lab/cryptoquery/internal/retry"
	"github.com/Kocoro-lab/cryptoquery/internal/streaming"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
	"github.com/Kocoro-lab/cryptoquery/internal/tracing"
	"github.com/Kocoro-lab/cryptoquery/internal/util"
)

// Engine is the workflow engine surface the pipeline drives.
type Engine interface {
	reaper.Engine
	cascade.Engine
	CreateWorkflow(ctx context.Context, def synth.Workflow) (string, error)
	ActivateWorkflow(ctx context.Context, id string) error
	PollUntilActive(ctx context.Context, id string, policy retry.Policy) (bool, error)
}

// Timing bundles every hot-reloadable wait of a run.
type Timing struct {
	Activation retry.Policy
	Cascade    cascade.Timing
}

// DefaultTiming is 10x5s activation polling plus the cascade defaults.
func DefaultTiming() Timing {
	return Timing{Activation: retry.Constant(10, 5*time.Second), Cascade: cascade.DefaultTiming()}
}

// Options wires a Service. Engine is required; nil Parser, Synth, Leases,
// Events and Audit fall back to defaults, and a nil Reaper disables reaping.
type Options struct {
	Engine Engine
	Parser *intent.Parser
	Synth  *synth.Synthesizer
	Reaper *reaper.Reaper
	Leases lease.Store
	Events *streaming.Manager
	Audit  audit.Recorder
	Timing Timing

	// Owner identifies this process in the lease store.
	Owner             string
	LeaseTTL          time.Duration
	CleanupOnComplete bool
	// EventRetention keeps a finished run's events for late subscribers.
	EventRetention time.Duration
}

// Service executes queries. It is safe for concurrent use; each Submit owns
// its own intent, spec and deployment.
type Service struct {
	engine  Engine
	parser  *intent.Parser
	synth   *synth.Synthesizer
	reaper  *reaper.Reaper
	leases  lease.Store
	events  *streaming.Manager
	audit   audit.Recorder
	cascade *cascade.Cascade
	logger  *zap.Logger

	owner          string
	leaseTTL       time.Duration
	cleanup        bool
	eventRetention time.Duration

	mu         sync.RWMutex
	activation retry.Policy
}

// New builds a Service.
func New(opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parser == nil {
		opts.Parser = intent.NewParser(intent.DefaultVocabulary())
	}
	if opts.Synth == nil {
		opts.Synth = synth.New(synth.Config{}, synth.WithLimits(opts.Parser.Limit))
	}
	if opts.Leases == nil {
		opts.Leases = lease.NewMemoryStore()
	}
	if opts.Events == nil {
		opts.Events = streaming.NewManager(streaming.DefaultCapacity)
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Owner == "" {
		opts.Owner = lease.NewOwner()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = 5 * time.Minute
	}
	return &Service{
		engine:         opts.Engine,
		parser:         opts.Parser,
		synth:          opts.Synth,
		reaper:         opts.Reaper,
		leases:         opts.Leases,
		events:         opts.Events,
		audit:          opts.Audit,
		cascade:        cascade.New(opts.Engine, opts.Timing.Cascade, logger),
		logger:         logger,
		owner:          opts.Owner,
		leaseTTL:       opts.LeaseTTL,
		cleanup:        opts.CleanupOnComplete,
		eventRetention: opts.EventRetention,
		activation:     opts.Timing.Activation,
	}
}

// Events exposes the progress hub.
func (s *Service) Events() *streaming.Manager { return s.events }

// Owner returns this process's lease token.
func (s *Service) Owner() string { return s.owner }

// UpdateTiming swaps the waits used by runs that start afterwards.
func (s *Service) UpdateTiming(t Timing) {
	s.mu.Lock()
	s.activation = t.Activation
	s.mu.Unlock()
	s.cascade.SetTiming(t.Cascade)
	s.logger.Info("Pipeline timing updated",
		zap.Duration("settle_delay", t.Cascade.SettleDelay),
		zap.Int("activation_attempts", t.Activation.MaxAttempts),
		zap.Int("production_attempts", t.Cascade.Production.MaxAttempts),
		zap.Int("test_attempts", t.Cascade.Test.MaxAttempts),
		zap.Int("execution_attempts", t.Cascade.Execution.MaxAttempts),
	)
}

// Timing returns the current waits.
func (s *Service) Timing() Timing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Timing{Activation: s.activation, Cascade: s.cascade.Timing()}
}

// Preview parses and synthesizes text without touching the engine. The
// returned spec has its market-data key masked.
func (s *Service) Preview(text string) (intent.Intent, *synth.WorkflowSpec, error) {
	in := s.parser.Parse(text)
	spec, err := s.synth.Synthesize(in)
	if err != nil {
		return in, nil, err
	}
	return in, spec.Redacted(), nil
}

// Reap runs one stale-workflow sweep. ok is false when reaping is disabled.
func (s *Service) Reap(ctx context.Context) (reaper.Report, bool) {
	if s.reaper == nil {
		return reaper.Report{}, false
	}
	return s.reaper.Reap(ctx), true
}

// Recent lists audited runs newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	return s.audit.Recent(ctx, limit)
}

// Request is one query submission.
type Request struct {
	// ID names the run for progress streaming; empty gets a fresh uuid.
	ID     string
	Query  string
	Source string
	// RequestID is the caller's correlation id. It is logged, never used as
	// the run id.
	RequestID string
}

// NewRunID returns a fresh run id.
func NewRunID() string { return uuid.NewString() }

// Submit runs the whole pipeline for req. The returned Run is never nil and
// carries the failure when err is non-nil.
func (s *Service) Submit(ctx context.Context, req Request) (*Run, error) {
	if req.ID == "" {
		req.ID = NewRunID()
	}
	if req.Source == "" {
		req.Source = "api"
	}
	run := &Run{ID: req.ID, Query: req.Query, StartedAt: time.Now().UTC()}
	log := s.logger.With(zap.String("run_id", run.ID))
	if req.RequestID != "" {
		log = log.With(zap.String("request_id", req.RequestID))
	}

	ctx, span := tracing.StartSpan(ctx, "pipeline.submit")
	defer span.End()

	metrics.QueriesSubmitted.WithLabelValues(req.Source).Inc()
	metrics.InFlightQueries.Inc()
	defer metrics.InFlightQueries.Dec()

	err := s.execute(ctx, run, log)
	run.Duration = time.Since(run.StartedAt)
	if err != nil {
		run.fail(err)
		tracing.RecordError(span, err)
		log.Warn("Query failed",
			zap.String("query", run.Query),
			zap.String("state", string(run.lastState)),
			zap.String("error_kind", run.ErrorKind()),
			zap.Error(err),
		)
		s.publish(run, streaming.Event{Type: streaming.EventFailed, State: string(StateFailed), Message: err.Error()})
	} else {
		run.State = StateCompleted
		v := run.Result
		log.Info("Query completed",
			zap.String("query", run.Query),
			zap.Float64("result", run.Result),
			zap.String("strategy", string(run.Strategy)),
			zap.Duration("duration", run.Duration),
		)
		s.publish(run, streaming.Event{Type: streaming.EventCompleted, State: string(StateCompleted), Strategy: string(run.Strategy), Result: &v})
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.RecordQuery(status, run.ErrorKind(), run.Duration.Seconds())
	s.audit.Record(run.Record())
	s.events.ForgetAfter(run.ID, s.eventRetention)
	return run, err
}

func (s *Service) execute(ctx context.Context, run *Run, log *zap.Logger) error {
	in := s.parser.Parse(run.Query)
	run.Intent = in
	s.transition(run, StateParsed, "")

	if s.reaper != nil {
		stop := stageTimer("reap")
		rep := s.reaper.Reap(ctx)
		stop()
		run.Reaped = len(rep.Deleted)
		if len(rep.Deleted) > 0 {
			s.publish(run, streaming.Event{Type: streaming.EventReaped, Message: fmt.Sprintf("removed %d stale workflows", len(rep.Deleted))})
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	spec, err := s.synth.Synthesize(in)
	if err != nil {
		return err
	}
	run.Spec = spec
	s.transition(run, StateSynthesized, spec.Name)
	log.Debug("Workflow synthesized",
		zap.String("workflow", spec.Name),
		zap.String("fetch_url", util.RedactURL(s.synth.FetchURL(spec.Fetch), "api_key")),
	)

	if err := s.leases.Acquire(ctx, spec.Name, s.owner, s.leaseTTL); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Without a lease another process's reaper may remove the
		// workflow once the grace period passes.
		log.Warn("Lease not acquired", zap.String("workflow", spec.Name), zap.Error(err))
	}
	defer s.releaseLease(ctx, spec.Name, log)
	defer s.keepLease(ctx, spec.Name, log)()

	stop := stageTimer("create")
	workflowID, err := s.engine.CreateWorkflow(ctx, spec.Definition)
	stop()
	if err != nil {
		return err
	}
	run.WorkflowID = workflowID
	if s.cleanup {
		defer s.deleteOwn(ctx, workflowID)
	}
	s.transition(run, StateCreated, workflowID)

	stop = stageTimer("activate")
	if err := s.engine.ActivateWorkflow(ctx, workflowID); err != nil {
		stop()
		return err
	}
	active, err := s.engine.PollUntilActive(ctx, workflowID, s.Timing().Activation)
	stop()
	if err != nil {
		return err
	}
	if !active {
		return apperr.New(apperr.KindActivationTimeout, "pipeline.activate",
			fmt.Sprintf("workflow %s never reported active", workflowID))
	}
	s.transition(run, StateActivated, workflowID)

	stop = stageTimer("invoke")
	out, err := s.cascade.Invoke(ctx, cascade.Deployment{WorkflowID: workflowID, TriggerPath: spec.TriggerPath}, func(a cascade.Attempt) {
		evt := streaming.Event{Type: streaming.EventAttempt, Strategy: string(a.Strategy), Attempt: a.Number}
		if a.Err != nil {
			evt.Message = a.Err.Error()
		}
		s.publish(run, evt)
	})
	stop()
	if err != nil {
		return err
	}
	run.Strategy = out.Strategy
	run.Result = out.Value
	s.transition(run, StateInvoked, string(out.Strategy))
	return nil
}

// keepLease renews the lease every third of its TTL until the returned stop
// func is called.
func (s *Service) keepLease(ctx context.Context, name string, log *zap.Logger) (stop func()) {
	interval := s.leaseTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.leases.Acquire(ctx, name, s.owner, s.leaseTTL); err != nil && ctx.Err() == nil {
					log.Warn("Lease renewal failed", zap.String("workflow", name), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Service) releaseLease(ctx context.Context, name string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.leases.Release(ctx, name, s.owner); err != nil {
		log.Warn("Lease release failed", zap.String("workflow", name), zap.Error(err))
	}
}

func (s *Service) deleteOwn(ctx context.Context, workflowID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	s.engine.DeleteWorkflow(ctx, workflowID)
}

func (s *Service) transition(run *Run, state State, detail string) {
	run.State = state
	run.lastState = state
	s.publish(run, streaming.Event{Type: streaming.EventStateChanged, State: string(state), Message: detail})
}

func (s *Service) publish(run *Run, evt streaming.Event) {
	s.events.Publish(run.ID, evt)
}

func stageTimer(stage string) func() {
	start := time.Now()
	return func() {
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// IsCanceled reports whether err came from the caller abandoning the run.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
