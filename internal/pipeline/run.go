package pipeline

import (
	"time"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/extract"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

// State is a step of the request state machine.
type State string

const (
	StateParsed      State = "parsed"
	StateSynthesized State = "synthesized"
	StateCreated     State = "created"
	StateActivated   State = "activated"
	StateInvoked     State = "invoked"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Run is the record of one submission.
type Run struct {
	ID         string
	Query      string
	Intent     intent.Intent
	Spec       *synth.WorkflowSpec
	WorkflowID string
	State      State
	Strategy   extract.Strategy
	Result     float64
	Err        error
	Reaped     int
	StartedAt  time.Time
	Duration   time.Duration

	// last state reached before failing
	lastState State
}

func (r *Run) fail(err error) {
	r.Err = err
	r.State = StateFailed
}

// FailedAt is the last state reached before a failure.
func (r *Run) FailedAt() State { return r.lastState }

// ErrorKind names the failure class, or "" on success. Cancellation is
// reported as "canceled".
func (r *Run) ErrorKind() string {
	if r.Err == nil {
		return ""
	}
	if IsCanceled(r.Err) {
		return "canceled"
	}
	return apperr.KindOf(r.Err).String()
}

// Record converts the run to its audit row.
func (r *Run) Record() audit.Record {
	rec := audit.Record{
		ID:         r.ID,
		Query:      r.Query,
		Metric:     string(r.Intent.Metric),
		Field:      string(r.Intent.Field),
		Symbol:     r.Intent.Symbol,
		Currency:   r.Intent.Currency,
		Timeframe:  r.Intent.Timeframe,
		WorkflowID: r.WorkflowID,
		Strategy:   string(r.Strategy),
		State:      string(r.State),
		ErrorKind:  r.ErrorKind(),
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Spec != nil {
		rec.WorkflowName = r.Spec.Name
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	} else if r.State == StateCompleted {
		v := r.Result
		rec.Result = &v
	}
	return rec
}
