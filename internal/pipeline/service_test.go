package pipeline

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/cascade"
	"github.com/Kocoro-lab/cryptoquery/internal/engine"
	"github.com/Kocoro-lab/cryptoquery/internal/extract"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/lease"
	"github.com/Kocoro-lab/cryptoquery/internal/reaper"
	"github.com/Kocoro-lab/cryptoquery/internal/retry"
	"github.com/Kocoro-lab/cryptoquery/internal/streaming"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	createErr   error
	active      bool
	webhookCode map[engine.Namespace]int
	webhookBody string
	execution   string
	stale       []engine.WorkflowSummary
	onCreate    func(def synth.Workflow)
	onPoll      func()
	created     []synth.Workflow
	deleted     []string
}

func (f *fakeEngine) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeEngine) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeEngine) ListWorkflows(context.Context) ([]engine.WorkflowSummary, error) {
	f.record("list")
	return f.stale, nil
}

func (f *fakeEngine) DeleteWorkflow(_ context.Context, id string) bool {
	f.record("delete")
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return true
}

func (f *fakeEngine) CreateWorkflow(_ context.Context, def synth.Workflow) (string, error) {
	f.record("create")
	if f.onCreate != nil {
		f.onCreate(def)
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	f.created = append(f.created, def)
	f.mu.Unlock()
	return "wf-42", nil
}

func (f *fakeEngine) ActivateWorkflow(context.Context, string) error {
	f.record("activate")
	return nil
}

func (f *fakeEngine) PollUntilActive(context.Context, string, retry.Policy) (bool, error) {
	f.record("poll")
	if f.onPoll != nil {
		f.onPoll()
	}
	return f.active, nil
}

func (f *fakeEngine) TriggerWebhook(_ context.Context, ns engine.Namespace, _ string) (int, []byte, error) {
	f.record("trigger:" + string(ns))
	code, ok := f.webhookCode[ns]
	if !ok {
		return http.StatusNotFound, nil, nil
	}
	return code, []byte(f.webhookBody), nil
}

func (f *fakeEngine) RunWorkflow(context.Context, string) (string, error) {
	f.record("run")
	return "9", nil
}

func (f *fakeEngine) GetExecution(context.Context, string) ([]byte, error) {
	f.record("execution")
	if f.execution == "" {
		return []byte(`{"data":{"finished":false}}`), nil
	}
	return []byte(f.execution), nil
}

type memRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (m *memRecorder) Record(r audit.Record) {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
}

func (m *memRecorder) Recent(context.Context, int) ([]audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Record(nil), m.records...), nil
}

func (m *memRecorder) Close() error { return nil }

func fastTiming() Timing {
	return Timing{
		Activation: retry.Constant(3, time.Millisecond),
		Cascade: cascade.Timing{
			Production: retry.Constant(2, time.Millisecond),
			Test:       retry.Constant(2, time.Millisecond),
			Execution:  retry.Constant(3, time.Millisecond),
		},
	}
}

type harness struct {
	svc    *Service
	engine *fakeEngine
	leases *lease.MemoryStore
	audit  *memRecorder
	events *streaming.Manager
}

func newHarness(t *testing.T, e *fakeEngine, mutate func(*Options)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	leases := lease.NewMemoryStore()
	rec := &memRecorder{}
	events := streaming.NewManager(64)
	opts := Options{
		Engine: e,
		Reaper: reaper.New(e, leases, reaper.Config{Prefix: synth.DefaultNamePrefix}, logger),
		Leases: leases,
		Events: events,
		Audit:  rec,
		Timing: fastTiming(),
		Owner:  "owner-test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{svc: New(opts, logger), engine: e, leases: leases, audit: rec, events: events}
}

func TestSubmitProductionTrigger(t *testing.T) {
	e := &fakeEngine{
		active:      true,
		webhookCode: map[engine.Namespace]int{engine.NamespaceProduction: 200},
		webhookBody: `[{"json":{"result":3150.75}}]`,
	}
	h := newHarness(t, e, nil)

	run, err := h.svc.Submit(context.Background(), Request{ID: "run-1", Query: "average close price of ETH last 1y"})
	require.NoError(t, err)
	assert.Equal(t, 3150.75, run.Result)
	assert.Equal(t, extract.StrategyProduction, run.Strategy)
	assert.Equal(t, StateCompleted, run.State)
	assert.Equal(t, "wf-42", run.WorkflowID)
	assert.Equal(t, intent.Intent{Metric: intent.MetricAvg, Field: intent.FieldClosePrice, Symbol: "ETH", Currency: "USD", Timeframe: "1y"}, run.Intent)
	assert.Equal(t, 365, run.Spec.Fetch.Limit)

	assert.Equal(t, []string{"list", "create", "activate", "poll", "trigger:webhook"}, e.calls)

	var states []string
	for _, evt := range h.events.ReplaySince("run-1", 0) {
		if evt.Type == streaming.EventStateChanged {
			states = append(states, evt.State)
		}
	}
	assert.Equal(t, []string{"parsed", "synthesized", "created", "activated", "invoked"}, states)
	last := h.events.ReplaySince("run-1", 0)
	assert.True(t, last[len(last)-1].Terminal())

	require.Len(t, h.audit.records, 1)
	assert.Equal(t, "completed", h.audit.records[0].State)
	require.NotNil(t, h.audit.records[0].Result)
	assert.Equal(t, 3150.75, *h.audit.records[0].Result)

	_, held, _ := h.leases.Holder(context.Background(), run.Spec.Name)
	assert.False(t, held, "lease is released when the run ends")
}

func TestSubmitCreateNotFound(t *testing.T) {
	e := &fakeEngine{
		createErr: apperr.Wrap(apperr.KindDeployment, "engine.create", &engine.StatusError{Op: "create", Code: 404}),
		stale:     []engine.WorkflowSummary{{ID: "old-1", Name: "crypto_workflow_old00001", CreatedAt: time.Now().Add(-time.Hour)}},
	}
	h := newHarness(t, e, nil)

	run, err := h.svc.Submit(context.Background(), Request{ID: "run-404", Query: "max close price of BTC"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindDeployment, apperr.KindOf(err))
	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, StateSynthesized, run.FailedAt())
	assert.Equal(t, []string{"list", "delete", "create"}, e.calls, "reaper ran before create")

	// reaping precedes synthesis
	var order []string
	for _, evt := range h.events.ReplaySince("run-404", 0) {
		switch {
		case evt.Type == streaming.EventReaped:
			order = append(order, "reaped")
		case evt.Type == streaming.EventStateChanged && evt.State == string(StateSynthesized):
			order = append(order, "synthesized")
		}
	}
	assert.Equal(t, []string{"reaped", "synthesized"}, order)
	assert.Zero(t, e.count("activate"))
	assert.Zero(t, e.count("trigger:webhook"))
	assert.Zero(t, e.count("run"))

	require.Len(t, h.audit.records, 1)
	assert.Equal(t, "deployment_error", h.audit.records[0].ErrorKind)
}

func TestSubmitActivationTimeout(t *testing.T) {
	e := &fakeEngine{active: false}
	h := newHarness(t, e, nil)

	run, err := h.svc.Submit(context.Background(), Request{Query: "max volume of SOL"})
	assert.Equal(t, apperr.KindActivationTimeout, apperr.KindOf(err))
	assert.Equal(t, StateCreated, run.FailedAt())
	assert.Zero(t, e.count("trigger:webhook"))
}

func TestSubmitFallsBackToDirectRun(t *testing.T) {
	e := &fakeEngine{
		active:    true,
		execution: `{"data":{"finished":true,"resultData":{"runData":{"Calculate":[{"data":{"main":[[{"json":{"result":812345.5}}]]}}]}}}}`,
	}
	h := newHarness(t, e, nil)

	run, err := h.svc.Submit(context.Background(), Request{Query: "max volume of BTC"})
	require.NoError(t, err)
	assert.Equal(t, 812345.5, run.Result)
	assert.Equal(t, extract.StrategyDirectRun, run.Strategy)
	assert.Equal(t, 2, e.count("trigger:webhook"))
	assert.Equal(t, 2, e.count("trigger:webhook-test"))
	assert.Equal(t, 1, e.count("run"))
}

func TestSubmitInvocationExhausted(t *testing.T) {
	e := &fakeEngine{active: true}
	h := newHarness(t, e, nil)

	_, err := h.svc.Submit(context.Background(), Request{Query: "max volume of BTC"})
	assert.Equal(t, apperr.KindInvocationExhausted, apperr.KindOf(err))
	assert.Equal(t, 3, e.count("execution"))
}

func TestLeaseHeldWhileDeploying(t *testing.T) {
	e := &fakeEngine{active: true, webhookCode: map[engine.Namespace]int{engine.NamespaceProduction: 200}, webhookBody: `[{"json":{"result":1}}]`}
	var h *harness
	var holder string
	var held bool
	e.onCreate = func(def synth.Workflow) {
		holder, held, _ = h.leases.Holder(context.Background(), def.Name)
	}
	h = newHarness(t, e, nil)

	_, err := h.svc.Submit(context.Background(), Request{Query: "max close price of BTC"})
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "owner-test", holder)
}

func TestLeaseRenewedDuringLongRun(t *testing.T) {
	e := &fakeEngine{active: true, webhookCode: map[engine.Namespace]int{engine.NamespaceProduction: 200}, webhookBody: `[{"json":{"result":1}}]`}
	var h *harness
	var name string
	var held bool
	e.onCreate = func(def synth.Workflow) { name = def.Name }
	e.onPoll = func() {
		// outlive several TTLs while the workflow is deployed
		time.Sleep(300 * time.Millisecond)
		_, held, _ = h.leases.Holder(context.Background(), name)
	}
	h = newHarness(t, e, func(o *Options) { o.LeaseTTL = 90 * time.Millisecond })

	_, err := h.svc.Submit(context.Background(), Request{Query: "max close price of BTC"})
	require.NoError(t, err)
	assert.True(t, held, "lease outlives its TTL while the run is in flight")

	_, held, _ = h.leases.Holder(context.Background(), name)
	assert.False(t, held, "released at the end")
}

func TestReaperSkipsLiveDeployments(t *testing.T) {
	e := &fakeEngine{
		active:      true,
		webhookCode: map[engine.Namespace]int{engine.NamespaceProduction: 200},
		webhookBody: `[{"json":{"result":1}}]`,
		stale: []engine.WorkflowSummary{
			{ID: "old-1", Name: "crypto_workflow_old00001", CreatedAt: time.Now().Add(-time.Hour)},
			{ID: "busy-1", Name: "crypto_workflow_busy0001", CreatedAt: time.Now().Add(-time.Hour)},
		},
	}
	h := newHarness(t, e, nil)
	require.NoError(t, h.leases.Acquire(context.Background(), "crypto_workflow_busy0001", "other-owner", time.Hour))

	run, err := h.svc.Submit(context.Background(), Request{Query: "max close price of BTC"})
	require.NoError(t, err)
	assert.Equal(t, []string{"old-1"}, e.deleted)
	assert.Equal(t, 1, run.Reaped)
}

func TestCleanupOnComplete(t *testing.T) {
	e := &fakeEngine{active: true, webhookCode: map[engine.Namespace]int{engine.NamespaceProduction: 200}, webhookBody: `[{"json":{"result":1}}]`}
	h := newHarness(t, e, func(o *Options) { o.CleanupOnComplete = true })

	_, err := h.svc.Submit(context.Background(), Request{Query: "max close price of BTC"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-42"}, e.deleted)
}

func TestSubmitCanceledContext(t *testing.T) {
	e := &fakeEngine{active: true}
	h := newHarness(t, e, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.svc.Submit(ctx, Request{Query: "max close price of BTC"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", run.ErrorKind())
	assert.Zero(t, e.count("create"))
}

func TestPreviewMakesNoEngineCalls(t *testing.T) {
	e := &fakeEngine{}
	h := newHarness(t, e, nil)

	in, spec, err := h.svc.Preview("trung bình giá đóng cửa của ETH từ 2023 đến nay")
	require.NoError(t, err)
	assert.Equal(t, intent.MetricAvg, in.Metric)
	assert.Equal(t, "ETH", in.Symbol)
	assert.Equal(t, 730, spec.Fetch.Limit)
	assert.Empty(t, e.calls)
}

func TestUpdateTiming(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, nil)
	next := DefaultTiming()
	h.svc.UpdateTiming(next)
	assert.Equal(t, next, h.svc.Timing())
}

func TestRunRecordOnFailure(t *testing.T) {
	run := &Run{ID: "r", Query: "q", State: StateFailed, Err: apperr.New(apperr.KindResultExtraction, "x", "bad shape")}
	rec := run.Record()
	assert.Equal(t, "result_extraction_error", rec.ErrorKind)
	assert.Nil(t, rec.Result)
	assert.Contains(t, rec.Error, "bad shape")
}
