package cascade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/engine"
	"github.com/Kocoro-lab/cryptoquery/internal/extract"
	"github.com/Kocoro-lab/cryptoquery/internal/retry"
)

const (
	webhookOK   = `[{"json":{"result":64231.5}}]`
	finishedDoc = `{"data":{"finished":true,"resultData":{"runData":{"Calculate":[{"data":{"main":[[{"json":{"result":1234.5}}]]}}]}}}}`
)

type call struct {
	op string
	ns engine.Namespace
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []call

	// status per namespace; missing means 404
	status     map[engine.Namespace]int
	body       map[engine.Namespace]string
	triggerErr error
	runErr     error
	executions []string
	execErr    error
}

func (f *fakeEngine) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeEngine) TriggerWebhook(_ context.Context, ns engine.Namespace, path string) (int, []byte, error) {
	f.record(call{op: "trigger", ns: ns})
	if f.triggerErr != nil {
		return 0, nil, f.triggerErr
	}
	code, ok := f.status[ns]
	if !ok {
		return 404, []byte(`{"code":404}`), nil
	}
	return code, []byte(f.body[ns]), nil
}

func (f *fakeEngine) RunWorkflow(context.Context, string) (string, error) {
	f.record(call{op: "run"})
	if f.runErr != nil {
		return "", f.runErr
	}
	return "77", nil
}

func (f *fakeEngine) GetExecution(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	n := 0
	for _, c := range f.calls {
		if c.op == "execution" {
			n++
		}
	}
	f.mu.Unlock()
	f.record(call{op: "execution"})
	if f.execErr != nil {
		return nil, f.execErr
	}
	if n >= len(f.executions) {
		return []byte(`{"data":{"finished":false}}`), nil
	}
	return []byte(f.executions[n]), nil
}

func (f *fakeEngine) count(op string, ns engine.Namespace) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op && c.ns == ns {
			n++
		}
	}
	return n
}

func fastTiming() Timing {
	return Timing{
		Production: retry.Constant(5, time.Millisecond),
		Test:       retry.Constant(5, time.Millisecond),
		Execution:  retry.Constant(10, time.Millisecond),
	}
}

var dep = Deployment{WorkflowID: "wf-1", TriggerPath: "crypto/abc12345"}

func TestProductionSuccessShortCircuits(t *testing.T) {
	e := &fakeEngine{
		status: map[engine.Namespace]int{engine.NamespaceProduction: 200},
		body:   map[engine.Namespace]string{engine.NamespaceProduction: webhookOK},
	}
	out, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	require.NoError(t, err)
	assert.Equal(t, 64231.5, out.Value)
	assert.Equal(t, extract.StrategyProduction, out.Strategy)
	assert.Equal(t, 1, e.count("trigger", engine.NamespaceProduction))
	assert.Zero(t, e.count("trigger", engine.NamespaceTest))
	assert.Zero(t, e.count("run", ""))
}

func TestProductionTriggerBareItemResponse(t *testing.T) {
	e := &fakeEngine{
		status: map[engine.Namespace]int{engine.NamespaceProduction: 200},
		body:   map[engine.Namespace]string{engine.NamespaceProduction: `[{"result":64231.5}]`},
	}
	out, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	require.NoError(t, err)
	assert.Equal(t, 64231.5, out.Value)
	assert.Equal(t, extract.StrategyProduction, out.Strategy)
	assert.Zero(t, e.count("trigger", engine.NamespaceTest))
	assert.Zero(t, e.count("run", ""))
}

func TestTestTriggerRunsOnlyAfterProductionExhausted(t *testing.T) {
	e := &fakeEngine{
		status: map[engine.Namespace]int{engine.NamespaceTest: 200},
		body:   map[engine.Namespace]string{engine.NamespaceTest: webhookOK},
	}
	var seen []Attempt
	out, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, func(a Attempt) {
		seen = append(seen, a)
	})
	require.NoError(t, err)
	assert.Equal(t, extract.StrategyTest, out.Strategy)
	assert.Equal(t, 5, e.count("trigger", engine.NamespaceProduction))
	assert.Equal(t, 1, e.count("trigger", engine.NamespaceTest))
	assert.Zero(t, e.count("run", ""))

	require.Len(t, seen, 6)
	for _, a := range seen[:5] {
		assert.Equal(t, extract.StrategyProduction, a.Strategy)
		assert.Error(t, a.Err)
	}
	assert.Equal(t, extract.StrategyTest, seen[5].Strategy)
	assert.NoError(t, seen[5].Err)
}

func TestDirectRunAfterBothTriggersExhausted(t *testing.T) {
	e := &fakeEngine{executions: []string{
		`{"data":{"finished":false}}`,
		finishedDoc,
	}}
	out, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	require.NoError(t, err)
	assert.Equal(t, 1234.5, out.Value)
	assert.Equal(t, extract.StrategyDirectRun, out.Strategy)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 5, e.count("trigger", engine.NamespaceProduction))
	assert.Equal(t, 5, e.count("trigger", engine.NamespaceTest))
	assert.Equal(t, 1, e.count("run", ""))
	assert.Equal(t, 2, e.count("execution", ""))
}

func TestTransportErrorsCountAsTriggerFailures(t *testing.T) {
	e := &fakeEngine{
		triggerErr: apperr.Wrap(apperr.KindEngineUnreachable, "engine.trigger", errors.New("refused")),
		executions: []string{finishedDoc},
	}
	out, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	require.NoError(t, err)
	assert.Equal(t, extract.StrategyDirectRun, out.Strategy)
}

func TestAllStrategiesExhausted(t *testing.T) {
	e := &fakeEngine{}
	_, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvocationExhausted, apperr.KindOf(err))
	assert.Equal(t, 10, e.count("execution", ""))
}

func TestRunFailureIsFatal(t *testing.T) {
	e := &fakeEngine{runErr: apperr.New(apperr.KindInvocationExhausted, "engine.run", "status 500")}
	_, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	assert.Equal(t, apperr.KindInvocationExhausted, apperr.KindOf(err))
	assert.Zero(t, e.count("execution", ""))
}

func TestFinishedWithoutComputeOutputIsExtractionError(t *testing.T) {
	e := &fakeEngine{executions: []string{`{"data":{"finished":true,"resultData":{"runData":{}}}}`}}
	_, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	assert.Equal(t, apperr.KindResultExtraction, apperr.KindOf(err))
	assert.Equal(t, 1, e.count("execution", ""))
}

func TestTriggerWithUnreadableBodyIsExtractionError(t *testing.T) {
	e := &fakeEngine{
		status: map[engine.Namespace]int{engine.NamespaceProduction: 200},
		body:   map[engine.Namespace]string{engine.NamespaceProduction: `{"message":"Workflow was started"}`},
	}
	_, err := New(e, fastTiming(), zaptest.NewLogger(t)).Invoke(context.Background(), dep, nil)
	assert.Equal(t, apperr.KindResultExtraction, apperr.KindOf(err))
	assert.Zero(t, e.count("trigger", engine.NamespaceTest))
}

func TestSettleDelayHonorsContext(t *testing.T) {
	e := &fakeEngine{}
	timing := fastTiming()
	timing.SettleDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(e, timing, zaptest.NewLogger(t)).Invoke(ctx, dep, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, e.calls)
}

func TestSetTiming(t *testing.T) {
	c := New(&fakeEngine{}, DefaultTiming(), nil)
	assert.Equal(t, 30*time.Second, c.Timing().SettleDelay)
	c.SetTiming(fastTiming())
	assert.Zero(t, c.Timing().SettleDelay)
	assert.Equal(t, 10, c.Timing().Execution.MaxAttempts)
}
