package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
)

const executionDoc = `{
  "data": {
    "finished": true,
    "resultData": {
      "runData": {
        "Calculate": [
          {"data": {"main": [[{"json": {"result": 64123.5}}]]}}
        ]
      }
    }
  }
}`

func TestValueWebhook(t *testing.T) {
	for _, s := range []Strategy{StrategyProduction, StrategyTest} {
		v, err := Value([]byte(`[{"json":{"result":42.25}}]`), s)
		require.NoError(t, err)
		assert.Equal(t, 42.25, v)

		// lastNode/allEntries answers with the bare item objects
		v, err = Value([]byte(`[{"result":42}]`), s)
		require.NoError(t, err)
		assert.Equal(t, 42.0, v)
	}
}

func TestValueExecution(t *testing.T) {
	v, err := Value([]byte(executionDoc), StrategyDirectRun)
	require.NoError(t, err)
	assert.Equal(t, 64123.5, v)
	assert.True(t, ExecutionFinished([]byte(executionDoc)))
	assert.True(t, ComputeOutputPresent([]byte(executionDoc)))
}

func TestValueShapeMismatch(t *testing.T) {
	cases := []struct {
		raw string
		s   Strategy
	}{
		{`{"message":"Workflow was started"}`, StrategyProduction},
		{`[{"json":{"result":"NaN"}}]`, StrategyTest},
		{`[{"result":"NaN"}]`, StrategyTest},
		{`[{"value":1}]`, StrategyProduction},
		{`[]`, StrategyProduction},
		{`not json`, StrategyProduction},
		{executionDoc, StrategyProduction},
		{`[{"json":{"result":1}}]`, StrategyDirectRun},
		{`{"data":{"finished":true}}`, StrategyDirectRun},
		{`[{"json":{"result":1}}]`, Strategy("carrier_pigeon")},
	}
	for _, c := range cases {
		_, err := Value([]byte(c.raw), c.s)
		require.Error(t, err, c.raw)
		assert.Equal(t, apperr.KindResultExtraction, apperr.KindOf(err), c.raw)
	}
}

func TestExecutionHelpers(t *testing.T) {
	assert.False(t, ExecutionFinished([]byte(`{"data":{"finished":false}}`)))
	assert.False(t, ComputeOutputPresent([]byte(`{"data":{"finished":true,"resultData":{"runData":{}}}}`)))

	id, ok := ExecutionID([]byte(`{"data":{"executionId":"123"}}`))
	assert.True(t, ok)
	assert.Equal(t, "123", id)

	id, ok = ExecutionID([]byte(`{"data":{"executionId":77}}`))
	assert.True(t, ok)
	assert.Equal(t, "77", id)

	_, ok = ExecutionID([]byte(`{"data":{}}`))
	assert.False(t, ok)
}
