package synth

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
)

func TestSynthesizeEthAverageOneYear(t *testing.T) {
	s := New(Config{MarketDataAPIKey: "k"})
	spec, err := s.Synthesize(intent.Intent{
		Metric: intent.MetricAvg, Field: intent.FieldClosePrice,
		Symbol: "ETH", Currency: "USD", Timeframe: "1y",
	})
	require.NoError(t, err)

	assert.Equal(t, 365, spec.Fetch.Limit)
	assert.Equal(t, ComputeStage{Op: OpAvg, Field: FieldClose}, spec.Compute)
	assert.Equal(t, "crypto_workflow_"+spec.ID, spec.Name)
	assert.Equal(t, "crypto/"+spec.ID, spec.TriggerPath)

	raw, err := json.Marshal(spec.Definition)
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)

	assert.Equal(t, StageTrigger, doc.Get("nodes.0.name").String())
	assert.Equal(t, "crypto/"+spec.ID, doc.Get("nodes.0.parameters.path").String())
	assert.Equal(t, "GET", doc.Get("nodes.0.parameters.httpMethod").String())

	fetch, err := url.Parse(doc.Get("nodes.1.parameters.url").String())
	require.NoError(t, err)
	assert.Equal(t, "min-api.cryptocompare.com", fetch.Host)
	assert.Equal(t, "ETH", fetch.Query().Get("fsym"))
	assert.Equal(t, "USD", fetch.Query().Get("tsym"))
	assert.Equal(t, "365", fetch.Query().Get("limit"))
	assert.Equal(t, "k", fetch.Query().Get("api_key"))

	code := doc.Get("nodes.2.parameters.functionCode").String()
	assert.Contains(t, code, "item['close']")
	assert.Contains(t, code, "/ values.length")
	assert.NotContains(t, code, "Math.max")

	assert.Equal(t, StageFetch, doc.Get("connections.Webhook.main.0.0.node").String())
	assert.Equal(t, StageCompute, doc.Get("connections.CryptoCompare.main.0.0.node").String())
	assert.Equal(t, "UTC", doc.Get("settings.timezone").String())
	assert.True(t, doc.Get("settings.saveManualExecutions").Bool())
}

func TestRedactedMasksAPIKeyOnly(t *testing.T) {
	s := New(Config{MarketDataAPIKey: "secret"})
	spec, err := s.Synthesize(intent.Default())
	require.NoError(t, err)

	red := spec.Redacted()
	fetch, err := url.Parse(red.Definition.Nodes[1].Parameters["url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "REDACTED", fetch.Query().Get("api_key"))
	assert.Equal(t, "BTC", fetch.Query().Get("fsym"))
	assert.Equal(t, spec.Name, red.Name)

	// the original still carries the key for deployment
	assert.Contains(t, spec.Definition.Nodes[1].Parameters["url"].(string), "api_key=secret")
}

func TestSynthesizeMaxVolume(t *testing.T) {
	spec, err := New(Config{}).Synthesize(intent.Intent{
		Metric: intent.MetricMax, Field: intent.FieldVolume,
		Symbol: "BTC", Currency: "EUR", Timeframe: "từ 2022 đến nay",
	})
	require.NoError(t, err)
	assert.Equal(t, 1095, spec.Fetch.Limit)

	code := spec.Definition.Nodes[2].Parameters["functionCode"].(string)
	assert.Contains(t, code, "item['volumeto']")
	assert.Contains(t, code, "Math.max")
	assert.NotContains(t, spec.Definition.Nodes[1].Parameters["url"].(string), "api_key")
}

func TestSynthesizeRejectsMalformedIntent(t *testing.T) {
	s := New(Config{})
	for _, in := range []intent.Intent{
		{Metric: "median", Field: intent.FieldClosePrice, Symbol: "BTC", Currency: "USD", Timeframe: "1y"},
		{Metric: intent.MetricAvg, Field: "open", Symbol: "BTC", Currency: "USD", Timeframe: "1y"},
		{Metric: intent.MetricAvg, Field: intent.FieldClosePrice, Symbol: "BTC'];alert(1)//", Currency: "USD", Timeframe: "1y"},
	} {
		_, err := s.Synthesize(in)
		require.Error(t, err)
		assert.Equal(t, apperr.KindSynthesis, apperr.KindOf(err))
	}
}

func TestSynthesizeRejectsNonPositiveLimit(t *testing.T) {
	s := New(Config{}, WithLimits(func(string) int { return 0 }))
	_, err := s.Synthesize(intent.Default())
	assert.True(t, apperr.Is(err, apperr.KindSynthesis))
}

func TestComputeStageRejectsUnknownValues(t *testing.T) {
	_, err := ComputeStage{Op: "sum", Field: FieldClose}.FunctionCode()
	assert.Error(t, err)
	_, err = ComputeStage{Op: OpAvg, Field: "close']; process.exit(1); //"}.FunctionCode()
	assert.Error(t, err)
}

func TestNewIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^[a-z0-9]{8}$`)
	id, err := NewID(strings.NewReader(strings.Repeat("\x00\x01\xff\xfc#", 10)))
	require.NoError(t, err)
	assert.Regexp(t, re, id)
	assert.Equal(t, "ab", id[:2])
}

func TestNewIDPropagatesReaderError(t *testing.T) {
	_, err := NewID(bytes.NewReader(nil))
	assert.Error(t, err)

	s := New(Config{}, WithRandom(errReader{}))
	_, err = s.Synthesize(intent.Default())
	assert.True(t, apperr.Is(err, apperr.KindSynthesis))
}

func TestIDsUniqueAcrossManySyntheses(t *testing.T) {
	s := New(Config{})
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		spec, err := s.Synthesize(intent.Default())
		require.NoError(t, err)
		_, dup := seen[spec.ID]
		require.False(t, dup, "duplicate id %s", spec.ID)
		seen[spec.ID] = struct{}{}
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }
