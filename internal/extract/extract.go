// Package extract reads the computed scalar out of the payload returned by
// each invocation strategy.
package extract

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

// Strategy identifies how the deployed workflow was invoked.
type Strategy string

const (
	StrategyProduction Strategy = "production_trigger"
	StrategyTest       Strategy = "test_trigger"
	StrategyDirectRun  Strategy = "direct_run"
)

// Webhook responses carry the first item either wrapped as {"json":{...}}
// or, with lastNode/allEntries, as the bare json object.
var webhookResultPaths = []string{"0.json.result", "0.result"}

const (

	executionFinishedPath = "data.finished"
	executionIDPath       = "data.executionId"
)

// ComputeOutputPath is where the compute stage's first output item lives in
// an execution document.
var ComputeOutputPath = "data.resultData.runData." + escape(synth.StageCompute) + ".0.data.main.0.0.json"

// Paths returns the gjson paths tried, in order, for a strategy's scalar.
func Paths(s Strategy) ([]string, error) {
	switch s {
	case StrategyProduction, StrategyTest:
		return webhookResultPaths, nil
	case StrategyDirectRun:
		return []string{ComputeOutputPath + ".result"}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", s)
	}
}

// Value returns the numeric result held in raw for the given strategy. Any
// other shape is a result-extraction error.
func Value(raw []byte, s Strategy) (float64, error) {
	const op = "extract.Value"
	paths, err := Paths(s)
	if err != nil {
		return 0, &apperr.Error{Kind: apperr.KindResultExtraction, Op: op, Err: err}
	}
	if !gjson.ValidBytes(raw) {
		return 0, apperr.New(apperr.KindResultExtraction, op, fmt.Sprintf("%s response is not JSON", s))
	}
	for _, path := range paths {
		res := gjson.GetBytes(raw, path)
		if !res.Exists() {
			continue
		}
		if res.Type != gjson.Number {
			return 0, apperr.New(apperr.KindResultExtraction, op, fmt.Sprintf("%s result is %s, not a number", s, res.Type))
		}
		return res.Float(), nil
	}
	return 0, apperr.New(apperr.KindResultExtraction, op,
		fmt.Sprintf("%s response has no value at %s", s, strings.Join(paths, " or ")))
}

// ExecutionFinished reports whether an execution document says finished.
func ExecutionFinished(raw []byte) bool {
	return gjson.GetBytes(raw, executionFinishedPath).Bool()
}

// ComputeOutputPresent reports whether the compute stage produced output.
func ComputeOutputPresent(raw []byte) bool {
	return gjson.GetBytes(raw, ComputeOutputPath).Exists()
}

// ExecutionID reads the execution id from a run response. Ids may be
// numeric or string depending on engine version.
func ExecutionID(raw []byte) (string, bool) {
	res := gjson.GetBytes(raw, executionIDPath)
	if !res.Exists() {
		return "", false
	}
	id := strings.TrimSpace(res.String())
	return id, id != ""
}

func escape(s string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(s)
}
