package synth

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Kocoro-lab/cryptoquery/internal/intent"
)

// Op is the reduction the compute stage performs.
type Op string

const (
	OpAvg Op = "avg"
	OpMax Op = "max"
)

// SourceField is a column of the market-data daily records.
type SourceField string

const (
	FieldClose    SourceField = "close"
	FieldVolumeTo SourceField = "volumeto"
)

// ComputeStage is the typed description of the compute node. The function
// body is rendered from it and nothing else.
type ComputeStage struct {
	Op    Op          `json:"op"`
	Field SourceField `json:"field"`
}

// ComputeFor maps an intent onto a compute descriptor.
func ComputeFor(in intent.Intent) (ComputeStage, error) {
	var c ComputeStage
	switch in.Metric {
	case intent.MetricAvg:
		c.Op = OpAvg
	case intent.MetricMax:
		c.Op = OpMax
	default:
		return c, fmt.Errorf("unsupported metric %q", in.Metric)
	}
	switch in.Field {
	case intent.FieldClosePrice:
		c.Field = FieldClose
	case intent.FieldVolume:
		c.Field = FieldVolumeTo
	default:
		return c, fmt.Errorf("unsupported field %q", in.Field)
	}
	return c, nil
}

// Validate rejects descriptors outside the two enums.
func (c ComputeStage) Validate() error {
	if c.Op != OpAvg && c.Op != OpMax {
		return fmt.Errorf("unsupported op %q", c.Op)
	}
	if c.Field != FieldClose && c.Field != FieldVolumeTo {
		return fmt.Errorf("unsupported field %q", c.Field)
	}
	return nil
}

var functionTmpl = template.Must(template.New("compute").Parse(`const jsonData = items[0].json;
if (!jsonData || !jsonData.Data) {
    throw new Error("No Data field in market data response");
}
const data = Array.isArray(jsonData.Data) ? jsonData.Data : jsonData.Data.Data;
if (!Array.isArray(data) || data.length === 0) {
    throw new Error("No valid data array in market data response");
}
const values = data.map(item => item['{{.Field}}']);
if (!values.every(val => typeof val === 'number' && Number.isFinite(val))) {
    throw new Error("Invalid {{.Field}} values in data");
}
{{if eq .Op "avg"}}const result = values.reduce((a, b) => a + b, 0) / values.length;
{{else}}const result = values.reduce((a, b) => Math.max(a, b), -Infinity);
{{end}}return [{ json: { result } }];
`))

// FunctionCode renders the compute node body.
func (c ComputeStage) FunctionCode() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := functionTmpl.Execute(&buf, c); err != nil {
		return "", err
	}
	return buf.String(), nil
}
