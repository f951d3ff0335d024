package intent

import (
	"fmt"
	"regexp"
)

// Metric is the reduction applied to the fetched series.
type Metric string

const (
	MetricAvg Metric = "avg"
	MetricMax Metric = "max"
)

// Valid reports whether m is one of the supported reductions.
func (m Metric) Valid() bool { return m == MetricAvg || m == MetricMax }

// Field is the market-data attribute the metric is computed over.
type Field string

const (
	FieldClosePrice Field = "close price"
	FieldVolume     Field = "volume"
)

// Valid reports whether f is one of the supported fields.
func (f Field) Valid() bool { return f == FieldClosePrice || f == FieldVolume }

// Defaults used whenever a query fragment is not recognized.
const (
	DefaultMetric    = MetricMax
	DefaultField     = FieldClosePrice
	DefaultSymbol    = "BTC"
	DefaultCurrency  = "USD"
	DefaultTimeframe = "2y"
)

// Intent is the structured reading of a free-text query. It is built once per
// request and never mutated afterwards.
type Intent struct {
	Metric    Metric `json:"metric"`
	Field     Field  `json:"field"`
	Symbol    string `json:"symbol"`
	Currency  string `json:"currency"`
	Timeframe string `json:"timeframe"`
}

// Default returns the intent used when nothing in the text matches.
func Default() Intent {
	return Intent{
		Metric:    DefaultMetric,
		Field:     DefaultField,
		Symbol:    DefaultSymbol,
		Currency:  DefaultCurrency,
		Timeframe: DefaultTimeframe,
	}
}

var tickerRe = regexp.MustCompile(`^[A-Z0-9]{1,15}$`)

// Validate rejects intents that cannot be rendered into a workflow. Parse
// never produces one, but intents may also be built by hand.
func (i Intent) Validate() error {
	if !i.Metric.Valid() {
		return fmt.Errorf("unsupported metric %q", i.Metric)
	}
	if !i.Field.Valid() {
		return fmt.Errorf("unsupported field %q", i.Field)
	}
	if !tickerRe.MatchString(i.Symbol) {
		return fmt.Errorf("invalid symbol %q", i.Symbol)
	}
	if !tickerRe.MatchString(i.Currency) {
		return fmt.Errorf("invalid currency %q", i.Currency)
	}
	if i.Timeframe == "" {
		return fmt.Errorf("empty timeframe")
	}
	return nil
}
