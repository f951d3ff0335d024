package synth

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// IDLength is the size of a deployment id.
	IDLength = 8

	DefaultNamePrefix    = "crypto_workflow_"
	DefaultTriggerPrefix = "crypto"
	DefaultMarketDataURL = "https://min-api.cryptocompare.com/data/histoday"
)

// Config controls how workflows are named and where they fetch data from.
type Config struct {
	NamePrefix       string
	TriggerPrefix    string
	MarketDataURL    string
	MarketDataAPIKey string
}

func (c Config) withDefaults() Config {
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	if c.TriggerPrefix == "" {
		c.TriggerPrefix = DefaultTriggerPrefix
	}
	if c.MarketDataURL == "" {
		c.MarketDataURL = DefaultMarketDataURL
	}
	return c
}

// FetchStage is the market-data request issued by the workflow.
type FetchStage struct {
	Symbol   string `json:"symbol"`
	Currency string `json:"currency"`
	Limit    int    `json:"limit"`
}

// WorkflowSpec is the synthesized pipeline for one request. It is read-only
// once built.
type WorkflowSpec struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	TriggerPath string        `json:"trigger_path"`
	Fetch       FetchStage    `json:"fetch"`
	Compute     ComputeStage  `json:"compute"`
	Intent      intent.Intent `json:"intent"`
	Definition  Workflow      `json:"definition"`
}

// Synthesizer turns intents into workflow specs.
type Synthesizer struct {
	cfg    Config
	limit  func(string) int
	random io.Reader
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithLimits overrides the timeframe→day-count lookup.
func WithLimits(fn func(string) int) Option {
	return func(s *Synthesizer) { s.limit = fn }
}

// WithRandom overrides the id entropy source.
func WithRandom(r io.Reader) Option {
	return func(s *Synthesizer) { s.random = r }
}

// New creates a Synthesizer.
func New(cfg Config, opts ...Option) *Synthesizer {
	s := &Synthesizer{cfg: cfg.withDefaults(), limit: intent.Limit, random: rand.Reader}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NamePrefix is the prefix shared by every workflow this synthesizer names.
func (s *Synthesizer) NamePrefix() string { return s.cfg.NamePrefix }

// Synthesize builds the three-stage workflow for in. It makes no network
// calls and fails only on a malformed intent.
func (s *Synthesizer) Synthesize(in intent.Intent) (*WorkflowSpec, error) {
	const op = "synth.Synthesize"
	if err := in.Validate(); err != nil {
		return nil, &apperr.Error{Kind: apperr.KindSynthesis, Op: op, Msg: "malformed intent", Err: err}
	}
	compute, err := ComputeFor(in)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindSynthesis, Op: op, Msg: "malformed intent", Err: err}
	}
	code, err := compute.FunctionCode()
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindSynthesis, Op: op, Msg: "render compute stage", Err: err}
	}
	limit := s.limit(in.Timeframe)
	if limit <= 0 {
		return nil, apperr.New(apperr.KindSynthesis, op, fmt.Sprintf("non-positive limit for timeframe %q", in.Timeframe))
	}
	id, err := NewID(s.random)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindSynthesis, Op: op, Msg: "generate id", Err: err}
	}

	spec := &WorkflowSpec{
		ID:          id,
		Name:        s.cfg.NamePrefix + id,
		TriggerPath: s.cfg.TriggerPrefix + "/" + id,
		Fetch:       FetchStage{Symbol: in.Symbol, Currency: in.Currency, Limit: limit},
		Compute:     compute,
		Intent:      in,
	}
	spec.Definition = Workflow{
		Name: spec.Name,
		Nodes: []Node{
			{
				Parameters: map[string]any{
					"httpMethod":     "GET",
					"path":           spec.TriggerPath,
					"options":        map[string]any{},
					"responseMode":   "lastNode",
					"responseData":   "allEntries",
					"authentication": "none",
				},
				Name:        StageTrigger,
				Type:        NodeTypeWebhook,
				TypeVersion: 1,
				Position:    [2]int{100, 300},
			},
			{
				Parameters: map[string]any{
					"url":     s.FetchURL(spec.Fetch),
					"options": map[string]any{},
				},
				Name:        StageFetch,
				Type:        NodeTypeHTTPRequest,
				TypeVersion: 1,
				Position:    [2]int{300, 300},
			},
			{
				Parameters:  map[string]any{"functionCode": code},
				Name:        StageCompute,
				Type:        NodeTypeFunction,
				TypeVersion: 1,
				Position:    [2]int{500, 300},
			},
		},
		Connections: chain(StageTrigger, StageFetch, StageCompute),
		Settings: Settings{
			Timezone:                 "UTC",
			SaveDataErrorExecution:   "all",
			SaveDataSuccessExecution: "all",
			SaveManualExecutions:     true,
		},
	}
	return spec, nil
}

// FetchURL is the market-data request for f, including the API key.
func (s *Synthesizer) FetchURL(f FetchStage) string {
	q := url.Values{}
	q.Set("fsym", f.Symbol)
	q.Set("tsym", f.Currency)
	q.Set("limit", strconv.Itoa(f.Limit))
	if s.cfg.MarketDataAPIKey != "" {
		q.Set("api_key", s.cfg.MarketDataAPIKey)
	}
	return s.cfg.MarketDataURL + "?" + q.Encode()
}

// NewID returns an IDLength string over [a-z0-9] read from r.
func NewID(r io.Reader) (string, error) {
	out := make([]byte, 0, IDLength)
	buf := make([]byte, IDLength*2)
	// 252 is the largest multiple of 36 below 256; higher bytes are rejected
	// to keep the distribution uniform.
	for len(out) < IDLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 252 {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == IDLength {
				break
			}
		}
	}
	return string(out), nil
}
