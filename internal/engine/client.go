// Package engine is the REST client for the n8n workflow engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/circuitbreaker"
	"github.com/Kocoro-lab/cryptoquery/internal/metrics"
	"github.com/Kocoro-lab/cryptoquery/internal/tracing"
	"github.com/Kocoro-lab/cryptoquery/internal/util"
)

// APIKeyHeader carries the static engine API key.
const APIKeyHeader = "X-N8N-API-KEY"

const (
	workflowsPath  = "/api/v1/workflows"
	executionsPath = "/api/v1/executions"
	runPath        = "/rest/workflows"
	healthPath     = "/healthz"

	maxBodyBytes = 4 << 20
	listPageSize = 250
	maxListPages = 40
)

// Namespace selects the trigger URL space.
type Namespace string

const (
	NamespaceProduction Namespace = "webhook"
	NamespaceTest       Namespace = "webhook-test"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Breaker circuitbreaker.CircuitBreakerConfig
}

// Client talks to one engine instance. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewClient creates a client whose requests pass through the engine breaker.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breaker := cfg.Breaker
	if breaker == (circuitbreaker.CircuitBreakerConfig{}) {
		breaker = circuitbreaker.GetEngineConfig()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "n8n", "engine", breaker, logger),
		logger:  logger,
	}
}

// BaseURL returns the engine root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// BreakerState exposes the engine breaker position.
func (c *Client) BreakerState() circuitbreaker.State { return c.http.State() }

// StatusError is a non-2xx engine answer.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.Code, e.Body)
}

type response struct {
	code int
	body []byte
}

func (r response) ok() bool { return r.code >= 200 && r.code < 300 }

func (r response) statusError(op string) *StatusError {
	return &StatusError{Op: op, Code: r.code, Body: util.LogBody(r.body)}
}

// do sends one request. Transport failures become EngineUnreachable; a
// cancelled ctx is returned as the bare context error.
func (c *Client) do(ctx context.Context, op, method, rawURL string, payload any, withKey bool) (response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("encode %s payload: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, op, method, rawURL)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return response{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withKey && c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordEngineRequest(op, "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return response{}, ctxErr
		}
		return response{}, apperr.Wrap(apperr.KindEngineUnreachable, "engine."+op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.RecordEngineRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		tracing.RecordError(span, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return response{}, ctxErr
		}
		return response{}, apperr.Wrap(apperr.KindEngineUnreachable, "engine."+op, err)
	}
	if resp.StatusCode >= 400 {
		c.logger.Debug("Engine returned error status",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", util.LogBody(data)),
		)
	}
	return response{code: resp.StatusCode, body: data}, nil
}

func (c *Client) workflowURL(parts ...string) string {
	u := c.baseURL + workflowsPath
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Ping checks that the engine answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	r, err := c.do(ctx, "health", http.MethodGet, c.baseURL+healthPath, nil, false)
	if err != nil {
		return err
	}
	if !r.ok() {
		return r.statusError("health")
	}
	return nil
}
