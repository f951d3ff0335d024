// Package httpapi exposes the query pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/auth"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/pipeline"
	"github.com/Kocoro-lab/cryptoquery/internal/reaper"
	"github.com/Kocoro-lab/cryptoquery/internal/streaming"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

// Pipeline is what the API drives. *pipeline.Service satisfies it.
type Pipeline interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
	Preview(text string) (intent.Intent, *synth.WorkflowSpec, error)
	Reap(ctx context.Context) (reaper.Report, bool)
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
	Events() *streaming.Manager
}

// Options configures a Server.
type Options struct {
	// Auth guards every route; nil serves all callers as a local operator.
	Auth *auth.Middleware
	// Limiter throttles per client; nil disables throttling.
	Limiter *RateLimiter
	// RequestTimeout bounds one synchronous query.
	RequestTimeout time.Duration
}

// Server routes API requests to the pipeline.
type Server struct {
	pipeline Pipeline
	auth     *auth.Middleware
	limiter  *RateLimiter
	timeout  time.Duration
	logger   *zap.Logger

	// background runs started with async=true
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup
}

// NewServer builds the API server.
func NewServer(p Pipeline, opts Options, logger *zap.Logger) *Server {
	if opts.Auth == nil {
		opts.Auth = auth.NewMiddleware(nil, true)
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(false, 0, 1, logger)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		pipeline: p,
		auth:     opts.Auth,
		limiter:  opts.Limiter,
		timeout:  opts.RequestTimeout,
		logger:   logger,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /submit", auth.ScopeQueryRun, s.handleSubmit)
	s.handle(mux, "POST /api/v1/query", auth.ScopeQueryRun, s.handleQuery)
	s.handle(mux, "GET /api/v1/preview", auth.ScopeQueryRun, s.handlePreview)
	s.handle(mux, "GET /api/v1/runs", auth.ScopeRunsRead, s.handleRuns)
	s.handle(mux, "POST /api/v1/reap", auth.ScopeAdminReap, s.handleReap)
	s.handle(mux, "GET /api/v1/runs/{id}/events", auth.ScopeRunsRead, s.handleSSE)
	s.handle(mux, "GET /api/v1/runs/{id}/stream", auth.ScopeRunsRead, s.handleWS)
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, scope string, h http.HandlerFunc) {
	var chain http.Handler = auth.RequireScope(scope, h)
	chain = s.auth.HTTPMiddleware(chain)
	chain = s.limiter.Middleware(chain)
	mux.Handle(pattern, s.instrument(pattern, chain))
}

// Shutdown cancels background runs and waits for them to record their
// outcome, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.bgWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
