package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/apperr"
	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/pipeline"
	"github.com/Kocoro-lab/cryptoquery/internal/streaming"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

const maxQueryBytes = 4 << 10

// stateAccepted is published for async runs before the pipeline starts so
// that stream subscribers find the run.
const stateAccepted = "accepted"

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Query string `json:"query"`
	// Async returns a run id immediately; progress is on the stream routes.
	Async bool `json:"async,omitempty"`
}

// QueryResponse is a finished run.
type QueryResponse struct {
	RunID      string        `json:"run_id"`
	Result     *float64      `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Strategy   string        `json:"strategy,omitempty"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	Intent     intent.Intent `json:"intent"`
	DurationMS int64         `json:"duration_ms"`
}

// AcceptedResponse answers an async submission.
type AcceptedResponse struct {
	RunID  string `json:"run_id"`
	Stream string `json:"stream"`
	Events string `json:"events"`
}

// PreviewResponse shows what a query would deploy.
type PreviewResponse struct {
	Intent   intent.Intent       `json:"intent"`
	Workflow *synth.WorkflowSpec `json:"workflow"`
}

// RunsResponse lists audited runs.
type RunsResponse struct {
	Runs  []audit.Record `json:"runs"`
	Count int            `json:"count"`
}

var errEmptyBody = errors.New("request body is empty")

// readQuery accepts a form field or a JSON body carrying "query".
func readQuery(r *http.Request) (QueryRequest, error) {
	var req QueryRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(nil, r.Body, maxQueryBytes)
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Query = r.PostFormValue("query")
		req.Async, _ = strconv.ParseBool(r.PostFormValue("async"))
		return req, nil
	default:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes+1))
		if err != nil {
			return req, err
		}
		if len(body) > maxQueryBytes {
			return req, errors.New("query too large")
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return req, errEmptyBody
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return req, errors.New("invalid JSON")
		}
		return req, nil
	}
}

// statusFor maps a pipeline failure to a response code.
func statusFor(err error) int {
	if pipeline.IsCanceled(err) {
		return http.StatusGatewayTimeout
	}
	return apperr.HTTPStatus(apperr.KindOf(err))
}

// handleSubmit is the plain form endpoint: {"result": N} or {"error": "..."}.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := readQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.runSync(r, req.Query, "submit")
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"result": run.Result})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := readQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Async {
		s.startAsync(w, r, req.Query)
		return
	}
	run, err := s.runSync(r, req.Query, "api")
	resp := QueryResponse{
		RunID:      run.ID,
		Strategy:   string(run.Strategy),
		WorkflowID: run.WorkflowID,
		Intent:     run.Intent,
		DurationMS: run.Duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = run.ErrorKind()
		writeJSON(w, statusFor(err), resp)
		return
	}
	v := run.Result
	resp.Result = &v
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runSync(r *http.Request, query, source string) (*pipeline.Run, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	return s.pipeline.Submit(ctx, pipeline.Request{
		ID:        pipeline.NewRunID(),
		Query:     query,
		Source:    source,
		RequestID: RequestID(r.Context()),
	})
}

func (s *Server) startAsync(w http.ResponseWriter, r *http.Request, query string) {
	id := pipeline.NewRunID()
	requestID := RequestID(r.Context())
	s.pipeline.Events().Publish(id, streaming.Event{Type: streaming.EventStateChanged, State: stateAccepted})

	s.bgWg.Add(1)
	go func() {
		defer s.bgWg.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, s.timeout)
		defer cancel()
		req := pipeline.Request{ID: id, Query: query, Source: "api_async", RequestID: requestID}
		if _, err := s.pipeline.Submit(ctx, req); err != nil {
			s.logger.Debug("Async run failed", zap.String("run_id", id), zap.Error(err))
		}
	}()

	base := "/api/v1/runs/" + id
	writeJSON(w, http.StatusAccepted, AcceptedResponse{RunID: id, Stream: base + "/stream", Events: base + "/events"})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	in, spec, err := s.pipeline.Preview(q)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{Intent: in, Workflow: spec})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	runs, err := s.pipeline.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("Listing runs failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	if runs == nil {
		runs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	report, ok := s.pipeline.Reap(ctx)
	if !ok {
		writeError(w, http.StatusConflict, "reaper disabled")
		return
	}
	if report.Deleted == nil {
		report.Deleted = []string{}
	}
	writeJSON(w, http.StatusOK, report)
}
