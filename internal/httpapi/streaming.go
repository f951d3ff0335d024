package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/streaming"
)

// lastEventID reads the replay cursor from the Last-Event-ID header or the
// last_event_id query parameter. Zero replays everything still buffered.
func lastEventID(r *http.Request) uint64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// follow subscribes to runID and returns the buffered backlog after since.
// Live events with Seq at or below the backlog's last Seq are duplicates.
func (s *Server) follow(runID string, since uint64) (chan streaming.Event, []streaming.Event, func()) {
	mgr := s.pipeline.Events()
	ch := mgr.Subscribe(runID, 256)
	backlog := mgr.ReplaySince(runID, since)
	return ch, backlog, func() { mgr.Unsubscribe(runID, ch) }
}

// handleSSE streams run events via Server-Sent Events until the run ends.
// GET /api/v1/runs/{id}/events
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !s.pipeline.Events().Known(runID) {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, backlog, done := s.follow(runID, lastEventID(r))
	defer done()

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	var sent uint64
	write := func(ev streaming.Event) {
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Marshal())
		sent = ev.Seq
	}
	for _, ev := range backlog {
		write(ev)
		if ev.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= sent {
				continue
			}
			write(ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
