package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/docket/pkg/model"
)

// handleSSERun streams a run's state changes via Server-Sent Events until
// the run finishes or the client goes away.
// GET /api/v1/sse/runs/{id}
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	run, err := s.docket.GetRun(r.Context(), id)
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := sendSSEEvent(w, flusher, "init", run); err != nil {
		s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
		return
	}
	if run.State.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", run)
		return
	}

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	last := run.State
	beat := time.Now()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		run, err = s.docket.GetRun(r.Context(), id)
		if err != nil {
			s.logger.Error("sse fetch error", "run_id", id, "error", err)
			return
		}

		switch {
		case run.State.IsTerminal():
			sendSSEEvent(w, flusher, "complete", run)
			return
		case run.State != last:
			if err := sendSSEEvent(w, flusher, "update", run); err != nil {
				s.logger.Debug("sse client disconnected", "run_id", id)
				return
			}
			last = run.State
			beat = time.Now()
		case time.Since(beat) >= 15*time.Second:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
			beat = time.Now()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, run *model.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
