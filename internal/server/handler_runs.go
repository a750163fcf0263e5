package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/docket/internal/docket"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	filter, err := parseRunFilter(r.URL.Query())
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	runs, total, err := s.docket.GetRuns(r.Context(), filter)
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+filter.Limit < total,
	})
}

// parseRunFilter reads job_id, state (comma separated), rerun, arg (k=v,
// repeatable), since, until, limit and offset.
func parseRunFilter(q url.Values) (model.RunFilter, error) {
	f := model.RunFilter{
		JobID:       q.Get("job_id"),
		Rerun:       q.Get("rerun"),
		ListOptions: model.DefaultListOptions(),
	}
	if states := q.Get("state"); states != "" {
		for _, name := range strings.Split(states, ",") {
			st, err := model.ParseRunState(strings.TrimSpace(name))
			if err != nil {
				return f, err
			}
			f.States = append(f.States, st)
		}
	}
	for _, kv := range q["arg"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return f, fmt.Errorf("arg %q: want name=value", kv)
		}
		if f.Args == nil {
			f.Args = map[string]string{}
		}
		f.Args[k] = v
	}
	for _, bound := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(bound.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s: %w", bound.key, err)
			}
			*bound.dst = t
		}
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("limit: %w", err)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("offset: %w", err)
		}
	}
	f.Clamp()
	return f, nil
}

// parseScheduleTime accepts "", "now", or an RFC 3339 time. Zero means now.
func parseScheduleTime(s string) (time.Time, error) {
	if s == "" || s == "now" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time: %w", err)
	}
	return t.UTC(), nil
}

func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	at, err := parseScheduleTime(req.Time)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid time", model.FieldError{Field: "time", Message: err.Error()}))
		return
	}

	hasProgram := len(req.Program) > 0 && string(req.Program) != "null"
	var run *model.Run
	switch {
	case hasProgram && req.JobID != "":
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("job_id and program are exclusive"))
		return
	case hasProgram:
		prog, err := program.Unmarshal(req.Program)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid program", model.FieldError{Field: "program", Message: err.Error()}))
			return
		}
		run, err = s.docket.ScheduleAdHoc(r.Context(), prog, at)
		if err != nil {
			respondDocketError(w, reqID, err)
			return
		}
	case req.JobID != "":
		run, err = s.docket.Schedule(r.Context(), req.JobID, req.Args, at)
		if err != nil {
			respondDocketError(w, reqID, err)
			return
		}
	default:
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "job_id", Message: "job_id or program is required"}))
		return
	}

	s.logger.Info("run scheduled", "run_id", run.ID, "job_id", run.Inst.JobID, "time", run.Inst.Time)
	respondCreated(w, reqID, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	run, err := s.docket.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	res, err := s.docket.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	respondOK(w, reqID, res)
}

// handleGetOutput returns a finished run's output in the envelope, or as
// the raw bytes with ?format=raw.
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	res, err := s.docket.GetResult(r.Context(), id)
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Output)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(res.Output))
		return
	}
	respondOK(w, reqID, map[string]any{
		"run_id": id,
		"length": len(res.Output),
		"output": res.Output,
	})
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	run, err := s.docket.Rerun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, run)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req model.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	sig, err := docket.ParseSignal(req.Signal)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid signal", model.FieldError{Field: "signal", Message: err.Error()}))
		return
	}
	if err := s.docket.Signal(r.Context(), id, sig); err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"run_id": id, "signal": int(sig)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.docket.Cancel(r.Context(), id); err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	run, err := s.docket.GetRun(r.Context(), id)
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	respondOK(w, reqID, run)
}
