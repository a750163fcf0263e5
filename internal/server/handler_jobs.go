package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/docket/pkg/model"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobs := s.docket.GetJobs()
	respondList(w, reqID, jobs, &model.Pagination{
		Total:  len(jobs),
		Limit:  len(jobs),
		Offset: 0,
	})
}

// handleGetJob serves /jobs/*; job ids may contain slashes.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "*")
	if id == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing job id"))
		return
	}
	job, err := s.docket.GetJob(r.Context(), id)
	if err != nil {
		respondDocketError(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}
