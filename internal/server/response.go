package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/me/docket/internal/docket"
	"github.com/me/docket/pkg/model"
)

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondDocketError maps a docket error to an API error response.
func respondDocketError(w http.ResponseWriter, reqID string, err error) {
	switch {
	case errors.Is(err, docket.ErrUnknownJob), errors.Is(err, docket.ErrUnknownRun):
		respondError(w, reqID, http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()})
	case errors.Is(err, docket.ErrNotTerminal), errors.Is(err, docket.ErrNotRunning), errors.Is(err, docket.ErrFinished):
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(err.Error()))
	case errors.Is(err, docket.ErrInvalidArgs):
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
	default:
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
