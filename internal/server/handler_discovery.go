package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "docket API",
		Version:     "v1",
		Description: "docket job scheduler: jobs, runs, and remote agents",
		Endpoints: []endpointInfo{
			{"/api/v1/jobs", []string{"GET"}, "Loaded and ad hoc jobs"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job definition"},
			{"/api/v1/runs", []string{"GET", "POST"}, "Query runs; POST schedules a job or an ad hoc program"},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single run"},
			{"/api/v1/runs/{id}/result", []string{"GET"}, "Result of a finished run"},
			{"/api/v1/runs/{id}/output", []string{"GET"}, "Captured output of a finished run"},
			{"/api/v1/runs/{id}/rerun", []string{"POST"}, "Rerun a finished run"},
			{"/api/v1/runs/{id}/signal", []string{"POST"}, "Send a signal to a running run"},
			{"/api/v1/runs/{id}/cancel", []string{"POST"}, "Cancel an unfinished run"},
			{"/api/v1/sse/runs/{id}", []string{"GET"}, "Stream run state changes"},
			{"/api/v1/agents", []string{"GET"}, "Connected remote agents"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/agent", []string{"GET"}, "Websocket endpoint for remote agents"},
		},
	})
}
