package server

import (
	"net/http"
	"runtime"
	"time"
)

// Version is the server version reported by health checks.
var Version = "0.1.0"

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Jobs      int    `json:"jobs"`
	Agents    int    `json:"agents"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Jobs:      len(s.docket.GetJobs()),
	}
	if s.agents != nil {
		resp.Agents = len(s.agents.Conns())
	}
	respondOK(w, reqID, resp)
}
