package server

import (
	"net/http"

	"github.com/me/docket/pkg/model"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	conns := []model.AgentConn{}
	if s.agents != nil {
		conns = append(conns, s.agents.Conns()...)
	}
	respondList(w, reqID, conns, &model.Pagination{
		Total: len(conns),
		Limit: len(conns),
	})
}
