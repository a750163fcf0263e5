package model

import (
	"encoding/json"
	"time"
)

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 100, Offset: 0}
}

// Clamp enforces limits (max 1000, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// ScheduleRequest is the body of POST /api/v1/runs. Either JobID or
// Program is set; Time is RFC 3339 or "now".
type ScheduleRequest struct {
	JobID   string            `json:"job_id,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
	Program json.RawMessage   `json:"program,omitempty"`
	Time    string            `json:"time,omitempty"`
}

// SignalRequest is the body of POST /api/v1/runs/{id}/signal.
type SignalRequest struct {
	Signal string `json:"signal"`
}

// AgentConn is a snapshot of a remote agent connection.
type AgentConn struct {
	ConnID      string         `json:"conn_id"`
	GroupID     string         `json:"group_id"`
	Hostname    string         `json:"hostname"`
	Username    string         `json:"username,omitempty"`
	PID         int            `json:"pid,omitempty"`
	State       AgentConnState `json:"state"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastSeen    time.Time      `json:"last_seen"`
	Procs       int            `json:"procs"`
}
