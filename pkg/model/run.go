package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/me/docket/pkg/condition"
	"github.com/me/docket/pkg/program"
)

// TimeSchedule is the Times key holding the instance's scheduled time.
const TimeSchedule = "schedule"

// NewRunID returns a fresh run id.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// Run is one execution attempt of an Instance.
type Run struct {
	ID    string
	Inst  Instance
	Rerun string
	State RunState

	// Times maps "schedule" and each entered state to when it happened.
	Times map[string]time.Time

	Meta       map[string]any
	Conditions []condition.Condition
	Program    program.Program

	// ExecState is the executor's handle on a running program, enough to
	// reconnect to it after a restart.
	ExecState map[string]any

	Message string
	Result  *program.Result
}

// NewRun returns a run in state new. An empty rerun starts a new chain.
func NewRun(id string, inst Instance, rerun string, now time.Time) *Run {
	if rerun == "" {
		rerun = id
	}
	return &Run{
		ID:    id,
		Inst:  inst,
		Rerun: rerun,
		State: RunStateNew,
		Times: map[string]time.Time{
			TimeSchedule:         inst.Time,
			RunStateNew.String(): now,
		},
		Meta: map[string]any{},
	}
}

// Transition moves the run to state to and records when.
func (r *Run) Transition(to RunState, at time.Time) error {
	if !r.State.CanTransitionTo(to) {
		return &InvalidTransitionError{ID: r.ID, From: r.State, To: to}
	}
	r.State = to
	if r.Times == nil {
		r.Times = map[string]time.Time{}
	}
	if _, ok := r.Times[to.String()]; !ok {
		r.Times[to.String()] = at
	}
	return nil
}

// IsRerun reports whether the run is a rerun of an earlier run.
func (r *Run) IsRerun() bool {
	return r.Rerun != r.ID
}

// Clone returns a copy that shares no maps with r. Programs and
// conditions are immutable and shared.
func (r *Run) Clone() *Run {
	c := *r
	c.Inst.Args = maps.Clone(r.Inst.Args)
	c.Times = maps.Clone(r.Times)
	c.Meta = maps.Clone(r.Meta)
	c.ExecState = maps.Clone(r.ExecState)
	c.Conditions = slices.Clone(r.Conditions)
	if r.Result != nil {
		res := *r.Result
		res.Meta = maps.Clone(r.Result.Meta)
		c.Result = &res
	}
	return &c
}

// RunFilter selects runs in queries. Zero fields match everything.
type RunFilter struct {
	JobID  string
	States []RunState
	// Args matches runs whose args include all of these.
	Args  map[string]string
	Rerun string
	// InstKey matches runs of the instance with this Key.
	InstKey string
	// Since and Until bound the scheduled time.
	Since time.Time
	Until time.Time
	ListOptions
}

// Match reports whether r satisfies the filter, ignoring pagination.
func (f RunFilter) Match(r *Run) bool {
	if f.JobID != "" && r.Inst.JobID != f.JobID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	for k, v := range f.Args {
		if got, ok := r.Inst.Args[k]; !ok || got != v {
			return false
		}
	}
	if f.Rerun != "" && r.Rerun != f.Rerun {
		return false
	}
	if f.InstKey != "" && r.Inst.Key() != f.InstKey {
		return false
	}
	if !f.Since.IsZero() && r.Inst.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Inst.Time.Before(f.Until) {
		return false
	}
	return true
}

type runJSON struct {
	ID         string               `json:"run_id"`
	JobID      string               `json:"job_id"`
	Args       map[string]string    `json:"args"`
	Time       time.Time            `json:"time"`
	Rerun      string               `json:"rerun"`
	State      RunState             `json:"state"`
	Times      map[string]time.Time `json:"times"`
	Meta       map[string]any       `json:"meta,omitempty"`
	Conditions []json.RawMessage    `json:"conditions,omitempty"`
	Program    json.RawMessage      `json:"program,omitempty"`
	ExecState  map[string]any       `json:"run_state,omitempty"`
	Message    string               `json:"message,omitempty"`
	Result     *program.Result      `json:"result,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *Run) MarshalJSON() ([]byte, error) {
	out := runJSON{
		ID:        r.ID,
		JobID:     r.Inst.JobID,
		Args:      r.Inst.Args,
		Time:      r.Inst.Time,
		Rerun:     r.Rerun,
		State:     r.State,
		Times:     r.Times,
		Meta:      r.Meta,
		ExecState: r.ExecState,
		Message:   r.Message,
		Result:    r.Result,
	}
	if out.Args == nil {
		out.Args = map[string]string{}
	}
	if r.Program != nil {
		data, err := program.Marshal(r.Program)
		if err != nil {
			return nil, err
		}
		out.Program = data
	}
	for _, c := range r.Conditions {
		data, err := condition.Marshal(c)
		if err != nil {
			return nil, err
		}
		out.Conditions = append(out.Conditions, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Run) UnmarshalJSON(data []byte) error {
	var in runJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	run := Run{
		ID:        in.ID,
		Inst:      Instance{JobID: in.JobID, Args: in.Args, Time: in.Time},
		Rerun:     in.Rerun,
		State:     in.State,
		Times:     in.Times,
		Meta:      in.Meta,
		ExecState: in.ExecState,
		Message:   in.Message,
		Result:    in.Result,
	}
	if len(in.Program) > 0 {
		prog, err := program.Unmarshal(in.Program)
		if err != nil {
			return fmt.Errorf("run %s: %w", in.ID, err)
		}
		run.Program = prog
	}
	for _, raw := range in.Conditions {
		c, err := condition.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("run %s: %w", in.ID, err)
		}
		run.Conditions = append(run.Conditions, c)
	}
	*r = run
	return nil
}
