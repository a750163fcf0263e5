package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/me/docket/pkg/condition"
	"github.com/me/docket/pkg/program"
	"github.com/me/docket/pkg/schedule"
)

// Job is an immutable definition of recurring or ad hoc work.
type Job struct {
	ID         string
	Params     []string
	Schedules  []JobSchedule
	Program    program.Program
	Conditions []condition.Condition
	Reruns     Reruns
	Actions    []Action
	Meta       map[string]any
	AdHoc      bool
}

// JobSchedule pairs a schedule with the args its instances get.
type JobSchedule struct {
	Schedule schedule.Schedule
	Args     map[string]string
	Enabled  bool
}

// Validate checks that the job's program, conditions, and schedule args
// are consistent with its params.
func (j *Job) Validate() error {
	if j.Program == nil {
		return fmt.Errorf("job %s: no program", j.ID)
	}
	params := map[string]bool{}
	for _, p := range j.Params {
		if params[p] {
			return fmt.Errorf("job %s: duplicate param %q", j.ID, p)
		}
		params[p] = true
	}
	// A placeholder that names no param fails at bind time.
	if _, err := j.Program.Bind(j.placeholderArgs()); err != nil {
		return fmt.Errorf("job %s: program: %w", j.ID, err)
	}
	for i, s := range j.Schedules {
		if s.Schedule == nil {
			return fmt.Errorf("job %s: schedule %d: missing schedule", j.ID, i)
		}
		if err := j.CheckArgs(s.Args); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	for _, a := range j.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return nil
}

func (j *Job) placeholderArgs() map[string]string {
	args := make(map[string]string, len(j.Params))
	for _, p := range j.Params {
		args[p] = ""
	}
	return args
}

// CheckArgs returns an error unless args supplies exactly the job's params.
func (j *Job) CheckArgs(args map[string]string) error {
	for _, p := range j.Params {
		if _, ok := args[p]; !ok {
			return fmt.Errorf("job %s: missing arg %q", j.ID, p)
		}
	}
	if len(args) != len(j.Params) {
		for k := range args {
			if !slices.Contains(j.Params, k) {
				return fmt.Errorf("job %s: unexpected arg %q", j.ID, k)
			}
		}
	}
	return nil
}

// Reruns is the policy for retrying failed runs.
type Reruns struct {
	// Count is the maximum number of reruns after the first run.
	Count int
	// Delay is the wait between a failure and its rerun.
	Delay time.Duration
	// MaxDelay bounds how long after the scheduled time a rerun may be
	// started. Zero means no bound.
	MaxDelay time.Duration
}

// Next returns when to rerun after the chainLen-th run of an instance
// scheduled at schedTime failed at now. ok is false if no rerun is due.
func (r Reruns) Next(chainLen int, schedTime, now time.Time) (at time.Time, ok bool) {
	if chainLen > r.Count {
		return time.Time{}, false
	}
	if r.MaxDelay > 0 && now.After(schedTime.Add(r.MaxDelay)) {
		return time.Time{}, false
	}
	return now.Add(r.Delay), true
}

type rerunsJSON struct {
	Count    int      `json:"count"`
	Delay    float64  `json:"delay"`
	MaxDelay *float64 `json:"max_delay"`
}

// MarshalJSON encodes delays in seconds.
func (r Reruns) MarshalJSON() ([]byte, error) {
	j := rerunsJSON{Count: r.Count, Delay: r.Delay.Seconds()}
	if r.MaxDelay > 0 {
		s := r.MaxDelay.Seconds()
		j.MaxDelay = &s
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes delays in seconds.
func (r *Reruns) UnmarshalJSON(data []byte) error {
	var j rerunsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("reruns: %w", err)
	}
	if j.Count < 0 || j.Delay < 0 || (j.MaxDelay != nil && *j.MaxDelay < 0) {
		return fmt.Errorf("reruns: negative value")
	}
	*r = Reruns{Count: j.Count, Delay: Seconds(j.Delay)}
	if j.MaxDelay != nil {
		r.MaxDelay = Seconds(*j.MaxDelay)
	}
	return nil
}

// Seconds converts fractional seconds to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ActionType identifies what an action does.
type ActionType string

const (
	// ActionCommand runs a shell command with the run described in its
	// environment.
	ActionCommand ActionType = "command"
	// ActionLog writes a log record.
	ActionLog ActionType = "log"
)

// Action is a side effect fired when a run enters one of States.
type Action struct {
	Type    ActionType `json:"type"`
	States  []RunState `json:"states,omitempty"`
	Command string     `json:"command,omitempty"`
}

// Validate checks the action's fields.
func (a Action) Validate() error {
	switch a.Type {
	case ActionCommand:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("command action: empty command")
		}
	case ActionLog:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	for _, s := range a.States {
		if _, err := ParseRunState(string(s)); err != nil {
			return fmt.Errorf("%s action: %w", a.Type, err)
		}
	}
	return nil
}

// Matches reports whether the action fires on entering state. An action
// with no states fires on every terminal state.
func (a Action) Matches(state RunState) bool {
	if len(a.States) == 0 {
		return state.IsTerminal()
	}
	return slices.Contains(a.States, state)
}

type jobScheduleJSON struct {
	Schedule json.RawMessage   `json:"schedule"`
	Args     map[string]string `json:"args,omitempty"`
	Enabled  bool              `json:"enabled"`
}

type jobJSON struct {
	ID         string            `json:"job_id"`
	Params     []string          `json:"params"`
	Schedules  []jobScheduleJSON `json:"schedules"`
	Program    json.RawMessage   `json:"program"`
	Conditions []json.RawMessage `json:"conditions,omitempty"`
	Reruns     Reruns            `json:"reruns"`
	Actions    []Action          `json:"actions,omitempty"`
	Meta       map[string]any    `json:"metadata,omitempty"`
	AdHoc      bool              `json:"ad_hoc"`
}

// MarshalJSON implements json.Marshaler.
func (j *Job) MarshalJSON() ([]byte, error) {
	out := jobJSON{
		ID:      j.ID,
		Params:  j.Params,
		Reruns:  j.Reruns,
		Actions: j.Actions,
		Meta:    j.Meta,
		AdHoc:   j.AdHoc,
	}
	if out.Params == nil {
		out.Params = []string{}
	}
	out.Schedules = make([]jobScheduleJSON, 0, len(j.Schedules))
	for _, s := range j.Schedules {
		data, err := schedule.Marshal(s.Schedule)
		if err != nil {
			return nil, err
		}
		out.Schedules = append(out.Schedules, jobScheduleJSON{Schedule: data, Args: s.Args, Enabled: s.Enabled})
	}
	var err error
	if out.Program, err = program.Marshal(j.Program); err != nil {
		return nil, err
	}
	for _, c := range j.Conditions {
		data, err := condition.Marshal(c)
		if err != nil {
			return nil, err
		}
		out.Conditions = append(out.Conditions, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *Job) UnmarshalJSON(data []byte) error {
	var in jobJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("job: %w", err)
	}
	job := Job{
		ID:      in.ID,
		Params:  in.Params,
		Reruns:  in.Reruns,
		Actions: in.Actions,
		Meta:    in.Meta,
		AdHoc:   in.AdHoc,
	}
	for _, s := range in.Schedules {
		sched, err := schedule.Unmarshal(s.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", in.ID, err)
		}
		job.Schedules = append(job.Schedules, JobSchedule{Schedule: sched, Args: s.Args, Enabled: s.Enabled})
	}
	prog, err := program.Unmarshal(in.Program)
	if err != nil {
		return fmt.Errorf("job %s: %w", in.ID, err)
	}
	job.Program = prog
	for _, raw := range in.Conditions {
		c, err := condition.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("job %s: %w", in.ID, err)
		}
		job.Conditions = append(job.Conditions, c)
	}
	*j = job
	return nil
}

// Instance identifies one (job, args, time) occurrence. Instances with
// equal fields are the same instance.
type Instance struct {
	JobID string            `json:"job_id"`
	Args  map[string]string `json:"args"`
	Time  time.Time         `json:"time"`
}

// Key returns a string that is equal for equal instances. Each field is
// length-prefixed, so no choice of job id or args collides with another.
func (i Instance) Key() string {
	var b strings.Builder
	writeField(&b, i.JobID)
	for _, k := range slices.Sorted(maps.Keys(i.Args)) {
		writeField(&b, k)
		writeField(&b, i.Args[k])
	}
	b.WriteString(i.Time.UTC().Format(time.RFC3339Nano))
	return b.String()
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func (i Instance) String() string {
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(i.Args)) {
		parts = append(parts, k+"="+i.Args[k])
	}
	return fmt.Sprintf("%s(%s) at %s", i.JobID, strings.Join(parts, " "), i.Time.Format(time.RFC3339))
}
