package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/me/docket/pkg/program"
)

// Dependency is satisfied once a run of another instance reaches one of
// the given states. Args default to the bound run's args; only the given
// keys need match.
type Dependency struct {
	JobID  string            `json:"job_id"`
	Args   map[string]string `json:"args,omitempty"`
	States []string          `json:"states,omitempty"`
}

func (*Dependency) isCondition() {}

// Kind returns KindDependency.
func (*Dependency) Kind() Kind { return KindDependency }

func (d *Dependency) states() []string {
	if len(d.States) == 0 {
		return []string{"success"}
	}
	return d.States
}

// Bind expands the job id and args templates against the target's args.
func (d *Dependency) Bind(target Target) (Condition, error) {
	jobID, err := program.Expand(d.JobID, target.Args)
	if err != nil {
		return nil, err
	}
	args := cloneArgs(target.Args)
	if d.Args != nil {
		args = make(map[string]string, len(d.Args))
		for k, v := range d.Args {
			if args[k], err = program.Expand(v, target.Args); err != nil {
				return nil, err
			}
		}
	}
	return &Dependency{JobID: jobID, Args: args, States: slices.Clone(d.states())}, nil
}

// Check counts matching runs in the dependency states.
func (d *Dependency) Check(ctx context.Context, env Env) (bool, error) {
	n, err := env.CountRuns(ctx, d.JobID, d.Args, d.states(), "")
	if err != nil {
		return false, &ConditionError{Condition: d.String(), Err: err}
	}
	return n > 0, nil
}

func (d *Dependency) String() string {
	return fmt.Sprintf("dependency %s%s is %s", d.JobID, formatArgs(d.Args), strings.Join(d.states(), "|"))
}

type dependencyJSON Dependency

// MarshalJSON implements json.Marshaler.
func (d *Dependency) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*dependencyJSON
	}{KindDependency, (*dependencyJSON)(d)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	var j dependencyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("dependency condition: %w", err)
	}
	if j.JobID == "" {
		return fmt.Errorf("dependency condition: missing job_id")
	}
	*d = Dependency(j)
	return nil
}

// MaxRunning is satisfied while fewer than Count runs of the instance's
// job with the same args are running.
type MaxRunning struct {
	Count int               `json:"count"`
	JobID string            `json:"job_id,omitempty"`
	Args  map[string]string `json:"args,omitempty"`
	RunID string            `json:"run_id,omitempty"`
}

func (*MaxRunning) isCondition() {}

// Kind returns KindMaxRunning.
func (*MaxRunning) Kind() Kind { return KindMaxRunning }

// Bind fills job id and args from the target.
func (m *MaxRunning) Bind(target Target) (Condition, error) {
	b := &MaxRunning{Count: m.Count, JobID: m.JobID, RunID: target.RunID}
	var err error
	if b.JobID == "" {
		b.JobID = target.JobID
	} else if b.JobID, err = program.Expand(m.JobID, target.Args); err != nil {
		return nil, err
	}
	b.Args = cloneArgs(target.Args)
	if m.Args != nil {
		b.Args = make(map[string]string, len(m.Args))
		for k, v := range m.Args {
			if b.Args[k], err = program.Expand(v, target.Args); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// Check counts running runs other than the bound one.
func (m *MaxRunning) Check(ctx context.Context, env Env) (bool, error) {
	n, err := env.CountRuns(ctx, m.JobID, m.Args, []string{"running"}, m.RunID)
	if err != nil {
		return false, &ConditionError{Condition: m.String(), Err: err}
	}
	return n < m.Count, nil
}

func (m *MaxRunning) String() string {
	return fmt.Sprintf("max %d running %s%s", m.Count, m.JobID, formatArgs(m.Args))
}

type maxRunningJSON MaxRunning

// MarshalJSON implements json.Marshaler.
func (m *MaxRunning) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*maxRunningJSON
	}{KindMaxRunning, (*maxRunningJSON)(m)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MaxRunning) UnmarshalJSON(data []byte) error {
	var j maxRunningJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("max_running condition: %w", err)
	}
	if j.Count < 1 {
		return fmt.Errorf("max_running condition: count must be positive")
	}
	*m = MaxRunning(j)
	return nil
}

func formatArgs(args map[string]string) string {
	if len(args) == 0 {
		return ""
	}
	keys := slices.Sorted(maps.Keys(args))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + args[k]
	}
	return "(" + strings.Join(parts, " ") + ")"
}
