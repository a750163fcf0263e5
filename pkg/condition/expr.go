package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ExprTimeout bounds a single expression evaluation.
var ExprTimeout = time.Second

// Expr is a JavaScript predicate. The expression sees:
//
//	args          the run's args, as an object
//	job_id        the run's job id
//	time          the run's scheduled time, as a Date
//	now           the evaluation time, as a Date
//	count(job_id, state)  the number of runs of job_id in state
//
// It must evaluate to a boolean.
type Expr struct {
	Source string

	target Target
	now    func() time.Time
}

func (*Expr) isCondition() {}

// Kind returns KindExpr.
func (*Expr) Kind() Kind { return KindExpr }

// NewExpr returns an unbound expression condition.
func NewExpr(source string) *Expr {
	return &Expr{Source: source}
}

// Bind records the target the expression is evaluated for.
func (e *Expr) Bind(target Target) (Condition, error) {
	if _, err := goja.Compile("condition", e.Source, true); err != nil {
		return nil, &ConditionError{Condition: e.String(), Err: err}
	}
	target.Args = cloneArgs(target.Args)
	return &Expr{Source: e.Source, target: target, now: e.now}, nil
}

// Check evaluates the expression in a fresh runtime.
func (e *Expr) Check(ctx context.Context, env Env) (bool, error) {
	ok, err := e.eval(ctx, env)
	if err != nil {
		return false, &ConditionError{Condition: e.String(), Err: err}
	}
	return ok, nil
}

func (e *Expr) eval(ctx context.Context, env Env) (bool, error) {
	vm := goja.New()
	timer := time.AfterFunc(ExprTimeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()

	args := make(map[string]any, len(e.target.Args))
	for k, v := range e.target.Args {
		args[k] = v
	}
	if err := vm.Set("args", args); err != nil {
		return false, fmt.Errorf("set args: %w", err)
	}
	if err := vm.Set("job_id", e.target.JobID); err != nil {
		return false, fmt.Errorf("set job_id: %w", err)
	}

	now := time.Now
	if e.now != nil {
		now = e.now
	}
	for name, t := range map[string]time.Time{"time": e.target.Time, "now": now()} {
		d, err := vm.New(vm.Get("Date"), vm.ToValue(t.UnixMilli()))
		if err != nil {
			return false, fmt.Errorf("set %s: %w", name, err)
		}
		if err := vm.Set(name, d); err != nil {
			return false, fmt.Errorf("set %s: %w", name, err)
		}
	}

	count := func(jobID, state string) (int, error) {
		return env.CountRuns(ctx, jobID, nil, []string{state}, e.target.RunID)
	}
	if err := vm.Set("count", count); err != nil {
		return false, fmt.Errorf("set count: %w", err)
	}

	v, err := vm.RunString(e.Source)
	if err != nil {
		return false, err
	}
	b, ok := v.Export().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %v, not a boolean", v)
	}
	return b, nil
}

func (e *Expr) String() string {
	return fmt.Sprintf("expr %q", e.Source)
}

type exprJSON struct {
	Type  Kind              `json:"type"`
	Expr  string            `json:"expr"`
	RunID string            `json:"run_id,omitempty"`
	JobID string            `json:"job_id,omitempty"`
	Args  map[string]string `json:"args,omitempty"`
	Time  *time.Time        `json:"time,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Expr) MarshalJSON() ([]byte, error) {
	j := exprJSON{
		Type:  KindExpr,
		Expr:  e.Source,
		RunID: e.target.RunID,
		JobID: e.target.JobID,
		Args:  e.target.Args,
	}
	if !e.target.Time.IsZero() {
		j.Time = &e.target.Time
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Expr) UnmarshalJSON(data []byte) error {
	var j exprJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("expr condition: %w", err)
	}
	if j.Expr == "" {
		return fmt.Errorf("expr condition: missing expr")
	}
	*e = Expr{Source: j.Expr, target: Target{RunID: j.RunID, JobID: j.JobID, Args: j.Args}}
	if j.Time != nil {
		e.target.Time = *j.Time
	}
	return nil
}
