package docket

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/me/docket/internal/executor"
	"github.com/me/docket/internal/jobs"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
)

// cancelSignal is sent to running runs on Cancel.
const cancelSignal = syscall.SIGTERM

// GetJob returns a loaded or ad hoc job.
func (d *Docket) GetJob(ctx context.Context, id string) (*model.Job, error) {
	d.mu.Lock()
	job := d.jobs[id]
	d.mu.Unlock()
	if job != nil {
		return job, nil
	}
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return job, nil
}

// GetJobs returns the loaded jobs ordered by id.
func (d *Docket) GetJobs() []*model.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*model.Job, 0, len(d.jobs))
	for _, id := range slices.Sorted(maps.Keys(d.jobs)) {
		out = append(out, d.jobs[id])
	}
	return out
}

// GetRun returns a snapshot of a run.
func (d *Docket) GetRun(ctx context.Context, id string) (*model.Run, error) {
	d.mu.Lock()
	run := d.active[id]
	if run != nil {
		run = run.Clone()
	}
	d.mu.Unlock()
	if run != nil {
		return run, nil
	}

	run, err := d.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return run, nil
}

// GetRuns returns runs matching filter and the total number of matches.
func (d *Docket) GetRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, int, error) {
	return d.store.QueryRuns(ctx, filter)
}

// GetResult returns the result of a finished run.
func (d *Docket) GetResult(ctx context.Context, id string) (*program.Result, error) {
	run, err := d.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.State.IsTerminal() || run.Result == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, run.State)
	}
	return run.Result, nil
}

// Schedule creates a run of a job for args at the given time. A zero
// time means now.
func (d *Docket) Schedule(ctx context.Context, jobID string, args map[string]string, at time.Time) (*model.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job := d.jobs[jobID]
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return d.schedule(ctx, job, args, at)
}

// schedule creates a run of job. Caller holds d.mu.
func (d *Docket) schedule(ctx context.Context, job *model.Job, args map[string]string, at time.Time) (*model.Run, error) {
	if err := job.CheckArgs(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if at.IsZero() {
		at = d.now()
	}
	if args == nil {
		args = map[string]string{}
	}
	inst := model.Instance{JobID: job.ID, Args: maps.Clone(args), Time: at.UTC()}
	run, err := d.createRun(ctx, job, inst, "", at)
	if err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

// ScheduleAdHoc creates a one-off job for prog and schedules a run of it.
func (d *Docket) ScheduleAdHoc(ctx context.Context, prog program.Program, at time.Time) (*model.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job := &model.Job{ID: jobs.NewAdHocID(), Program: prog, AdHoc: true}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := d.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert ad hoc job: %w", err)
	}
	d.jobs[job.ID] = job
	d.logger.Info("ad hoc job added", "job_id", job.ID, "program", prog.String())
	return d.schedule(ctx, job, nil, at)
}

// Rerun starts a new run in a finished run's chain now, regardless of the
// job's rerun policy.
func (d *Docket) Rerun(ctx context.Context, runID string) (*model.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if run := d.active[runID]; run != nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, runID, run.State)
	}
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if !run.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, runID, run.State)
	}
	job := d.jobs[run.Inst.JobID]
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, run.Inst.JobID)
	}
	next, err := d.createRun(ctx, job, run.Inst, run.Rerun, d.now())
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Signal sends sig to a running run.
func (d *Docket) Signal(ctx context.Context, runID string, sig syscall.Signal) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	run, err := d.activeRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != model.RunStateRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, runID, run.State)
	}
	return d.signal(ctx, run, sig)
}

// signal delivers sig through the run's executor. Caller holds d.mu.
func (d *Docket) signal(ctx context.Context, run *model.Run, sig syscall.Signal) error {
	exec, err := d.registry.For(run.Program)
	if err != nil {
		return err
	}
	if err := exec.Signal(ctx, run.ID, run.Program, run.ExecState, sig); err != nil {
		d.logger.Warn("signal failed", "run_id", run.ID, "signal", int(sig), "error", err)
		return err
	}
	d.logger.Info("run signalled", "run_id", run.ID, "signal", int(sig))
	return nil
}

// Cancel stops a run. A run not yet started goes to error immediately. A
// run whose start is in flight has the start aborted and goes to error once
// its executor gives up. A running run is sent SIGTERM and finishes when
// its program does.
func (d *Docket) Cancel(ctx context.Context, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	run, err := d.activeRun(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case run.State == model.RunStateRunning:
		return d.signal(ctx, run, cancelSignal)
	case d.starting[runID]:
		d.cancels[runID] = true
		d.stops[runID](executor.ErrCancelled)
		return nil
	default:
		d.finish(ctx, run, program.Result{Outcome: program.OutcomeError, Message: "cancelled"})
		return nil
	}
}

// activeRun returns the live run for id, or an error saying why there is
// none. Caller holds d.mu.
func (d *Docket) activeRun(ctx context.Context, id string) (*model.Run, error) {
	if run := d.active[id]; run != nil {
		return run, nil
	}
	run, err := d.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrFinished, id, run.State)
}

// ParseSignal converts a signal name such as "SIGTERM", "TERM", or a
// number to a signal.
func ParseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}
