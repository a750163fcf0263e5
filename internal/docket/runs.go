package docket

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/me/docket/pkg/condition"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
	"github.com/me/docket/pkg/schedule"
)

// advanceHorizon materializes every job's runs between the current horizon
// and now + Horizon, then checkpoints the new horizon. If any job fails the
// horizon stays where it was, so the next tick covers the same window
// again. Caller holds d.mu.
func (d *Docket) advanceHorizon(ctx context.Context, now time.Time) error {
	start := d.horizon
	if start.IsZero() || start.Before(now) {
		start = now
	}
	end := now.Add(d.cfg.Horizon)
	if !end.After(start) {
		return nil
	}

	var errs []error
	for _, id := range slices.Sorted(maps.Keys(d.jobs)) {
		if err := d.materializeJob(ctx, d.jobs[id], start, end); err != nil {
			d.logger.Error("materialize job", "job_id", id, "error", err)
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	d.horizon = end
	if err := d.store.SetMeta(ctx, metaHorizon, end.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save horizon: %w", err)
	}
	return nil
}

// materializeJob creates runs for the job's enabled schedules in
// [start, end). Instances that already have a run are skipped.
func (d *Docket) materializeJob(ctx context.Context, job *model.Job, start, end time.Time) error {
	for _, js := range job.Schedules {
		if !js.Enabled || js.Schedule == nil {
			continue
		}
		for _, t := range schedule.Until(js.Schedule.Times(start), end) {
			inst := model.Instance{JobID: job.ID, Args: maps.Clone(js.Args), Time: t.UTC()}
			if inst.Args == nil {
				inst.Args = map[string]string{}
			}
			_, total, err := d.store.QueryRuns(ctx, model.RunFilter{
				InstKey:     inst.Key(),
				ListOptions: model.ListOptions{Limit: 1},
			})
			if err != nil {
				return fmt.Errorf("query instance %s: %w", inst, err)
			}
			if total > 0 {
				continue
			}
			if _, err := d.createRun(ctx, job, inst, "", t); err != nil {
				return err
			}
		}
	}
	return nil
}

// createRun binds the job to inst and inserts a scheduled run due at due.
// A binding failure produces a run in the error state. Caller holds d.mu.
func (d *Docket) createRun(ctx context.Context, job *model.Job, inst model.Instance, rerun string, due time.Time) (*model.Run, error) {
	now := d.now()
	run := model.NewRun(model.NewRunID(), inst, rerun, now)
	run.Times[model.TimeSchedule] = due.UTC()

	bindErr := d.bind(job, run)
	if err := d.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	logger := d.logger.With("run_id", run.ID, "job_id", inst.JobID)
	if bindErr != nil {
		logger.Warn("run binding failed", "error", bindErr)
		d.finish(ctx, run, program.Result{Outcome: program.OutcomeError, Message: bindErr.Error()})
		return run, nil
	}

	d.active[run.ID] = run
	d.transition(ctx, run, model.RunStateScheduled, "")
	logger.Debug("run scheduled", "time", due, "rerun", rerun)
	return run, nil
}

// bind sets run's program and conditions from job.
func (d *Docket) bind(job *model.Job, run *model.Run) error {
	prog, err := job.Program.Bind(run.Inst.Args)
	if err != nil {
		return fmt.Errorf("bind program: %w", err)
	}
	run.Program = prog
	conds, err := condition.BindAll(job.Conditions, condition.Target{
		RunID: run.ID,
		JobID: run.Inst.JobID,
		Args:  run.Inst.Args,
		Time:  run.Inst.Time,
	})
	if err != nil {
		return err
	}
	run.Conditions = conds
	return nil
}

// due returns when the run should start.
func due(run *model.Run) time.Time {
	if t, ok := run.Times[model.TimeSchedule]; ok {
		return t
	}
	return run.Inst.Time
}

// advanceRuns moves due runs toward running. Caller holds d.mu.
func (d *Docket) advanceRuns(ctx context.Context, now time.Time) {
	ids := slices.Collect(maps.Keys(d.active))
	slices.SortFunc(ids, func(a, b string) int {
		return cmpRuns(d.active[a], d.active[b])
	})

	for _, id := range ids {
		run := d.active[id]
		if run == nil || d.starting[id] {
			continue
		}
		switch run.State {
		case model.RunStateScheduled:
			if due(run).After(now) {
				continue
			}
			if len(run.Conditions) == 0 {
				d.start(ctx, run)
				continue
			}
			d.transition(ctx, run, model.RunStateWaiting, "")
			d.checkWaiting(ctx, run, now)
		case model.RunStateWaiting:
			d.checkWaiting(ctx, run, now)
		}
	}
}

func cmpRuns(a, b *model.Run) int {
	if c := due(a).Compare(due(b)); c != 0 {
		return c
	}
	if a.ID < b.ID {
		return -1
	}
	if a.ID > b.ID {
		return 1
	}
	return 0
}

// checkWaiting evaluates a waiting run's conditions. Caller holds d.mu.
func (d *Docket) checkWaiting(ctx context.Context, run *model.Run, now time.Time) {
	for _, c := range run.Conditions {
		ok, err := c.Check(ctx, d)
		if err != nil {
			var ce *condition.ConditionError
			if !errors.As(err, &ce) {
				err = &condition.ConditionError{Condition: c.String(), Err: err}
			}
			d.finish(ctx, run, program.Result{Outcome: program.OutcomeError, Message: err.Error()})
			return
		}
		if !ok {
			if run.Message != "waiting for "+c.String() {
				run.Message = "waiting for " + c.String()
				d.save(ctx, run)
			}
			if limit := d.cfg.WaitingMaxTime; limit > 0 && now.Sub(run.Times[model.RunStateWaiting.String()]) > limit {
				d.finish(ctx, run, program.Result{
					Outcome: program.OutcomeError,
					Message: fmt.Sprintf("waiting timeout after %s: %s", limit, c),
				})
			}
			return
		}
	}
	d.start(ctx, run)
}

// CountRuns implements condition.Env over the store.
func (d *Docket) CountRuns(ctx context.Context, jobID string, args map[string]string, states []string, excludeRunID string) (int, error) {
	filter := model.RunFilter{JobID: jobID, Args: args}
	for _, s := range states {
		st, err := model.ParseRunState(s)
		if err != nil {
			return 0, err
		}
		filter.States = append(filter.States, st)
	}
	runs, _, err := d.store.QueryRuns(ctx, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if r.ID != excludeRunID {
			n++
		}
	}
	return n, nil
}

// start hands the run to its executor in the background. The run stays in
// its state until the start event arrives. Caller holds d.mu.
func (d *Docket) start(ctx context.Context, run *model.Run) {
	exec, err := d.registry.For(run.Program)
	if err != nil {
		d.finish(ctx, run, program.ResultOf(program.Errorf("%w", err)))
		return
	}
	rctx, stop := context.WithCancelCause(d.execCtx)
	d.starting[run.ID] = true
	d.stops[run.ID] = stop
	runID, prog := run.ID, run.Program
	d.logger.Debug("starting run", "run_id", runID, "program", prog.String())
	go func() {
		r, err := exec.Start(rctx, runID, prog)
		d.post(event{runID: runID, running: r, err: err})
	}()
}

// handle applies an event to its run. Caller holds d.mu.
func (d *Docket) handle(ctx context.Context, ev event) {
	run := d.active[ev.runID]
	if run == nil {
		d.logger.Warn("event for inactive run", "run_id", ev.runID)
		return
	}

	switch {
	case ev.result != nil:
		d.finish(ctx, run, *ev.result)

	case ev.err != nil:
		cancelled := d.cancels[run.ID]
		delete(d.starting, run.ID)
		delete(d.cancels, run.ID)
		if cancelled {
			d.finish(ctx, run, program.Result{Outcome: program.OutcomeError, Message: "cancelled"})
			return
		}
		d.logger.Warn("run start failed", "run_id", run.ID, "error", ev.err)
		d.finish(ctx, run, program.ResultOf(ev.err))

	case ev.running != nil:
		delete(d.starting, run.ID)
		run.ExecState = ev.running.State
		mergeMeta(run, ev.running.Meta)
		d.transition(ctx, run, model.RunStateRunning, "")
		d.watch(run.ID, ev.running.Done)
		if d.cancels[run.ID] {
			delete(d.cancels, run.ID)
			d.signal(ctx, run, cancelSignal)
		}
	}
}

// finish moves the run to the terminal state for res, retires it, and
// schedules a rerun after a failure. Caller holds d.mu.
func (d *Docket) finish(ctx context.Context, run *model.Run, res program.Result) {
	to := model.RunState(res.Outcome)
	mergeMeta(run, res.Meta)
	run.Result = &res
	if !d.transition(ctx, run, to, res.Message) {
		return
	}
	delete(d.active, run.ID)
	delete(d.starting, run.ID)
	delete(d.cancels, run.ID)
	if stop := d.stops[run.ID]; stop != nil {
		stop(nil)
		delete(d.stops, run.ID)
	}

	if to == model.RunStateFailure {
		d.rerun(ctx, run)
	}
}

// transition moves run to state, persists it, and fires actions. It
// reports false if the edge is not allowed. Caller holds d.mu.
func (d *Docket) transition(ctx context.Context, run *model.Run, to model.RunState, message string) bool {
	from := run.State
	if err := run.Transition(to, d.now()); err != nil {
		d.logger.Error("run transition", "run_id", run.ID, "error", err)
		return false
	}
	run.Message = message
	d.save(ctx, run)
	d.logger.Info("run transition", "run_id", run.ID, "job_id", run.Inst.JobID, "from", from, "to", to)
	d.fireActions(run)
	return true
}

func mergeMeta(run *model.Run, meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	if run.Meta == nil {
		run.Meta = map[string]any{}
	}
	maps.Copy(run.Meta, meta)
}

func (d *Docket) save(ctx context.Context, run *model.Run) {
	if err := d.store.UpdateRun(ctx, run); err != nil {
		d.logger.Error("update run", "run_id", run.ID, "error", err)
	}
}

// rerun schedules the next run in a failed run's chain if the job's
// rerun policy allows it. Caller holds d.mu.
func (d *Docket) rerun(ctx context.Context, run *model.Run) {
	job := d.jobs[run.Inst.JobID]
	if job == nil || job.Reruns.Count <= 0 {
		return
	}
	_, chainLen, err := d.store.QueryRuns(ctx, model.RunFilter{Rerun: run.Rerun, ListOptions: model.ListOptions{Limit: 1}})
	if err != nil {
		d.logger.Error("count rerun chain", "run_id", run.ID, "error", err)
		return
	}
	now := d.now()
	at, ok := job.Reruns.Next(chainLen, run.Inst.Time, now)
	if !ok {
		d.logger.Info("no rerun", "run_id", run.ID, "chain", chainLen, "count", job.Reruns.Count)
		return
	}
	next, err := d.createRun(ctx, job, run.Inst, run.Rerun, at)
	if err != nil {
		d.logger.Error("create rerun", "run_id", run.ID, "error", err)
		return
	}
	d.logger.Info("rerun scheduled", "run_id", next.ID, "rerun", run.Rerun, "time", at)
}
