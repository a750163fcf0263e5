// Package docket drives runs from their job schedules to completion: it
// keeps a rolling horizon of materialized runs, starts them when their time
// comes and their conditions hold, collects results, and applies reruns.
package docket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/docket/internal/executor"
	"github.com/me/docket/internal/store"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
)

var (
	// ErrUnknownJob is returned for a job id that is not loaded.
	ErrUnknownJob = errors.New("unknown job")
	// ErrUnknownRun is returned for a run id that does not exist.
	ErrUnknownRun = errors.New("unknown run")
	// ErrNotTerminal is returned when an operation needs a finished run.
	ErrNotTerminal = errors.New("run is not finished")
	// ErrNotRunning is returned when an operation needs a running run.
	ErrNotRunning = errors.New("run is not running")
	// ErrFinished is returned when an operation needs an unfinished run.
	ErrFinished = errors.New("run is finished")
	// ErrInvalidArgs is returned when schedule args do not match job params.
	ErrInvalidArgs = errors.New("invalid args")
)

// metaHorizon is the store meta key holding the end of the materialized horizon.
const metaHorizon = "docket.horizon"

// Config holds docket configuration.
type Config struct {
	// Horizon is how far ahead of now runs are materialized.
	Horizon time.Duration
	// Tick is the scheduling loop interval.
	Tick time.Duration
	// WaitingMaxTime fails runs that wait on conditions longer than this.
	// Zero means no limit.
	WaitingMaxTime time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Horizon: 24 * time.Hour, Tick: time.Second}
}

// event reports progress of an execution back to the loop.
type event struct {
	runID   string
	running *executor.Running
	err     error
	result  *program.Result
}

// Docket owns all non-terminal runs. Every change to a run is made with
// mu held and written through to the store.
type Docket struct {
	cfg      Config
	store    store.Store
	registry *executor.Registry
	logger   *slog.Logger
	now      func() time.Time

	events     chan event
	execCtx    context.Context
	execCancel context.CancelFunc
	actions    sync.WaitGroup

	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.Mutex
	jobs     map[string]*model.Job
	reload   map[string]*model.Job
	active   map[string]*model.Run
	starting map[string]bool
	cancels  map[string]bool
	stops    map[string]context.CancelCauseFunc
	horizon  time.Time
}

// New creates a Docket over the given jobs.
func New(st store.Store, reg *executor.Registry, jobs []*model.Job, cfg Config, logger *slog.Logger) *Docket {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultConfig().Horizon
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	execCtx, execCancel := context.WithCancel(context.Background())
	d := &Docket{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		logger:     logger.With("component", "docket"),
		now:        func() time.Time { return time.Now().UTC() },
		events:     make(chan event, 64),
		execCtx:    execCtx,
		execCancel: execCancel,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		jobs:       make(map[string]*model.Job),
		active:     make(map[string]*model.Run),
		starting:   make(map[string]bool),
		cancels:    make(map[string]bool),
		stops:      make(map[string]context.CancelCauseFunc),
	}
	for _, j := range jobs {
		d.jobs[j.ID] = j
	}
	return d
}

// Restore loads ad hoc jobs, the horizon checkpoint, and unfinished runs
// from the store, reconnecting to runs that were running.
func (d *Docket) Restore(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	adhoc, err := d.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load ad hoc jobs: %w", err)
	}
	for _, j := range adhoc {
		d.jobs[j.ID] = j
	}

	now := d.now()
	d.horizon = now
	if v, ok, err := d.store.GetMeta(ctx, metaHorizon); err != nil {
		return fmt.Errorf("load horizon: %w", err)
	} else if ok {
		h, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parse horizon %q: %w", v, err)
		}
		d.horizon = h
	}

	runs, _, err := d.store.QueryRuns(ctx, model.RunFilter{
		States: []model.RunState{model.RunStateNew, model.RunStateScheduled, model.RunStateWaiting, model.RunStateRunning},
	})
	if err != nil {
		return fmt.Errorf("load runs: %w", err)
	}
	for _, run := range runs {
		d.active[run.ID] = run
		switch run.State {
		case model.RunStateNew:
			d.transition(ctx, run, model.RunStateScheduled, "")
		case model.RunStateRunning:
			d.reconnect(ctx, run)
		}
	}
	d.logger.Info("docket restored", "horizon", d.horizon, "runs", len(runs), "adhoc_jobs", len(adhoc))
	return nil
}

func (d *Docket) reconnect(ctx context.Context, run *model.Run) {
	exec, err := d.registry.For(run.Program)
	if err == nil {
		var r *executor.Running
		r, err = exec.Reconnect(d.execCtx, run.ID, run.Program, run.ExecState)
		if err == nil {
			d.logger.Info("reconnected to run", "run_id", run.ID, "job_id", run.Inst.JobID)
			d.watch(run.ID, r.Done)
			return
		}
	}
	d.logger.Warn("reconnect failed", "run_id", run.ID, "error", err)
	res := program.ResultOf(err)
	d.finish(ctx, run, res)
}

// Start runs the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (d *Docket) Start(ctx context.Context) error {
	defer close(d.doneCh)
	defer d.Close()

	d.logger.Info("docket started", "tick", d.cfg.Tick, "horizon", d.cfg.Horizon)
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	if err := d.Tick(ctx); err != nil {
		d.logger.Error("tick error", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("docket stopping (context cancelled)")
			return ctx.Err()
		case <-d.stopCh:
			d.logger.Info("docket stopping (stop called)")
			return nil
		case ev := <-d.events:
			d.mu.Lock()
			d.handle(ctx, ev)
			d.mu.Unlock()
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts down the loop and waits for it to return.
func (d *Docket) Stop() error {
	close(d.stopCh)
	<-d.doneCh
	return nil
}

// Close detaches from running executions and waits for actions to finish.
// Executions keep running; a later Restore reconnects to them.
func (d *Docket) Close() {
	d.execCancel()
	d.actions.Wait()
}

// Tick runs a single scheduling iteration.
func (d *Docket) Tick(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	// Phase 1: Apply finished starts and completions.
	d.drain(ctx)

	// Phase 2: Adopt reloaded jobs.
	d.adoptJobs(ctx, now)

	// Phase 3: Materialize runs up to the horizon.
	herr := d.advanceHorizon(ctx, now)

	// Phase 4: Start due runs whose conditions hold.
	d.advanceRuns(ctx, now)

	if herr != nil {
		return fmt.Errorf("advance horizon: %w", herr)
	}
	return nil
}

// drain handles queued events without blocking. Caller holds d.mu.
func (d *Docket) drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.events:
			d.handle(ctx, ev)
		default:
			return
		}
	}
}

// post queues an event for the loop unless the docket is shutting down.
func (d *Docket) post(ev event) {
	select {
	case d.events <- ev:
	case <-d.execCtx.Done():
	}
}

// watch forwards an execution's result to the loop.
func (d *Docket) watch(runID string, done <-chan program.Result) {
	go func() {
		res, ok := <-done
		if !ok {
			return
		}
		d.post(event{runID: runID, result: &res})
	}()
}

// SetJobs replaces the loaded job set. The docket adopts it on the next
// tick; runs already materialized keep their bound programs.
func (d *Docket) SetJobs(jobs []*model.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reload = make(map[string]*model.Job, len(jobs))
	for _, j := range jobs {
		d.reload[j.ID] = j
	}
}

// adoptJobs swaps in reloaded jobs and materializes new or changed jobs
// for the part of the horizon already covered. Caller holds d.mu.
func (d *Docket) adoptJobs(ctx context.Context, now time.Time) {
	if d.reload == nil {
		return
	}
	next := d.reload
	d.reload = nil
	for id, j := range d.jobs {
		if j.AdHoc {
			next[id] = j
		}
	}
	old := d.jobs
	d.jobs = next
	d.logger.Info("jobs reloaded", "jobs", len(next))

	if d.horizon.IsZero() || !d.horizon.After(now) {
		return
	}
	retry := false
	for id, j := range next {
		if old[id] == j || j.AdHoc {
			continue
		}
		if err := d.materializeJob(ctx, j, now, d.horizon); err != nil {
			d.logger.Error("materialize reloaded job", "job_id", id, "error", err)
			retry = true
		}
	}
	if retry {
		// Pull the horizon back so the next advance covers the window again.
		d.horizon = now
		if err := d.store.SetMeta(ctx, metaHorizon, now.UTC().Format(time.RFC3339Nano)); err != nil {
			d.logger.Error("save horizon", "error", err)
		}
	}
}
