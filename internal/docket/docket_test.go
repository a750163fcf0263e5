package docket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/docket/internal/agent"
	"github.com/me/docket/internal/executor"
	"github.com/me/docket/internal/store"
	"github.com/me/docket/pkg/condition"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
	"github.com/me/docket/pkg/schedule"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", newTestLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func localRegistry() *executor.Registry {
	reg := executor.NewRegistry(newTestLogger())
	reg.Register(executor.NewLocalExecutor(newTestLogger()))
	return reg
}

// newTestDocket builds a docket over st with a fake clock at baseTime.
func newTestDocket(t *testing.T, st store.Store, reg *executor.Registry, jobs []*model.Job, cfg Config) (*Docket, *fakeClock) {
	t.Helper()
	if cfg.Horizon == 0 {
		cfg.Horizon = time.Hour
	}
	clock := &fakeClock{t: baseTime}
	d := New(st, reg, jobs, cfg, newTestLogger())
	d.now = clock.Now
	t.Cleanup(d.Close)
	return d, clock
}

// tickUntil ticks d until cond holds.
func tickUntil(t *testing.T, d *Docket, what string, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := d.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitState ticks until run id reaches state.
func waitState(t *testing.T, d *Docket, id string, state model.RunState) *model.Run {
	t.Helper()
	var run *model.Run
	tickUntil(t, d, "run "+id+" "+string(state), func() bool {
		var err error
		run, err = d.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		return run.State == state
	})
	return run
}

func jobRuns(t *testing.T, d *Docket, jobID string) []*model.Run {
	t.Helper()
	runs, _, err := d.GetRuns(context.Background(), model.RunFilter{JobID: jobID})
	if err != nil {
		t.Fatalf("GetRuns: %v", err)
	}
	return runs
}

func TestScheduleLocalSuccess(t *testing.T) {
	job := &model.Job{ID: "hello", Program: program.NewShell("echo hello")}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	run, err := d.Schedule(ctx, "hello", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if run.State != model.RunStateScheduled {
		t.Errorf("State = %s, want scheduled", run.State)
	}

	run = waitState(t, d, run.ID, model.RunStateSuccess)
	for _, key := range []string{model.TimeSchedule, "running", "success"} {
		if _, ok := run.Times[key]; !ok {
			t.Errorf("Times missing %q: %v", key, run.Times)
		}
	}
	if run.Meta["return_code"] == nil {
		t.Errorf("Meta = %v, want return_code", run.Meta)
	}

	res, err := d.GetResult(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.Output != "hello\n" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestScheduleValidation(t *testing.T) {
	job := &model.Job{ID: "p", Params: []string{"n"}, Program: program.NewShell("echo {n}")}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	if _, err := d.Schedule(ctx, "missing", nil, time.Time{}); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("unknown job: err = %v", err)
	}
	if _, err := d.Schedule(ctx, "p", map[string]string{"m": "1"}, time.Time{}); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("bad args: err = %v", err)
	}
	run, err := d.Schedule(ctx, "p", map[string]string{"n": "42"}, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run = waitState(t, d, run.ID, model.RunStateSuccess)
	if run.Result.Output != "42\n" {
		t.Errorf("Output = %q", run.Result.Output)
	}
}

func TestFailureReruns(t *testing.T) {
	job := &model.Job{ID: "flaky", Program: program.NewProcess("false"), Reruns: model.Reruns{Count: 1}}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})

	first, err := d.Schedule(context.Background(), "flaky", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	tickUntil(t, d, "two failed runs", func() bool {
		runs := jobRuns(t, d, "flaky")
		if len(runs) != 2 {
			return false
		}
		return runs[0].State == model.RunStateFailure && runs[1].State == model.RunStateFailure
	})

	// No third run after the rerun budget is spent.
	for range 5 {
		d.Tick(context.Background())
		time.Sleep(10 * time.Millisecond)
	}
	runs := jobRuns(t, d, "flaky")
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Rerun != first.ID {
			t.Errorf("run %s rerun = %s, want %s", r.ID, r.Rerun, first.ID)
		}
		if r.Inst.Key() != first.Inst.Key() {
			t.Errorf("run %s instance differs", r.ID)
		}
	}
}

func TestRerunDelay(t *testing.T) {
	job := &model.Job{ID: "flaky", Program: program.NewProcess("false"), Reruns: model.Reruns{Count: 3, Delay: time.Minute}}
	d, clock := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})

	first, err := d.Schedule(context.Background(), "flaky", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	var rerun *model.Run
	tickUntil(t, d, "rerun scheduled", func() bool {
		for _, r := range jobRuns(t, d, "flaky") {
			if r.ID != first.ID {
				rerun = r
			}
		}
		return rerun != nil
	})
	if got, want := rerun.Times[model.TimeSchedule], clock.Now().Add(time.Minute); !got.Equal(want) {
		t.Errorf("rerun due %v, want %v", got, want)
	}
	if rerun.State != model.RunStateScheduled {
		t.Errorf("rerun state = %s, want scheduled", rerun.State)
	}
}

func TestHorizonMaterializesOnce(t *testing.T) {
	st := newTestStore(t)
	job := &model.Job{
		ID:      "timed",
		Program: program.NewProcess("true"),
		Schedules: []model.JobSchedule{{
			Schedule: schedule.NewExplicit(baseTime.Add(10*time.Minute), baseTime.Add(2*time.Hour)),
			Enabled:  true,
		}, {
			Schedule: schedule.NewExplicit(baseTime.Add(20 * time.Minute)),
			Enabled:  false,
		}},
	}
	d, _ := newTestDocket(t, st, localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	for range 3 {
		if err := d.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	runs := jobRuns(t, d, "timed")
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1 within the horizon", len(runs))
	}
	if !runs[0].Inst.Time.Equal(baseTime.Add(10 * time.Minute)) {
		t.Errorf("instance time = %v", runs[0].Inst.Time)
	}

	// A restarted docket resumes from the saved horizon without duplicates.
	d2, _ := newTestDocket(t, st, localRegistry(), []*model.Job{job}, Config{})
	if err := d2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := d2.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if runs := jobRuns(t, d2, "timed"); len(runs) != 1 {
		t.Fatalf("runs after restart = %d, want 1", len(runs))
	}
}

// flakyStore fails the first instance lookup.
type flakyStore struct {
	store.Store
	failed atomic.Bool
}

func (s *flakyStore) QueryRuns(ctx context.Context, f model.RunFilter) ([]*model.Run, int, error) {
	if f.InstKey != "" && s.failed.CompareAndSwap(false, true) {
		return nil, 0, errors.New("database is locked")
	}
	return s.Store.QueryRuns(ctx, f)
}

func TestHorizonRetriedAfterStoreError(t *testing.T) {
	st := &flakyStore{Store: newTestStore(t)}
	job := &model.Job{
		ID:      "timed",
		Program: program.NewProcess("true"),
		Schedules: []model.JobSchedule{{
			Schedule: schedule.NewExplicit(baseTime.Add(10 * time.Minute)),
			Enabled:  true,
		}},
	}
	d, _ := newTestDocket(t, st, localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	if err := d.Tick(ctx); err == nil {
		t.Fatal("Tick: expected error from failed instance lookup")
	}
	if !d.horizon.IsZero() {
		t.Errorf("horizon = %v, want unchanged after failure", d.horizon)
	}
	if runs := jobRuns(t, d, "timed"); len(runs) != 0 {
		t.Fatalf("runs = %d after failed tick", len(runs))
	}

	for range 2 {
		if err := d.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	runs := jobRuns(t, d, "timed")
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1 after retry", len(runs))
	}
	if !runs[0].Inst.Time.Equal(baseTime.Add(10 * time.Minute)) {
		t.Errorf("instance time = %v", runs[0].Inst.Time)
	}
	if want := baseTime.Add(time.Hour); !d.horizon.Equal(want) {
		t.Errorf("horizon = %v, want %v", d.horizon, want)
	}
}

func TestScheduledRunStartsWhenDue(t *testing.T) {
	job := &model.Job{
		ID:        "timed",
		Program:   program.NewProcess("true"),
		Schedules: []model.JobSchedule{{Schedule: schedule.NewExplicit(baseTime.Add(time.Minute)), Enabled: true}},
	}
	d, clock := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	runs := jobRuns(t, d, "timed")
	if len(runs) != 1 || runs[0].State != model.RunStateScheduled {
		t.Fatalf("runs = %v", runs)
	}
	time.Sleep(50 * time.Millisecond)
	d.Tick(ctx)
	if run, _ := d.GetRun(ctx, runs[0].ID); run.State != model.RunStateScheduled {
		t.Fatalf("state before due = %s", run.State)
	}

	clock.Advance(time.Minute)
	waitState(t, d, runs[0].ID, model.RunStateSuccess)
}

func TestDependencyCondition(t *testing.T) {
	up := &model.Job{ID: "up", Program: program.NewProcess("true")}
	down := &model.Job{
		ID:         "down",
		Program:    program.NewProcess("true"),
		Conditions: []condition.Condition{&condition.Dependency{JobID: "up"}},
	}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{up, down}, Config{})
	ctx := context.Background()

	run, err := d.Schedule(ctx, "down", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run = waitState(t, d, run.ID, model.RunStateWaiting)
	if !strings.HasPrefix(run.Message, "waiting for dependency up") {
		t.Errorf("Message = %q", run.Message)
	}

	if _, err := d.Schedule(ctx, "up", nil, time.Time{}); err != nil {
		t.Fatalf("Schedule up: %v", err)
	}
	waitState(t, d, run.ID, model.RunStateSuccess)
}

func TestWaitingTimeout(t *testing.T) {
	job := &model.Job{
		ID:         "blocked",
		Program:    program.NewProcess("true"),
		Conditions: []condition.Condition{&condition.Dependency{JobID: "never"}},
	}
	d, clock := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{WaitingMaxTime: time.Minute})
	ctx := context.Background()

	run, err := d.Schedule(ctx, "blocked", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitState(t, d, run.ID, model.RunStateWaiting)

	clock.Advance(2 * time.Minute)
	run = waitState(t, d, run.ID, model.RunStateError)
	if !strings.Contains(run.Message, "waiting timeout") {
		t.Errorf("Message = %q", run.Message)
	}
}

func TestBindFailureIsError(t *testing.T) {
	// Expressions compile when bound to a run.
	job := &model.Job{
		ID:         "bad",
		Program:    program.NewProcess("true"),
		Conditions: []condition.Condition{condition.NewExpr("this is not javascript (")},
	}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})

	run, err := d.Schedule(context.Background(), "bad", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run = waitState(t, d, run.ID, model.RunStateError)
	if run.Message == "" {
		t.Error("expected an error message")
	}
}

func TestCancel(t *testing.T) {
	job := &model.Job{ID: "sleepy", Program: program.NewProcess("sleep", "30")}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	t.Run("scheduled", func(t *testing.T) {
		run, err := d.Schedule(ctx, "sleepy", nil, baseTime.Add(time.Hour))
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if err := d.Cancel(ctx, run.ID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		run, _ = d.GetRun(ctx, run.ID)
		if run.State != model.RunStateError || run.Message != "cancelled" {
			t.Errorf("run = %s %q", run.State, run.Message)
		}
		if err := d.Cancel(ctx, run.ID); !errors.Is(err, ErrFinished) {
			t.Errorf("second cancel err = %v, want ErrFinished", err)
		}
	})

	t.Run("running", func(t *testing.T) {
		run, err := d.Schedule(ctx, "sleepy", nil, time.Time{})
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		waitState(t, d, run.ID, model.RunStateRunning)
		if err := d.Cancel(ctx, run.ID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		run = waitState(t, d, run.ID, model.RunStateFailure)
		if !strings.Contains(run.Message, "SIGTERM") {
			t.Errorf("Message = %q", run.Message)
		}
	})
}

func TestSignalAndErrors(t *testing.T) {
	job := &model.Job{ID: "sleepy", Program: program.NewProcess("sleep", "30")}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	if err := d.Signal(ctx, "run_nope", syscall.SIGTERM); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("unknown run: err = %v", err)
	}

	run, err := d.Schedule(ctx, "sleepy", nil, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := d.Signal(ctx, run.ID, syscall.SIGTERM); !errors.Is(err, ErrNotRunning) {
		t.Errorf("scheduled run: err = %v, want ErrNotRunning", err)
	}
	if _, err := d.GetResult(ctx, run.ID); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("GetResult: err = %v, want ErrNotTerminal", err)
	}
	if _, err := d.Rerun(ctx, run.ID); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("Rerun: err = %v, want ErrNotTerminal", err)
	}

	now, err := d.Schedule(ctx, "sleepy", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitState(t, d, now.ID, model.RunStateRunning)
	if err := d.Signal(ctx, now.ID, syscall.SIGKILL); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	done := waitState(t, d, now.ID, model.RunStateFailure)
	if !strings.Contains(done.Message, "SIGKILL") {
		t.Errorf("Message = %q", done.Message)
	}
}

func TestManualRerun(t *testing.T) {
	job := &model.Job{ID: "once", Program: program.NewProcess("true")}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})
	ctx := context.Background()

	run, err := d.Schedule(ctx, "once", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitState(t, d, run.ID, model.RunStateSuccess)

	next, err := d.Rerun(ctx, run.ID)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if next.ID == run.ID || next.Rerun != run.ID {
		t.Errorf("rerun id=%s chain=%s, original %s", next.ID, next.Rerun, run.ID)
	}
	waitState(t, d, next.ID, model.RunStateSuccess)
}

func TestScheduleAdHoc(t *testing.T) {
	st := newTestStore(t)
	d, _ := newTestDocket(t, st, localRegistry(), nil, Config{})
	ctx := context.Background()

	run, err := d.ScheduleAdHoc(ctx, program.NewShell("echo adhoc"), time.Time{})
	if err != nil {
		t.Fatalf("ScheduleAdHoc: %v", err)
	}
	if !strings.HasPrefix(run.Inst.JobID, "adhoc-") {
		t.Errorf("JobID = %q", run.Inst.JobID)
	}
	job, err := st.GetJob(ctx, run.Inst.JobID)
	if err != nil || job == nil || !job.AdHoc {
		t.Fatalf("stored job = %v, %v", job, err)
	}
	run = waitState(t, d, run.ID, model.RunStateSuccess)
	if run.Result.Output != "adhoc\n" {
		t.Errorf("Output = %q", run.Result.Output)
	}

	// Ad hoc jobs survive a restart and a job reload.
	d2, _ := newTestDocket(t, st, localRegistry(), nil, Config{})
	if err := d2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	d2.SetJobs(nil)
	d2.Tick(ctx)
	if _, err := d2.GetJob(ctx, run.Inst.JobID); err != nil {
		t.Errorf("GetJob after restart: %v", err)
	}
}

func TestCommandAction(t *testing.T) {
	out := filepath.Join(t.TempDir(), "action.out")
	job := &model.Job{
		ID:      "acted",
		Program: program.NewProcess("true"),
		Actions: []model.Action{{
			Type:    model.ActionCommand,
			States:  []model.RunState{model.RunStateSuccess},
			Command: `echo "$DOCKET_JOB_ID $DOCKET_STATE" > ` + out,
		}},
	}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{})

	run, err := d.Schedule(context.Background(), "acted", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitState(t, d, run.ID, model.RunStateSuccess)
	d.Close()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("action output: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "acted success" {
		t.Errorf("action wrote %q", got)
	}
}

func TestSetJobsMaterializesNewJob(t *testing.T) {
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), nil, Config{})
	ctx := context.Background()
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	job := &model.Job{
		ID:        "late",
		Program:   program.NewProcess("true"),
		Schedules: []model.JobSchedule{{Schedule: schedule.NewExplicit(baseTime.Add(30 * time.Minute)), Enabled: true}},
	}
	d.SetJobs([]*model.Job{job})
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if runs := jobRuns(t, d, "late"); len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if got := d.GetJobs(); len(got) != 1 || got[0].ID != "late" {
		t.Errorf("GetJobs = %v", got)
	}
}

func TestRestoreLocalRunningIsError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := model.NewRun(model.NewRunID(), model.Instance{JobID: "gone", Args: map[string]string{}, Time: baseTime}, "", baseTime)
	run.Program = program.NewProcess("true")
	for _, s := range []model.RunState{model.RunStateScheduled, model.RunStateRunning} {
		if err := run.Transition(s, baseTime); err != nil {
			t.Fatal(err)
		}
	}
	run.ExecState = map[string]any{"pid": 1}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	d, _ := newTestDocket(t, st, localRegistry(), nil, Config{})
	if err := d.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := d.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != model.RunStateError {
		t.Errorf("State = %s, want error", got.State)
	}
}

// agentEnv is an agent registry behind an httptest server, optionally
// with one connected agent in group "test".
func agentEnv(t *testing.T, startTimeout time.Duration, withAgent bool) *executor.Registry {
	t.Helper()
	srv := agent.NewServer(agent.DefaultServerConfig(), newTestLogger())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	reg := executor.NewRegistry(newTestLogger())
	reg.Register(executor.NewAgentExecutor(srv, startTimeout, newTestLogger()))
	if !withAgent {
		return reg
	}

	a, err := agent.New(agent.Config{
		ServerURL:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		GroupID:       "test",
		RetryInterval: 20 * time.Millisecond,
	}, newTestLogger())
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if conns := srv.Conns(); len(conns) == 1 && conns[0].State == model.AgentConnConnected {
			return reg
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("agent did not connect")
	return nil
}

func TestAgentDispatchTimeout(t *testing.T) {
	reg := agentEnv(t, 50*time.Millisecond, false)
	job := &model.Job{ID: "remote", Program: &program.Agent{Args: []string{"true"}, GroupID: "test"}}
	d, _ := newTestDocket(t, newTestStore(t), reg, []*model.Job{job}, Config{})

	run, err := d.Schedule(context.Background(), "remote", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run = waitState(t, d, run.ID, model.RunStateError)
	if !strings.Contains(run.Message, "no agent connection") {
		t.Errorf("Message = %q", run.Message)
	}
}

// silentAgent registers a connection in group that never answers, and
// returns the registry plus the messages sent to it.
func silentAgent(t *testing.T, group string) (*executor.Registry, <-chan *agent.Message) {
	t.Helper()
	srv := agent.NewServer(agent.DefaultServerConfig(), newTestLogger())
	ts := httptest.NewServer(srv)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		ts.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		ws.Close()
		srv.Close()
		ts.Close()
	})
	if err := ws.WriteJSON(&agent.Message{Type: agent.MsgRegister, ConnID: "silent", GroupID: group}); err != nil {
		t.Fatalf("register: %v", err)
	}
	msgs := make(chan *agent.Message, 64)
	go func() {
		defer close(msgs)
		for {
			var m agent.Message
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			msgs <- &m
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Conns()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("agent did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	reg := executor.NewRegistry(newTestLogger())
	reg.Register(executor.NewAgentExecutor(srv, time.Second, newTestLogger()))
	return reg, msgs
}

// received drains queued messages and reports whether one had type typ.
func received(msgs <-chan *agent.Message, typ string) bool {
	seen := false
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return seen
			}
			seen = seen || m.Type == typ
		default:
			return seen
		}
	}
}

func TestCancelStalledAgentStart(t *testing.T) {
	reg, msgs := silentAgent(t, "g")
	job := &model.Job{ID: "remote", Program: &program.Agent{Args: []string{"sleep", "60"}, GroupID: "g"}}
	d, _ := newTestDocket(t, newTestStore(t), reg, []*model.Job{job}, Config{})
	ctx := context.Background()

	run, err := d.Schedule(ctx, "remote", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	tickUntil(t, d, "proc start sent", func() bool { return received(msgs, agent.MsgProcStart) })

	if err := d.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	run = waitState(t, d, run.ID, model.RunStateError)
	if run.Message != "cancelled" {
		t.Errorf("Message = %q, want cancelled", run.Message)
	}
	tickUntil(t, d, "proc delete sent", func() bool { return received(msgs, agent.MsgProcDelete) })
}

func TestAgentRunAndReconnectAfterRestart(t *testing.T) {
	reg := agentEnv(t, time.Second, true)
	st := newTestStore(t)
	job := &model.Job{ID: "remote", Program: &program.Agent{Command: "sleep 0.5; echo remote", GroupID: "test"}}
	ctx := context.Background()

	d1, _ := newTestDocket(t, st, reg, []*model.Job{job}, Config{})
	run, err := d1.Schedule(ctx, "remote", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	running := waitState(t, d1, run.ID, model.RunStateRunning)
	if running.ExecState["proc_id"] != run.ID {
		t.Errorf("ExecState = %v", running.ExecState)
	}

	// Shut the first docket down while the program is still running.
	d1.Close()

	d2, _ := newTestDocket(t, st, reg, []*model.Job{job}, Config{})
	if err := d2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	done := waitState(t, d2, run.ID, model.RunStateSuccess)
	if done.Result.Output != "remote\n" {
		t.Errorf("Output = %q", done.Result.Output)
	}
	if done.Meta["conn_id"] == nil {
		t.Errorf("Meta = %v, want conn_id", done.Meta)
	}
}

func TestStartStop(t *testing.T) {
	job := &model.Job{ID: "hello", Program: program.NewProcess("true")}
	d, _ := newTestDocket(t, newTestStore(t), localRegistry(), []*model.Job{job}, Config{Tick: 10 * time.Millisecond})
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	run, err := d.Schedule(ctx, "hello", nil, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := d.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.State == model.RunStateSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start returned %v", err)
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    syscall.Signal
		wantErr bool
	}{
		{"SIGTERM", syscall.SIGTERM, false},
		{"term", syscall.SIGTERM, false},
		{"KILL", syscall.SIGKILL, false},
		{"9", syscall.SIGKILL, false},
		{"SIGBOGUS", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSignal(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
