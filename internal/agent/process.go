package agent

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// outputBuffer collects process output. onWrite is called after each write.
type outputBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onWrite func()
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	n, err := b.buf.Write(p)
	b.mu.Unlock()
	if b.onWrite != nil {
		b.onWrite()
	}
	return n, err
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// process is a child process started on behalf of the scheduler.
type process struct {
	id   string
	cmd  *exec.Cmd
	out  *outputBuffer
	done chan struct{}

	mu     sync.Mutex
	state  ProcState
	errors []string
	start  time.Time
	stop   *time.Time
	status *ExitStatus
	rusage *Rusage
}

// startProcess launches spec. onUpdate is called when new output is
// available (rate limited by updates) and once when the process ends.
func startProcess(id string, spec *ProcSpec, updates *rate.Limiter, onUpdate func()) (*process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	out := &outputBuffer{}
	if updates != nil {
		out.onWrite = func() {
			if updates.Allow() {
				onUpdate()
			}
		}
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = buildEnv(spec.Env)
	if fd, ok := spec.Fds["stdout"]; !ok || fd.Capture == "memory" {
		cmd.Stdout = out
	}
	if fd, ok := spec.Fds["stderr"]; !ok || fd.Dup == 1 || fd.Capture == "memory" {
		cmd.Stderr = out
	}

	p := &process{id: id, cmd: cmd, out: out, done: make(chan struct{}), state: ProcRunning}
	p.start = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		err := cmd.Wait()
		p.finish(err)
		close(p.done)
		onUpdate()
	}()
	return p, nil
}

// buildEnv returns a non-nil environment so that a non-inheriting spec
// does not fall back to the agent's own.
func buildEnv(spec EnvSpec) []string {
	env := []string{}
	if spec.Inherit {
		env = os.Environ()
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Vars)) {
		env = append(env, k+"="+spec.Vars[k])
	}
	return env
}

func (p *process) finish(err error) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop = &now

	ps := p.cmd.ProcessState
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.state = ProcError
		p.errors = append(p.errors, fmt.Sprintf("wait: %v", err))
		return
	}
	p.state = ProcTerminated
	if ps == nil {
		return
	}
	status := &ExitStatus{ExitCode: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = unix.SignalName(ws.Signal())
		if status.Signal == "" {
			status.Signal = fmt.Sprintf("signal %d", int(ws.Signal()))
		}
	}
	p.status = status
	p.rusage = &Rusage{
		UTime: ps.UserTime().Seconds(),
		STime: ps.SystemTime().Seconds(),
	}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok {
		p.rusage.MaxRSS = int64(ru.Maxrss)
	}
}

func (p *process) result(conn ConnInfo) *ProcResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := &ProcResult{
		ProcID: p.id,
		State:  p.state,
		Errors: slices.Clone(p.errors),
		Times:  ProcTimes{Start: p.start},
		Output: p.out.String(),
		Conn:   conn,
	}
	if p.cmd.Process != nil {
		res.PID = p.cmd.Process.Pid
	}
	if p.stop != nil {
		stop := *p.stop
		res.Times.Stop = &stop
		res.Times.Elapsed = stop.Sub(p.start).Seconds()
	} else {
		res.Times.Elapsed = time.Since(p.start).Seconds()
	}
	if p.status != nil {
		status := *p.status
		res.Status = &status
	}
	if p.rusage != nil {
		rusage := *p.rusage
		res.Rusage = &rusage
	}
	return res
}

func (p *process) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) signal(sig syscall.Signal) error {
	if !p.running() {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// stoppedAt reports when the process ended, if it has.
func (p *process) stoppedAt() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return time.Time{}, false
	}
	return *p.stop, true
}

// procTable is the agent's set of processes keyed by proc id.
type procTable struct {
	mu    sync.Mutex
	procs map[string]*process
}

func newProcTable() *procTable {
	return &procTable{procs: make(map[string]*process)}
}

func (t *procTable) get(id string) *process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[id]
}

func (t *procTable) add(p *process) {
	t.mu.Lock()
	t.procs[p.id] = p
	t.mu.Unlock()
}

// remove kills the process if it is still running and drops it.
func (t *procTable) remove(id string) bool {
	t.mu.Lock()
	p, ok := t.procs[id]
	delete(t.procs, id)
	t.mu.Unlock()
	if ok && p.running() {
		_ = p.signal(syscall.SIGKILL)
	}
	return ok
}

// collect drops terminated processes that ended more than ttl before now
// and returns their ids.
func (t *procTable) collect(now time.Time, ttl time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, p := range t.procs {
		if stop, ok := p.stoppedAt(); ok && now.Sub(stop) > ttl {
			delete(t.procs, id)
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (t *procTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// killAll signals every running process.
func (t *procTable) killAll(sig syscall.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		_ = p.signal(sig)
	}
}
