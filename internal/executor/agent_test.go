package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/docket/internal/agent"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
)

type agentHandler struct {
	cur atomic.Pointer[agent.Server]
}

func (h *agentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.cur.Load().ServeHTTP(w, r)
}

// newAgentEnv starts an agent registry behind an httptest server and,
// if withAgent, an agent in group "test" connected to it.
func newAgentEnv(t *testing.T, withAgent bool) (*agent.Server, *agentHandler) {
	t.Helper()
	srv := agent.NewServer(agent.DefaultServerConfig(), newTestLogger())
	h := &agentHandler{}
	h.cur.Store(srv)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		h.cur.Load().Close()
		ts.Close()
	})
	if !withAgent {
		return srv, h
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
	waitAgent(t, srv, a.ConnID())
	return srv, h
}

func waitAgent(t *testing.T, srv *agent.Server, connID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range srv.Conns() {
			if c.ConnID == connID && c.State == model.AgentConnConnected {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent %s did not connect", connID)
}

func agentProgram(argv ...string) *program.Agent {
	return &program.Agent{Args: argv, GroupID: "test"}
}

func TestAgentExecutor_DispatchTimeout(t *testing.T) {
	srv, _ := newAgentEnv(t, false)
	e := NewAgentExecutor(srv, 100*time.Millisecond, newTestLogger())

	start := time.Now()
	_, err := e.Start(context.Background(), "run_1", agentProgram("true"))
	var pe *program.ProgramError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProgramError", err)
	}
	if !errors.Is(err, agent.ErrNoConnection) {
		t.Errorf("err = %v, want to wrap ErrNoConnection", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("elapsed = %s, want about 100ms", elapsed)
	}
	if n := len(srv.Conns()); n != 0 {
		t.Errorf("conns = %d, want 0", n)
	}
}

func TestAgentExecutor_Outcomes(t *testing.T) {
	srv, _ := newAgentEnv(t, true)
	e := NewAgentExecutor(srv, time.Second, newTestLogger())

	tests := []struct {
		name    string
		argv    []string
		outcome program.Outcome
		message string
		output  string
	}{
		{"success", []string{"/bin/sh", "-c", "echo hi"}, program.OutcomeSuccess, "", "hi\n"},
		{"failure", []string{"/bin/sh", "-c", "echo bad; exit 2"}, program.OutcomeFailure, "program failed: exit code 2", "bad\n"},
		{"exec error", []string{"/nonexistent/program"}, "", "", ""},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runID := model.NewRunID()
			r, err := e.Start(context.Background(), runID, agentProgram(tt.argv...))
			if tt.outcome == "" {
				var pe *program.ProgramError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want *ProgramError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if r.State["proc_id"] != runID || r.State["conn_id"] == "" {
				t.Errorf("State = %v", r.State)
			}
			res := waitResult(t, r.Done)
			if res.Outcome != tt.outcome || res.Message != tt.message || res.Output != tt.output {
				t.Errorf("case %d: result = %+v", i, res)
			}
		})
	}
}

func TestAgentExecutor_Reconnect(t *testing.T) {
	srv1, h := newAgentEnv(t, true)
	e1 := NewAgentExecutor(srv1, time.Second, newTestLogger())

	ctx1, cancel1 := context.WithCancel(context.Background())
	prog := agentProgram("/bin/sh", "-c", "sleep 0.3; echo done")
	r, err := e1.Start(ctx1, "run_1", prog)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Tear down the first scheduler: its executor detaches without
	// deleting the proc.
	cancel1()
	if _, ok := <-r.Done; ok {
		t.Fatal("Done delivered a result after cancel")
	}
	srv2 := agent.NewServer(agent.DefaultServerConfig(), newTestLogger())
	h.cur.Store(srv2)
	srv1.Close()

	e2 := NewAgentExecutor(srv2, time.Second, newTestLogger())
	r2, err := e2.Reconnect(context.Background(), "run_1", prog, r.State)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	res := waitResult(t, r2.Done)
	if res.Outcome != program.OutcomeSuccess || res.Output != "done\n" {
		t.Errorf("result = %+v", res)
	}
	if res.Meta["proc_id"] != "run_1" {
		t.Errorf("proc_id = %v, want run_1", res.Meta["proc_id"])
	}
}

func TestAgentExecutor_ReconnectBadState(t *testing.T) {
	srv, _ := newAgentEnv(t, false)
	e := NewAgentExecutor(srv, 0, newTestLogger())

	_, err := e.Reconnect(context.Background(), "run_1", agentProgram("true"), map[string]any{"pid": 12})
	var pe *program.ProgramError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProgramError", err)
	}
}

func TestAgentExecutor_ReconnectLostConnection(t *testing.T) {
	srv := agent.NewServer(agent.ServerConfig{ReconnectTimeout: 50 * time.Millisecond}, newTestLogger())
	defer srv.Close()
	e := NewAgentExecutor(srv, 0, newTestLogger())

	state := map[string]any{"conn_id": "conn_gone", "proc_id": "run_1"}
	r, err := e.Reconnect(context.Background(), "run_1", agentProgram("true"), state)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	res := waitResult(t, r.Done)
	if res.Outcome != program.OutcomeError || !strings.Contains(res.Message, "connection lost") {
		t.Errorf("result = %+v, want connection lost error", res)
	}
}

// scriptedAgent is a bare websocket connection registered as an agent in
// group "test". It answers nothing on its own.
type scriptedAgent struct {
	ws   *websocket.Conn
	msgs chan *agent.Message
}

func newScriptedAgent(t *testing.T) (*agent.Server, *scriptedAgent) {
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

	a := &scriptedAgent{ws: ws, msgs: make(chan *agent.Message, 64)}
	if err := ws.WriteJSON(&agent.Message{Type: agent.MsgRegister, ConnID: "scripted", GroupID: "test"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	go func() {
		defer close(a.msgs)
		for {
			var m agent.Message
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			a.msgs <- &m
		}
	}()
	waitAgent(t, srv, "scripted")
	return srv, a
}

// expect returns the next message of type typ, skipping others.
func (a *scriptedAgent) expect(t *testing.T, typ string) *agent.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-a.msgs:
			if !ok {
				t.Fatalf("connection closed waiting for %s", typ)
			}
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s message", typ)
		}
	}
}

func TestAgentExecutor_CancelAwaitingFirstResult(t *testing.T) {
	srv, a := newScriptedAgent(t)
	e := NewAgentExecutor(srv, time.Second, newTestLogger())
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Start(ctx, "run-1", agentProgram("sleep", "60"))
		errCh <- err
	}()
	a.expect(t, agent.MsgProcStart)
	cancel(ErrCancelled)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("Start err = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if m := a.expect(t, agent.MsgProcDelete); m.ProcID != "run-1" {
		t.Errorf("deleted %q, want run-1", m.ProcID)
	}
}

func TestAgentExecutor_CancelRunningDeletesProc(t *testing.T) {
	srv, a := newScriptedAgent(t)
	e := NewAgentExecutor(srv, time.Second, newTestLogger())
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	type started struct {
		r   *Running
		err error
	}
	ch := make(chan started, 1)
	go func() {
		r, err := e.Start(ctx, "run-2", agentProgram("sleep", "60"))
		ch <- started{r, err}
	}()
	start := a.expect(t, agent.MsgProcStart)
	err := a.ws.WriteJSON(&agent.Message{
		Type:   agent.MsgProcResult,
		ProcID: start.ProcID,
		Result: &agent.ProcResult{ProcID: start.ProcID, State: agent.ProcRunning, PID: 42},
	})
	if err != nil {
		t.Fatalf("send result: %v", err)
	}

	var s started
	select {
	case s = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	if s.err != nil {
		t.Fatalf("Start: %v", s.err)
	}
	cancel(ErrCancelled)

	select {
	case res := <-s.r.Done:
		if res.Outcome != program.OutcomeError || !strings.Contains(res.Message, "cancelled") {
			t.Errorf("result = %s %q, want error cancelled", res.Outcome, res.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result after cancel")
	}
	if m := a.expect(t, agent.MsgProcDelete); m.ProcID != "run-2" {
		t.Errorf("deleted %q, want run-2", m.ProcID)
	}
}
