package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/user"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Config holds agent configuration.
type Config struct {
	ServerURL   string
	AccessToken string
	GroupID     string
	ConnID      string
	TLS         TLSConfig

	// RetryInterval is the minimum time between connection attempts.
	RetryInterval time.Duration
	// UpdateInterval is the minimum time between running results sent for
	// one process as its output grows. Zero sends results only on start
	// and exit.
	UpdateInterval time.Duration
	// OrphanTTL is how long a terminated process is kept for the scheduler
	// to collect before the agent discards it. Zero keeps them forever.
	OrphanTTL time.Duration
}

// Agent connects to the scheduler and runs processes on its behalf. It
// keeps its conn_id across reconnects so the scheduler can resume
// observing processes started over an earlier connection.
type Agent struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer
	retry  *rate.Limiter
	procs  *procTable
	info   ConnInfo
	user   string

	mu       sync.Mutex
	sock     *socket
	resultMu sync.Mutex
}

// New creates an Agent from configuration.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.ConnID == "" {
		cfg.ConnID = "conn_" + uuid.New().String()
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "default"
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	return &Agent{
		cfg:    cfg,
		logger: logger.With("component", "agent", "conn_id", cfg.ConnID, "group_id", cfg.GroupID),
		dialer: &websocket.Dialer{
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		retry: rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		procs: newProcTable(),
		info:  ConnInfo{ConnID: cfg.ConnID, GroupID: cfg.GroupID, Hostname: hostname},
		user:  username,
	}, nil
}

// ConnID returns the agent's connection id.
func (a *Agent) ConnID() string { return a.cfg.ConnID }

// Run connects to the scheduler and serves it, reconnecting when the
// connection drops, until ctx is cancelled. Running processes are
// terminated on return.
func (a *Agent) Run(ctx context.Context) error {
	go a.collectLoop(ctx)
	defer a.procs.killAll(syscall.SIGTERM)

	for {
		if err := a.retry.Wait(ctx); err != nil {
			return nil
		}
		err := a.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("connection to scheduler ended", "error", err)
	}
}

func (a *Agent) connect(ctx context.Context) error {
	header := http.Header{}
	if a.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}
	ws, resp, err := a.dialer.DialContext(ctx, a.cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", a.cfg.ServerURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	sock := &socket{ws: ws}
	pid := os.Getpid()
	if err := sock.send(&Message{
		Type:     MsgRegister,
		ConnID:   a.info.ConnID,
		GroupID:  a.info.GroupID,
		Hostname: a.info.Hostname,
		Username: a.user,
		PID:      pid,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	msg, err := readMessage(ws)
	if err != nil {
		return fmt.Errorf("await registered: %w", err)
	}
	if msg.Type != MsgRegistered {
		return fmt.Errorf("expected %s, got %s", MsgRegistered, msg.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	a.setSocket(sock)
	defer a.clearSocket(sock)
	a.logger.Info("registered with scheduler", "server", a.cfg.ServerURL, "procs", a.procs.len())

	for {
		msg, err := readMessage(ws)
		if err != nil {
			return err
		}
		a.handle(sock, msg)
	}
}

func (a *Agent) setSocket(sock *socket) {
	a.mu.Lock()
	a.sock = sock
	a.mu.Unlock()
}

func (a *Agent) clearSocket(sock *socket) {
	a.mu.Lock()
	if a.sock == sock {
		a.sock = nil
	}
	a.mu.Unlock()
}

func (a *Agent) current() *socket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sock
}

func (a *Agent) handle(sock *socket, msg *Message) {
	logger := a.logger.With("proc_id", msg.ProcID)
	var err error
	switch msg.Type {
	case MsgProcStart:
		err = a.start(logger, sock, msg.ProcID, msg.Spec)
	case MsgProcResultRequest:
		if p := a.procs.get(msg.ProcID); p != nil {
			err = a.sendResult(sock, p)
		} else {
			err = sock.send(&Message{Type: MsgProcUnknown, ProcID: msg.ProcID})
		}
	case MsgProcSignal:
		if p := a.procs.get(msg.ProcID); p != nil {
			if err := p.signal(syscall.Signal(msg.Signal)); err != nil {
				logger.Warn("signal failed", "signal", msg.Signal, "error", err)
			}
		} else {
			err = sock.send(&Message{Type: MsgProcUnknown, ProcID: msg.ProcID})
		}
	case MsgProcDelete:
		if a.procs.remove(msg.ProcID) {
			logger.Debug("proc deleted")
			err = sock.send(&Message{Type: MsgProcDeleted, ProcID: msg.ProcID})
		} else {
			err = sock.send(&Message{Type: MsgProcUnknown, ProcID: msg.ProcID})
		}
	default:
		logger.Warn("unexpected message from scheduler", "type", msg.Type)
	}
	if err != nil {
		logger.Warn("reply failed", "type", msg.Type, "error", err)
	}
}

// sendResult sends p's current result. Snapshots are taken and sent under
// one lock so the scheduler never sees a process go backwards in state.
func (a *Agent) sendResult(sock *socket, p *process) error {
	a.resultMu.Lock()
	defer a.resultMu.Unlock()
	return sock.send(&Message{Type: MsgProcResult, ProcID: p.id, Result: p.result(a.info)})
}

// start launches a process, or reports on it if it already exists.
func (a *Agent) start(logger *slog.Logger, sock *socket, procID string, spec *ProcSpec) error {
	if p := a.procs.get(procID); p != nil {
		return a.sendResult(sock, p)
	}

	var updates *rate.Limiter
	if a.cfg.UpdateInterval > 0 {
		updates = rate.NewLimiter(rate.Every(a.cfg.UpdateInterval), 1)
	}
	p, err := startProcess(procID, spec, updates, func() { a.update(procID) })
	if err != nil {
		logger.Warn("process start failed", "argv", spec.Argv, "error", err)
		return sock.send(&Message{Type: MsgProcResult, ProcID: procID, Result: &ProcResult{
			ProcID: procID,
			State:  ProcError,
			Errors: []string{err.Error()},
			Times:  ProcTimes{Start: time.Now().UTC()},
			Conn:   a.info,
		}})
	}
	a.procs.add(p)
	logger.Info("process started", "argv", spec.Argv, "pid", p.cmd.Process.Pid)
	return a.sendResult(sock, p)
}

// update pushes a process's current result to the scheduler, if connected.
func (a *Agent) update(procID string) {
	p := a.procs.get(procID)
	sock := a.current()
	if p == nil || sock == nil {
		return
	}
	if err := a.sendResult(sock, p); err != nil {
		a.logger.Warn("send result failed", "proc_id", procID, "error", err)
	}
}

func (a *Agent) collectLoop(ctx context.Context) {
	if a.cfg.OrphanTTL <= 0 {
		return
	}
	ticker := time.NewTicker(max(a.cfg.OrphanTTL/4, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range a.procs.collect(now.UTC(), a.cfg.OrphanTTL) {
				a.logger.Info("discarded orphaned process", "proc_id", id)
			}
		}
	}
}
