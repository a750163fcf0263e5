package agent

import (
	"cmp"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/docket/pkg/model"
)

const (
	writeTimeout    = 10 * time.Second
	registerTimeout = 10 * time.Second
)

// ServerConfig configures the agent connection registry.
type ServerConfig struct {
	// AccessToken is the bearer token agents must present. Empty disables auth.
	AccessToken string
	// ReconnectTimeout is how long a disconnected agent's procs wait for it
	// to register again before failing with ErrConnectionLost.
	ReconnectTimeout time.Duration
	// PingInterval is the websocket keepalive interval. Zero disables pings.
	PingInterval time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReconnectTimeout: 60 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// socket is one websocket connection from an agent. Writes are serialized.
type socket struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (s *socket) send(msg *Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(msg)
}

// conn is a logical agent connection, identified by conn_id. It outlives
// individual sockets so an agent can re-register after a network drop.
type conn struct {
	info model.AgentConn
	sock *socket
	lost *time.Timer
}

// Server is the scheduler-side registry of agent connections. Agents dial
// in to its websocket handler; executors start and observe procs through it.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn
	procs   map[string]*Proc
	changed chan struct{}
	closed  bool
}

// NewServer creates an agent connection registry.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "agent-server"),
		conns:   make(map[string]*conn),
		procs:   make(map[string]*Proc),
		changed: make(chan struct{}),
	}
}

// broadcast wakes everyone waiting for a connection. Caller holds s.mu.
func (s *Server) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// ServeHTTP upgrades an agent's request to a websocket and serves it until
// the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.serve(&socket{ws: ws})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AccessToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AccessToken)) == 1
}

func (s *Server) serve(sock *socket) {
	defer sock.ws.Close()

	_ = sock.ws.SetReadDeadline(time.Now().Add(registerTimeout))
	msg, err := readMessage(sock.ws)
	if err != nil {
		s.logger.Warn("agent register failed", "error", err)
		return
	}
	if msg.Type != MsgRegister {
		s.logger.Warn("agent sent message before register", "type", msg.Type)
		return
	}

	c, pending, err := s.register(msg, sock)
	if err != nil {
		s.logger.Warn("agent register rejected", "conn_id", msg.ConnID, "error", err)
		return
	}
	connID := c.info.ConnID
	logger := s.logger.With("conn_id", connID, "group_id", msg.GroupID)
	defer s.disconnect(connID, sock)

	if err := sock.send(&Message{Type: MsgRegistered, ConnID: connID}); err != nil {
		logger.Warn("send registered failed", "error", err)
		return
	}
	for _, procID := range pending {
		if err := sock.send(&Message{Type: MsgProcResultRequest, ProcID: procID}); err != nil {
			logger.Warn("send result request failed", "proc_id", procID, "error", err)
			return
		}
	}
	logger.Info("agent registered", "hostname", msg.Hostname, "procs", len(pending))

	stopPing := s.keepalive(sock)
	defer stopPing()

	for {
		msg, err := readMessage(sock.ws)
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				logger.Warn("agent read failed", "error", err)
			}
			return
		}
		s.touch(connID)
		s.handle(logger, connID, msg)
	}
}

func readMessage(ws *websocket.Conn) (*Message, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// keepalive pings the agent and extends the read deadline on each pong.
func (s *Server) keepalive(sock *socket) func() {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		_ = sock.ws.SetReadDeadline(time.Time{})
		return func() {}
	}
	extend := func() { _ = sock.ws.SetReadDeadline(time.Now().Add(3 * interval)) }
	extend()
	sock.ws.SetPongHandler(func(string) error { extend(); return nil })

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sock.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// register records a connected agent and returns the procs it should be
// asked about. A second socket for the same conn_id replaces the first.
func (s *Server) register(msg *Message, sock *socket) (*conn, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrServerClosed
	}

	now := time.Now().UTC()
	c, ok := s.conns[msg.ConnID]
	if !ok {
		c = &conn{}
		s.conns[msg.ConnID] = c
	}
	if c.lost != nil {
		c.lost.Stop()
		c.lost = nil
	}
	if c.sock != nil {
		_ = c.sock.ws.Close()
	}
	c.sock = sock
	group := msg.GroupID
	if group == "" {
		group = "default"
	}
	c.info = model.AgentConn{
		ConnID:      msg.ConnID,
		GroupID:     group,
		Hostname:    msg.Hostname,
		Username:    msg.Username,
		PID:         msg.PID,
		State:       model.AgentConnConnected,
		ConnectedAt: now,
		LastSeen:    now,
	}

	var pending []string
	for id, p := range s.procs {
		if p.ConnID == msg.ConnID {
			pending = append(pending, id)
		}
	}
	slices.Sort(pending)
	s.broadcast()
	return c, pending, nil
}

func (s *Server) touch(connID string) {
	s.mu.Lock()
	if c, ok := s.conns[connID]; ok {
		c.info.LastSeen = time.Now().UTC()
	}
	s.mu.Unlock()
}

// disconnect marks a connection as down and arms its reconnect window,
// unless the socket has already been replaced.
func (s *Server) disconnect(connID string, sock *socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if s.closed || !ok || c.sock != sock {
		return
	}
	c.sock = nil
	c.info.State = model.AgentConnDisconnected
	s.armLost(connID, c)
	s.broadcast()
	s.logger.Info("agent disconnected", "conn_id", connID)
}

// armLost starts the reconnect window for c. Caller holds s.mu.
func (s *Server) armLost(connID string, c *conn) {
	if c.lost != nil {
		c.lost.Stop()
	}
	c.lost = time.AfterFunc(s.cfg.ReconnectTimeout, func() { s.expire(connID, c) })
}

func (s *Server) expire(connID string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[connID] != c || c.sock != nil {
		return
	}
	delete(s.conns, connID)
	for id, p := range s.procs {
		if p.ConnID == connID {
			p.fail(ErrConnectionLost)
			delete(s.procs, id)
		}
	}
	s.broadcast()
	s.logger.Warn("agent connection lost", "conn_id", connID)
}

func (s *Server) handle(logger *slog.Logger, connID string, msg *Message) {
	switch msg.Type {
	case MsgProcResult:
		p := s.proc(msg.ProcID)
		if p == nil || p.ConnID != connID {
			logger.Debug("result for untracked proc", "proc_id", msg.ProcID)
			return
		}
		p.push(msg.Result)
	case MsgProcUnknown:
		s.mu.Lock()
		p, ok := s.procs[msg.ProcID]
		if ok && p.ConnID == connID {
			delete(s.procs, msg.ProcID)
		}
		s.mu.Unlock()
		if ok {
			p.fail(fmt.Errorf("%w: %s", ErrUnknownProc, msg.ProcID))
		}
	case MsgProcDeleted:
		logger.Debug("proc deleted", "proc_id", msg.ProcID)
	default:
		logger.Warn("unexpected message from agent", "type", msg.Type)
	}
}

func (s *Server) proc(procID string) *Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[procID]
}

// waitConn picks a connected agent in group, waiting up to timeout for one
// to register. A zero timeout checks once.
func (s *Server) waitConn(ctx context.Context, group string, timeout time.Duration) (string, *socket, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", nil, ErrServerClosed
		}
		connID, sock := s.pick(group)
		changed := s.changed
		s.mu.Unlock()
		if sock != nil {
			return connID, sock, nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return "", nil, fmt.Errorf("%w in group %s after %s", ErrNoConnection, group, timeout)
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// pick returns the connected agent in group with the fewest procs. Caller
// holds s.mu.
func (s *Server) pick(group string) (string, *socket) {
	load := make(map[string]int)
	for _, p := range s.procs {
		load[p.ConnID]++
	}
	var best string
	for id, c := range s.conns {
		if c.sock == nil || c.info.GroupID != group {
			continue
		}
		if best == "" || cmp.Or(cmp.Compare(load[id], load[best]), strings.Compare(id, best)) < 0 {
			best = id
		}
	}
	if best == "" {
		return "", nil
	}
	return best, s.conns[best].sock
}

// Start sends spec to an agent in group and returns a handle to its result
// stream. It waits up to timeout for an agent to be available.
func (s *Server) Start(ctx context.Context, procID, group string, spec *ProcSpec, timeout time.Duration) (*Proc, error) {
	connID, sock, err := s.waitConn(ctx, group, timeout)
	if err != nil {
		return nil, err
	}

	p := newProc(procID, connID)
	s.mu.Lock()
	if _, ok := s.procs[procID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("proc %s already exists", procID)
	}
	s.procs[procID] = p
	s.mu.Unlock()

	if err := sock.send(&Message{Type: MsgProcStart, ProcID: procID, Spec: spec}); err != nil {
		s.forget(procID)
		return nil, fmt.Errorf("send start to %s: %w", connID, err)
	}
	s.logger.Debug("proc started", "proc_id", procID, "conn_id", connID, "group_id", group)
	return p, nil
}

// Reconnect re-subscribes to a proc started in an earlier lifetime. If the
// agent is not connected now, the request is sent when it registers; if it
// does not register within the reconnect window the stream fails with
// ErrConnectionLost.
func (s *Server) Reconnect(ctx context.Context, connID, procID string) (*Proc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if p, ok := s.procs[procID]; ok {
		s.mu.Unlock()
		if p.ConnID != connID {
			return nil, fmt.Errorf("proc %s belongs to %s, not %s", procID, p.ConnID, connID)
		}
		return p, nil
	}
	p := newProc(procID, connID)
	s.procs[procID] = p
	c, ok := s.conns[connID]
	if !ok {
		c = &conn{info: model.AgentConn{ConnID: connID, State: model.AgentConnDisconnected}}
		s.conns[connID] = c
		s.armLost(connID, c)
	}
	sock := c.sock
	s.mu.Unlock()

	if sock != nil {
		if err := sock.send(&Message{Type: MsgProcResultRequest, ProcID: procID}); err != nil {
			s.logger.Warn("send result request failed", "proc_id", procID, "conn_id", connID, "error", err)
		}
	}
	return p, nil
}

func (s *Server) sockFor(procID string) (*socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[procID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProc, procID)
	}
	c, ok := s.conns[p.ConnID]
	if !ok || c.sock == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, p.ConnID)
	}
	return c.sock, nil
}

// Signal delivers a signal number to a proc.
func (s *Server) Signal(ctx context.Context, procID string, sig int) error {
	sock, err := s.sockFor(procID)
	if err != nil {
		return err
	}
	return sock.send(&Message{Type: MsgProcSignal, ProcID: procID, Signal: sig})
}

// Delete asks the agent to discard a proc and stops tracking it.
func (s *Server) Delete(ctx context.Context, procID string) error {
	sock, err := s.sockFor(procID)
	s.forget(procID)
	if err != nil {
		return err
	}
	return sock.send(&Message{Type: MsgProcDelete, ProcID: procID})
}

func (s *Server) forget(procID string) {
	s.mu.Lock()
	delete(s.procs, procID)
	s.mu.Unlock()
}

// Conns returns a snapshot of known agent connections ordered by conn_id.
func (s *Server) Conns() []model.AgentConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	load := make(map[string]int)
	for _, p := range s.procs {
		load[p.ConnID]++
	}
	out := make([]model.AgentConn, 0, len(s.conns))
	for id, c := range s.conns {
		info := c.info
		info.Procs = load[id]
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b model.AgentConn) int { return strings.Compare(a.ConnID, b.ConnID) })
	return out
}

// Close disconnects all agents and fails all open proc streams.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.conns {
		if c.lost != nil {
			c.lost.Stop()
		}
		if c.sock != nil {
			c.sock.wmu.Lock()
			_ = c.sock.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(time.Second))
			c.sock.wmu.Unlock()
			_ = c.sock.ws.Close()
		}
	}
	for _, p := range s.procs {
		p.fail(ErrServerClosed)
	}
	clear(s.procs)
	s.broadcast()
	return nil
}
