package agent

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoConnection is returned when no agent in a group connects in time.
	ErrNoConnection = errors.New("no agent connection")
	// ErrConnectionLost is delivered to procs whose agent did not return
	// within the reconnect window.
	ErrConnectionLost = errors.New("agent connection lost")
	// ErrUnknownProc is delivered when the agent has no record of a proc.
	ErrUnknownProc = errors.New("unknown proc")
	// ErrServerClosed is delivered to procs still open when the server closes.
	ErrServerClosed = errors.New("agent server closed")
)

// Proc is the server-side handle to a process on an agent. Results are
// queued in arrival order and consumed with Next.
type Proc struct {
	ID     string
	ConnID string

	mu     sync.Mutex
	queue  []*ProcResult
	err    error
	notify chan struct{}
}

func newProc(id, connID string) *Proc {
	return &Proc{ID: id, ConnID: connID, notify: make(chan struct{}, 1)}
}

func (p *Proc) push(res *ProcResult) {
	p.mu.Lock()
	if p.err == nil {
		p.queue = append(p.queue, res)
	}
	p.mu.Unlock()
	p.wake()
}

// fail ends the stream. Results already queued are still delivered.
func (p *Proc) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.wake()
}

func (p *Proc) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Next returns the next result, blocking until one arrives, the stream
// fails, or ctx is done.
func (p *Proc) Next(ctx context.Context) (*ProcResult, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			res := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return res, nil
		}
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
