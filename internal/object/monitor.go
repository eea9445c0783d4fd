package object

import (
	"context"
	"sync"
)

// Monitor is a re-entrant lock with a condition, one per instance.
//
// Ownership travels in the context returned by Enter, so a goroutine that
// already holds the monitor and passes that context on may enter again
// without blocking.
type Monitor struct {
	mu     sync.Mutex
	free   *sync.Cond
	notify *sync.Cond
	owner  *monitorToken
	depth  int
}

type monitorToken struct{}

type monitorKey struct{ m *Monitor }

// NewMonitor returns an unheld monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.free = sync.NewCond(&m.mu)
	m.notify = sync.NewCond(&m.mu)
	return m
}

// Enter acquires the monitor and returns the context that carries ownership
// together with the release function. Release exactly once.
func (m *Monitor) Enter(ctx context.Context) (context.Context, func()) {
	tok, _ := ctx.Value(monitorKey{m}).(*monitorToken)

	m.mu.Lock()
	if tok != nil && m.owner == tok {
		m.depth++
		m.mu.Unlock()
		return ctx, m.release
	}
	for m.owner != nil {
		m.free.Wait()
	}
	tok = &monitorToken{}
	m.owner, m.depth = tok, 1
	m.mu.Unlock()

	return context.WithValue(ctx, monitorKey{m}, tok), m.release
}

func (m *Monitor) release() {
	m.mu.Lock()
	m.depth--
	if m.depth == 0 {
		m.owner = nil
		m.free.Signal()
	}
	m.mu.Unlock()
}

// Do runs fn while holding the monitor.
func (m *Monitor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, release := m.Enter(ctx)
	defer release()
	return fn(ctx)
}

// Held reports whether ctx carries ownership of m.
func (m *Monitor) Held(ctx context.Context) bool {
	tok, _ := ctx.Value(monitorKey{m}).(*monitorToken)
	m.mu.Lock()
	defer m.mu.Unlock()
	return tok != nil && m.owner == tok
}

// Wait releases the monitor, blocks until NotifyAll, then reacquires it at
// the same depth. ctx must carry ownership.
func (m *Monitor) Wait(ctx context.Context) error {
	tok, _ := ctx.Value(monitorKey{m}).(*monitorToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	if tok == nil || m.owner != tok {
		return ErrNotOwner
	}

	depth := m.depth
	m.owner, m.depth = nil, 0
	m.free.Signal()

	m.notify.Wait()

	for m.owner != nil {
		m.free.Wait()
	}
	m.owner, m.depth = tok, depth
	return nil
}

// NotifyAll wakes every goroutine blocked in Wait.
func (m *Monitor) NotifyAll() {
	m.mu.Lock()
	m.notify.Broadcast()
	m.mu.Unlock()
}
