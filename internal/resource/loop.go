package resource

import (
	"context"
	"fmt"
	"sync"
)

// Loop is the handle of a running control loop.
type Loop struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// StartLoop runs fn in its own goroutine with a context that Abort cancels.
// A panic in fn ends the loop and is recorded as its error.
func StartLoop(parent context.Context, fn func(ctx context.Context) error) *Loop {
	ctx, cancel := context.WithCancel(parent)
	l := &Loop{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				l.setErr(fmt.Errorf("control loop panicked: %v", r))
			}
		}()
		l.setErr(fn(ctx))
	}()

	return l
}

func (l *Loop) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Abort cancels the loop context.
func (l *Loop) Abort() { l.cancel() }

// Done is closed when the loop has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Alive reports whether the loop is still running.
func (l *Loop) Alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Join blocks until the loop returns or ctx is done, and reports whether
// the loop returned.
func (l *Loop) Join(ctx context.Context) bool {
	select {
	case <-l.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Err returns what the loop returned, nil while it runs.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
