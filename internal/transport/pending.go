package transport

import (
	"context"
	"sync"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/protocol"
)

// pending correlates outstanding requests with their responses by id.
type pending struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Response
	closed  bool
}

func newPending() *pending {
	return &pending{waiters: make(map[string]chan *protocol.Response)}
}

// add registers id before its request is sent.
func (p *pending) add(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, dup := p.waiters[id]; dup {
		return errs.Transportf("request %s is already pending", id)
	}
	p.waiters[id] = make(chan *protocol.Response, 1)
	return nil
}

// deliver hands resp to its waiter. It reports false for unknown ids, which
// happens when the caller gave up before the response arrived.
func (p *pending) deliver(resp *protocol.Response) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[resp.ID]
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// wait blocks for the response to id and forgets the id.
func (p *pending) wait(ctx context.Context, id string) (*protocol.Response, error) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	p.mu.Unlock()
	if !ok {
		return nil, errs.Transportf("no pending request %s", id)
	}
	defer p.remove(id)

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, errs.Transportf("waiting for response %s: %v", id, ctx.Err())
	}
}

func (p *pending) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
}

// failAll wakes every waiter with ErrClosed. Later requests are accepted.
func (p *pending) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failLocked()
}

// close fails every waiter and refuses new requests.
func (p *pending) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.failLocked()
}

func (p *pending) failLocked() {
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

// len returns the number of outstanding requests.
func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
