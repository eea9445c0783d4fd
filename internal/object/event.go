package object

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nerrad567/instrumentd/internal/protocol"
)

// Handler receives the arguments of a fired event.
type Handler func(args []any, kwargs map[string]any)

// HandlerID identifies a registered handler for removal.
type HandlerID uint64

// Publisher forwards fired events to remote subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev *protocol.Event) error
}

// Event is the dispatcher of one declared event on one instance.
type Event struct {
	name  string
	owner *Base

	mu       sync.RWMutex
	nextID   HandlerID
	order    []HandlerID
	handlers map[HandlerID]Handler
}

func newEvent(name string, owner *Base) *Event {
	return &Event{name: name, owner: owner, handlers: make(map[HandlerID]Handler)}
}

// Name returns the event name.
func (e *Event) Name() string { return e.name }

// Topic returns the pub/sub topic of the event.
func (e *Event) Topic() string { return protocol.Topic(e.owner.Location(), e.name) }

// Add registers a local handler.
func (e *Event) Add(h Handler) HandlerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers[id] = h
	e.order = append(e.order, id)
	return id
}

// Remove unregisters a handler. It reports whether the handler was present.
func (e *Event) Remove(id HandlerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[id]; !ok {
		return false
	}
	delete(e.handlers, id)
	e.order = slices.DeleteFunc(e.order, func(x HandlerID) bool { return x == id })
	return true
}

// Len returns the number of local handlers.
func (e *Event) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// Fire invokes every local handler with args, then publishes the event.
func (e *Event) Fire(args ...any) {
	e.FireKw(args, nil)
}

// FireKw is Fire with keyword arguments.
//
// A panicking handler is logged and does not stop the others. Publishing is
// best effort: failures are logged, never returned.
func (e *Event) FireKw(args []any, kwargs map[string]any) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.order))
	for _, id := range e.order {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.RUnlock()

	log := e.owner.logger()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("event handler panicked",
						"location", e.owner.Location().String(),
						"event", e.name,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			h(args, maps.Clone(kwargs))
		}()
	}

	pub := e.owner.publisher()
	if pub == nil {
		return
	}
	ev := protocol.NewEvent(e.Topic(), args, kwargs)
	if err := pub.Publish(context.Background(), ev); err != nil {
		log.Warn("event publish failed",
			"topic", ev.Topic,
			"error", err,
		)
	}
}
