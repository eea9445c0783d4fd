package object

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/instrumentd/internal/location"
)

// State is the lifecycle state of an instance.
type State int

const (
	// Stopped instances have no control loop.
	Stopped State = iota
	// Running instances have an active control loop.
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Object is the managed object contract. Embed Base to satisfy it; override
// the hooks as needed.
type Object interface {
	// Start runs before the control loop is launched.
	Start() error
	// Main is the control loop. It must return once ctx is done.
	Main(ctx context.Context) error
	// Stop runs after the control loop has exited.
	Stop() error
	// AbortLoop asks a running Main to return. The manager also cancels
	// the loop context after calling it.
	AbortLoop()

	// Get and Set give item access to the instance config.
	Get(key string) (any, error)
	Set(key string, value any) error

	Location() location.Location
	State() State

	base() *Base
}

// Initializer is implemented by objects that need construction logic.
// Init runs after identity and config defaults are bound and before the
// location config is applied.
type Initializer interface {
	Init() error
}

// Logger is the logging interface used by objects.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Base carries the per-instance runtime state of a managed object.
// It is constructed by Class.New and must not be copied after that.
type Base struct {
	class   *Class
	monitor *Monitor
	config  *Config
	events  map[string]*Event

	mu    sync.RWMutex
	loc   location.Location
	state State
	pub   Publisher
	log   Logger
}

func (b *Base) base() *Base { return b }

func (b *Base) bind(cls *Class, loc location.Location) {
	b.class = cls
	b.monitor = NewMonitor()
	b.config = NewConfig(cls.defaults)
	b.events = make(map[string]*Event, len(cls.events))
	for _, name := range cls.events {
		b.events[name] = newEvent(name, b)
	}
	b.loc = loc
	b.log = noopLogger{}
}

// Start is the default pre-start hook.
func (b *Base) Start() error { return nil }

// Main is the default control loop: it idles until aborted.
func (b *Base) Main(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Stop is the default stop hook.
func (b *Base) Stop() error { return nil }

// AbortLoop is the default abort hook.
func (b *Base) AbortLoop() {}

// Get returns a config value.
func (b *Base) Get(key string) (any, error) { return b.config.Get(key) }

// Set assigns a config value.
func (b *Base) Set(key string, value any) error { return b.config.Set(key, value) }

// Config returns the instance config store.
func (b *Base) Config() *Config { return b.config }

// Monitor returns the instance monitor, held by exclusive methods.
func (b *Base) Monitor() *Monitor { return b.monitor }

// Class returns the class the instance was built from.
func (b *Base) Class() *Class { return b.class }

// Event returns the dispatcher of a declared event.
// It panics for undeclared names, which is a programming error.
func (b *Base) Event(name string) *Event {
	ev, ok := b.events[name]
	if !ok {
		panic(fmt.Sprintf("object: %s declares no event %q", b.class.Name(), name))
	}
	return ev
}

// Location returns the bound location.
func (b *Base) Location() location.Location {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loc
}

// State returns the lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Logger returns the logger bound by the manager.
func (b *Base) Logger() Logger { return b.logger() }

func (b *Base) logger() Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.log == nil {
		return noopLogger{}
	}
	return b.log
}

func (b *Base) publisher() Publisher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pub
}

// SetState records a lifecycle transition. Only the manager calls it.
func SetState(o Object, s State) {
	b := o.base()
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// SetLocation rebinds the identity of o.
func SetLocation(o Object, loc location.Location) {
	b := o.base()
	b.mu.Lock()
	b.loc = loc
	b.mu.Unlock()
}

// Attach connects o to a publisher for its events and to a logger.
func Attach(o Object, pub Publisher, log Logger) {
	b := o.base()
	b.mu.Lock()
	b.pub = pub
	if log != nil {
		b.log = log
	}
	b.mu.Unlock()
}

// ClassOf returns the class o was built from.
func ClassOf(o Object) *Class { return o.base().class }
