package resource

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/object"
)

// Resource is one registry entry.
type Resource struct {
	Location location.Location
	Instance object.Object
	Created  time.Time
	// Bases is the class name followed by every ancestor.
	Bases []string
	// Loop is the control loop, nil while stopped.
	Loop *Loop

	seq       uint64
	lifecycle *sync.Mutex
}

// Lifecycle returns the mutex that serializes start and stop of this entry.
func (r Resource) Lifecycle() *sync.Mutex { return r.lifecycle }

// Logger defines the logging interface used by the Registry.
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

// Registry maps locations to live instances.
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	entries map[location.Key]*Resource
	seq     uint64
	now     func() time.Time
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[location.Key]*Resource),
		now:     time.Now,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

func key(loc location.Location) location.Key {
	return loc.WithoutHost().Key()
}

// Add registers instance at loc and returns its 0-based ordinal among
// instances of exactly the same class.
func (r *Registry) Add(loc location.Location, instance object.Object, bases []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(loc)
	if _, exists := r.entries[k]; exists {
		return 0, errs.Addressingf("%s is already registered", loc.Path())
	}

	r.seq++
	if len(bases) == 0 {
		bases = []string{loc.Class()}
	}
	r.entries[k] = &Resource{
		Location:  loc,
		Instance:  instance,
		Created:   r.now(),
		Bases:     slices.Clone(bases),
		seq:       r.seq,
		lifecycle: &sync.Mutex{},
	}

	ordinal := -1
	for _, e := range r.entries {
		if e.Location.Class() == loc.Class() {
			ordinal++
		}
	}

	r.logger.Debug("resource added", "location", loc.String(), "ordinal", ordinal)
	return ordinal, nil
}

// Remove deletes the entry at loc. The caller must have stopped it.
func (r *Registry) Remove(loc location.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(loc)
	if err != nil {
		return err
	}
	delete(r.entries, key(e.Location))
	r.logger.Debug("resource removed", "location", e.Location.String())
	return nil
}

// Get returns the entry at loc, resolving index-form names.
func (r *Registry) Get(loc location.Location) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, err := r.lookup(loc)
	if err != nil {
		return Resource{}, err
	}
	return *e, nil
}

// Contains reports whether Get would succeed.
func (r *Registry) Contains(loc location.Location) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.lookup(loc)
	return err == nil
}

// Resolve returns the registered location that loc designates. Index-form
// names come back as the real instance name.
func (r *Registry) Resolve(loc location.Location) (location.Location, error) {
	res, err := r.Get(loc)
	if err != nil {
		return location.Location{}, err
	}
	return res.Location, nil
}

// GetByClass returns the entries of class cls in ascending creation order.
// With includeSubclasses, entries whose ancestry contains cls match too.
func (r *Registry) GetByClass(cls string, includeSubclasses bool) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byClass(cls, includeSubclasses)
}

// All returns every entry in ascending creation order.
func (r *Registry) All() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Resource, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sortByCreation(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetLoop records a started control loop and its start time.
// A nil loop marks the entry as stopped and keeps the timestamp.
func (r *Registry) SetLoop(loc location.Location, loop *Loop, started time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(loc)
	if err != nil {
		return err
	}
	e.Loop = loop
	if loop != nil && !started.IsZero() {
		e.Created = started
		r.seq++
		e.seq = r.seq
	}
	return nil
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(loc location.Location) (*Resource, error) {
	if e, ok := r.entries[key(loc)]; ok {
		return e, nil
	}

	idx, ok := loc.Index()
	if !ok {
		return nil, errs.NotFoundf("%s is not registered", loc.Path())
	}
	matches := r.byClass(loc.Class(), true)
	if idx >= len(matches) {
		return nil, errs.NotFoundf("%s: index %d out of range (%d instances)", loc.Path(), idx, len(matches))
	}
	return r.entries[key(matches[idx].Location)], nil
}

// byClass must be called with r.mu held.
func (r *Registry) byClass(cls string, includeSubclasses bool) []Resource {
	var out []Resource
	for _, e := range r.entries {
		if e.Location.Class() == cls || (includeSubclasses && slices.Contains(e.Bases, cls)) {
			out = append(out, *e)
		}
	}
	sortByCreation(out)
	return out
}

func sortByCreation(rs []Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Created.Equal(rs[j].Created) {
			return rs[i].Created.Before(rs[j].Created)
		}
		return rs[i].seq < rs[j].seq
	})
}
