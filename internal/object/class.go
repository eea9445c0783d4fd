package object

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/location"
)

// Kind classifies a remotely callable operation.
type Kind int

const (
	// Plain methods run without synchronisation.
	Plain Kind = iota
	// ExclusiveKind methods hold the instance monitor while running.
	ExclusiveKind
	// EventKind operations fire the named event dispatcher.
	EventKind
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case ExclusiveKind:
		return "exclusive"
	case EventKind:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kwargs is the type of a final method parameter that receives keyword arguments.
type Kwargs map[string]any

// Method describes one remotely callable operation of a class.
type Method struct {
	Name string
	Kind Kind

	fn         reflect.Value // method expression: receiver is the first argument
	takesCtx   bool
	takesKw    bool
	params     []reflect.Type // positional parameters, receiver/ctx/kwargs excluded
	variadic   bool
	returnsErr bool
	returnsVal bool
}

// Class is the static description of a managed object type.
type Class struct {
	name     string
	newFn    func() Object
	ancestry []string
	defaults map[string]any
	events   []string
	methods  map[string]*Method
	getters  map[string]bool
}

// Option configures Define.
type Option func(*classSpec)

type classSpec struct {
	exclusive map[string]bool
	events    []string
	parents   []*Class
	defaults  map[string]any
	getters   []string
}

// Exclusive marks methods that must run inside the instance monitor.
func Exclusive(methods ...string) Option {
	return func(s *classSpec) {
		for _, m := range methods {
			s.exclusive[normalize(m)] = true
		}
	}
}

// Events declares the events the class fires.
func Events(names ...string) Option {
	return func(s *classSpec) { s.events = append(s.events, names...) }
}

// Getters declares zero-argument methods that a dotted operation name may
// walk through. "Dome.Close" calls Close on the value returned by Dome().
// Exported fields are walked without being declared.
func Getters(methods ...string) Option {
	return func(s *classSpec) { s.getters = append(s.getters, methods...) }
}

// Extends records parent classes. The child is found by class lookups of
// any parent and inherits their defaults, events and exclusive methods.
func Extends(parents ...*Class) Option {
	return func(s *classSpec) { s.parents = append(s.parents, parents...) }
}

// Defaults declares the config options and their default values.
func Defaults(defaults map[string]any) Option {
	return func(s *classSpec) {
		for k, v := range defaults {
			s.defaults[k] = v
		}
	}
}

// hookNames are the Base methods that are never remotely callable.
var hookNames = func() map[string]bool {
	names := make(map[string]bool)
	t := reflect.TypeOf(&Base{})
	for i := 0; i < t.NumMethod(); i++ {
		names[t.Method(i).Name] = true
	}
	names["Init"] = true
	for _, exposed := range []string{"Get", "Set", "State", "Location"} {
		delete(names, exposed)
	}
	return names
}()

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	kwargsType  = reflect.TypeOf(Kwargs(nil))
)

// Define builds the descriptor table of type T, whose pointer must implement Object.
func Define[T any, P interface {
	*T
	Object
}](name string, opts ...Option) (*Class, error) {
	if err := location.ValidateSegment("class", name); err != nil {
		return nil, err
	}

	spec := &classSpec{exclusive: make(map[string]bool), defaults: make(map[string]any)}
	for _, opt := range opts {
		opt(spec)
	}

	cls := &Class{
		name:     name,
		newFn:    func() Object { return P(new(T)) },
		ancestry: []string{name},
		defaults: make(map[string]any),
		methods:  make(map[string]*Method),
		getters:  make(map[string]bool),
	}

	for _, p := range spec.parents {
		if p == nil {
			return nil, fmt.Errorf("%w: class %s extends nil", errs.ErrNotValidManagedObject, name)
		}
		for _, a := range p.ancestry {
			if !slices.Contains(cls.ancestry, a) {
				cls.ancestry = append(cls.ancestry, a)
			}
		}
		maps.Copy(cls.defaults, p.defaults)
		maps.Copy(cls.getters, p.getters)
		cls.events = append(cls.events, p.events...)
		for _, m := range p.methods {
			if m.Kind == ExclusiveKind {
				spec.exclusive[normalize(m.Name)] = true
			}
		}
	}
	maps.Copy(cls.defaults, spec.defaults)
	for _, ev := range spec.events {
		if !slices.Contains(cls.events, ev) {
			cls.events = append(cls.events, ev)
		}
	}

	t := reflect.TypeOf(P(nil))
	for i := 0; i < t.NumMethod(); i++ {
		rm := t.Method(i)
		if hookNames[rm.Name] {
			continue
		}
		m, ok := describe(rm)
		if !ok {
			continue
		}
		if spec.exclusive[normalize(rm.Name)] {
			m.Kind = ExclusiveKind
		}
		cls.methods[normalize(rm.Name)] = m
	}

	for _, ev := range cls.events {
		key := normalize(ev)
		if _, clash := cls.methods[key]; clash {
			return nil, fmt.Errorf("%w: class %s: event %q collides with a method",
				errs.ErrNotValidManagedObject, name, ev)
		}
		cls.methods[key] = &Method{Name: ev, Kind: EventKind}
	}

	for _, g := range spec.getters {
		m, ok := cls.methods[normalize(g)]
		if !ok || m.Kind == EventKind || len(m.params) > 0 || m.takesCtx || m.takesKw || !m.returnsVal || m.returnsErr {
			return nil, fmt.Errorf("%w: class %s: getter %q must take no arguments and return one value",
				errs.ErrNotValidManagedObject, name, g)
		}
		cls.getters[normalize(g)] = true
	}

	for key := range spec.exclusive {
		if m, ok := cls.methods[key]; !ok || m.Kind != ExclusiveKind {
			return nil, fmt.Errorf("%w: class %s: exclusive method %q does not exist",
				errs.ErrNotValidManagedObject, name, key)
		}
	}

	return cls, nil
}

// MustDefine is Define that panics, for package-level class variables.
func MustDefine[T any, P interface {
	*T
	Object
}](name string, opts ...Option) *Class {
	cls, err := Define[T, P](name, opts...)
	if err != nil {
		panic(err)
	}
	return cls
}

// describe builds the descriptor of a reflected method, reporting false for
// signatures that cannot be called remotely.
func describe(rm reflect.Method) (*Method, bool) {
	ft := rm.Type
	m := &Method{Name: rm.Name, Kind: Plain, fn: rm.Func, variadic: ft.IsVariadic()}

	in := make([]reflect.Type, 0, ft.NumIn()-1)
	for i := 1; i < ft.NumIn(); i++ {
		in = append(in, ft.In(i))
	}
	if len(in) > 0 && in[0] == contextType {
		m.takesCtx = true
		in = in[1:]
	}
	if len(in) > 0 && in[len(in)-1] == kwargsType && !m.variadic {
		m.takesKw = true
		in = in[:len(in)-1]
	}
	m.params = in

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.returnsErr = true
		} else {
			m.returnsVal = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, false
		}
		m.returnsVal, m.returnsErr = true, true
	default:
		return nil, false
	}
	return m, true
}

// normalize folds case and underscores so move_to, moveTo and MoveTo match.
func normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// Ancestry returns the class name followed by every ancestor.
func (c *Class) Ancestry() []string { return slices.Clone(c.ancestry) }

// IsA reports whether the class is name or descends from it.
func (c *Class) IsA(name string) bool { return slices.Contains(c.ancestry, name) }

// Events returns the declared event names.
func (c *Class) Events() []string { return slices.Clone(c.events) }

// Defaults returns a copy of the config defaults.
func (c *Class) Defaults() map[string]any { return maps.Clone(c.defaults) }

// Method looks up a callable operation by name.
func (c *Class) Method(name string) (*Method, bool) {
	m, ok := c.methods[normalize(name)]
	return m, ok
}

// Methods returns the descriptors sorted by name.
func (c *Class) Methods() []*Method {
	out := make([]*Method, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// New constructs an instance bound to loc. The Init hook runs here; its
// failure or panic is a construction failure.
func (c *Class) New(loc location.Location) (obj Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			obj, err = nil, errs.Lifecyclef("constructing %s: panic: %v", loc, r)
		}
	}()

	obj = c.newFn()
	obj.base().bind(c, loc)
	if in, ok := obj.(Initializer); ok {
		if err := in.Init(); err != nil {
			return nil, errs.Lifecyclef("constructing %s: %v", loc, err)
		}
	}
	return obj, nil
}

func (c *Class) String() string { return c.name }
