package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/infrastructure/config"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/object"
	"github.com/nerrad567/instrumentd/internal/resource"
	"github.com/nerrad567/instrumentd/internal/rpc"
	"github.com/nerrad567/instrumentd/internal/transport"
)

const defaultStopTimeout = 10 * time.Second

// Manager owns the registry and the server of one endpoint.
type Manager struct {
	registry    *resource.Registry
	catalog     *object.Catalog
	server      *rpc.Server
	dialer      rpc.Dialer
	logger      Logger
	journal     Journal
	searchPath  []string
	stopTimeout time.Duration
	now         func() time.Time

	// ctx parents every control loop and the serve loop.
	ctx    context.Context
	cancel context.CancelFunc
	served chan error

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// Option configures New.
type Option func(*options)

type options struct {
	logger    Logger
	journal   Journal
	catalog   *object.Catalog
	recorder  rpc.Recorder
	transport []transport.Option
}

// WithLogger sets the logger of the manager, its server and its objects.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithJournal records lifecycle transitions in j.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithCatalog sets the class loader used by AddLocation.
func WithCatalog(c *object.Catalog) Option {
	return func(o *options) {
		if c != nil {
			o.catalog = c
		}
	}
}

// WithRecorder passes per-call telemetry to r.
func WithRecorder(r rpc.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithTransportOptions adds options for the server transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

// New binds the server on the configured endpoint, registers the manager
// console and starts serving.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	o := options{logger: noopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = object.NewCatalog()
	}

	url := cfg.TransportURL()
	tr, err := transport.New(url, transportOptions(cfg, o)...)
	if err != nil {
		return nil, err
	}

	registry := resource.NewRegistry()
	registry.SetLogger(o.logger)

	sopts := []rpc.ServerOption{
		rpc.WithWorkers(cfg.Manager.Workers),
		rpc.WithQueueDepth(cfg.Manager.QueueDepth),
		rpc.WithServerLogger(o.logger),
	}
	if o.recorder != nil {
		sopts = append(sopts, rpc.WithRecorder(o.recorder))
	}
	server := rpc.NewServer(registry, tr, sopts...)
	if err := server.Start(ctx); err != nil {
		_ = tr.Close()
		return nil, errs.Lifecyclef("binding %s: %v", url, err)
	}

	stopTimeout := cfg.GetStopTimeout()
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Manager{
		registry:    registry,
		catalog:     o.catalog,
		server:      server,
		dialer:      rpc.Dialer{Scheme: tr.Scheme(), Codec: tr.Codec().Name(), Options: transportOptions(cfg, o)},
		logger:      o.logger,
		journal:     o.journal,
		searchPath:  slices.Clone(cfg.Manager.SearchPath),
		stopTimeout: stopTimeout,
		now:         time.Now,
		ctx:         mctx,
		cancel:      cancel,
		served:      make(chan error, 1),
		done:        make(chan struct{}),
	}

	if err := m.register(); err != nil {
		cancel()
		_ = server.Stop(ctx)
		return nil, err
	}

	go func() { m.served <- server.Serve(mctx) }()

	m.logger.Info("manager started",
		"scheme", tr.Scheme(),
		"host", tr.Host(),
		"port", tr.Port(),
		"codec", tr.Codec().Name(),
	)
	return m, nil
}

// transportOptions are shared by the server and the proxies handed out by
// the manager, so both use the same topic prefix and socket path.
func transportOptions(cfg *config.Config, o options) []transport.Option {
	return append([]transport.Option{transport.FromConfig(cfg), transport.WithLogger(o.logger)}, o.transport...)
}

// register adds the console at the well-known manager location.
func (m *Manager) register() error {
	loc := location.ManagerAt(m.Hostname(), m.Port())
	obj, err := consoleClass.New(loc)
	if err != nil {
		return err
	}
	obj.(*console).m = m
	object.Attach(obj, m.server.Transport(), m.logger)
	if _, err := m.registry.Add(loc, obj, consoleClass.Ancestry()); err != nil {
		return err
	}
	object.SetState(obj, object.Running)
	return nil
}

// Hostname returns the host the server is bound to.
func (m *Manager) Hostname() string { return m.server.Host() }

// Port returns the port the server is bound to.
func (m *Manager) Port() int { return m.server.Port() }

// Location returns the location of the manager console.
func (m *Manager) Location() location.Location {
	return location.ManagerAt(m.Hostname(), m.Port())
}

// Registry returns the resource registry.
func (m *Manager) Registry() *resource.Registry { return m.registry }

// Catalog returns the class loader used by AddLocation.
func (m *Manager) Catalog() *object.Catalog { return m.catalog }

// Dialer returns a dialer matching the server transport.
func (m *Manager) Dialer() rpc.Dialer { return m.dialer }

// resolve fills the manager host and port into loc.
func (m *Manager) resolve(loc location.Location) location.Location {
	return loc.Resolve(m.Hostname(), m.Port())
}

func (m *Manager) isManager(loc location.Location) bool {
	return loc.Class() == location.ManagerClass && loc.Name() == location.ManagerName
}

// AddClass constructs an instance of cls named name, applies config, registers
// it and optionally starts it. It returns a proxy to the new resource.
func (m *Manager) AddClass(ctx context.Context, cls *object.Class, name string, cfg map[string]any, autostart bool) (*rpc.Proxy, error) {
	if cls == nil {
		return nil, fmt.Errorf("%w: nil class", errs.ErrNotValidManagedObject)
	}
	if location.StartsWithDigit(name) {
		return nil, errs.Addressingf("instance name %q must not start with a digit", name)
	}
	loc, err := location.New(cls.Name(), name, cfg)
	if err != nil {
		return nil, err
	}
	loc = m.resolve(loc)
	if m.registry.Contains(loc) {
		return nil, errs.Addressingf("%s is already registered", loc)
	}

	obj, err := cls.New(loc)
	if err != nil {
		m.record(ctx, loc, ActionAdd, err)
		return nil, err
	}
	for key, value := range cfg {
		if err := obj.Set(key, value); err != nil {
			err = errs.Lifecyclef("configuring %s: %s: %v", loc, key, err)
			m.record(ctx, loc, ActionAdd, err)
			return nil, err
		}
	}
	object.SetLocation(obj, loc)
	object.Attach(obj, m.server.Transport(), m.logger)

	ordinal, err := m.registry.Add(loc, obj, cls.Ancestry())
	if err != nil {
		return nil, err
	}
	m.record(ctx, loc, ActionAdd, nil)
	m.logger.Info("resource added", "location", loc.String(), "ordinal", ordinal)

	if autostart {
		if err := m.Start(ctx, loc); err != nil {
			return nil, err
		}
	}
	return rpc.NewProxy(loc, m.dialer, rpc.WithProxyLogger(m.logger)), nil
}

// AddLocation loads the class named by loc through the catalog, trying path
// and then the configured search path, and adds it like AddClass.
func (m *Manager) AddLocation(ctx context.Context, loc location.Location, path []string, autostart bool) (*rpc.Proxy, error) {
	search := append(slices.Clone(path), m.searchPath...)
	cls, err := m.catalog.Load(loc.Class(), search)
	if err != nil {
		return nil, err
	}
	return m.AddClass(ctx, cls, loc.Name(), loc.Config(), autostart)
}

// Start runs the pre-start hook of the resource at loc and launches its
// control loop. Starting a running resource is a no-op.
func (m *Manager) Start(ctx context.Context, loc location.Location) error {
	res, err := m.registry.Get(loc)
	if err != nil {
		return err
	}
	lock := res.Lifecycle()
	lock.Lock()
	defer lock.Unlock()

	obj := res.Instance
	if obj.State() == object.Running {
		return nil
	}

	if err := callHook("Start", obj.Start); err != nil {
		err = errs.Lifecyclef("starting %s: %v", res.Location, err)
		m.record(ctx, res.Location, ActionStart, err)
		return err
	}

	loop := resource.StartLoop(m.ctx, obj.Main)
	if err := m.registry.SetLoop(res.Location, loop, m.now()); err != nil {
		loop.Abort()
		object.SetState(obj, object.Stopped)
		err = errs.Lifecyclef("starting %s: %v", res.Location, err)
		m.record(ctx, res.Location, ActionStart, err)
		return err
	}
	object.SetState(obj, object.Running)
	go m.watch(res.Location, loop)

	m.record(ctx, res.Location, ActionStart, nil)
	m.logger.Info("resource started", "location", res.Location.String())
	return nil
}

// watch logs a control loop that ends on its own with an error.
func (m *Manager) watch(loc location.Location, loop *resource.Loop) {
	<-loop.Done()
	if err := loop.Err(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("control loop failed", "location", loc.String(), "error", err)
	}
}

// Stop aborts and joins the control loop of the resource at loc, then runs
// its stop hook. The join gives up after the stop timeout or when ctx is done.
func (m *Manager) Stop(ctx context.Context, loc location.Location) error {
	res, err := m.registry.Get(loc)
	if err != nil {
		return err
	}
	lock := res.Lifecycle()
	lock.Lock()
	defer lock.Unlock()

	obj := res.Instance
	if res.Loop != nil && res.Loop.Alive() {
		_ = callHook("AbortLoop", func() error { obj.AbortLoop(); return nil })
		res.Loop.Abort()

		joinCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
		joined := res.Loop.Join(joinCtx)
		cancel()
		if !joined {
			m.logger.Warn("control loop did not exit", "location", res.Location.String(), "timeout", m.stopTimeout)
		}
	}
	_ = m.registry.SetLoop(res.Location, nil, time.Time{})

	if obj.State() == object.Stopped {
		return nil
	}
	hookErr := callHook("Stop", obj.Stop)
	object.SetState(obj, object.Stopped)
	if hookErr != nil {
		err := errs.Lifecyclef("stopping %s: %v", res.Location, hookErr)
		m.record(ctx, res.Location, ActionStop, err)
		return err
	}

	m.record(ctx, res.Location, ActionStop, nil)
	m.logger.Info("resource stopped", "location", res.Location.String())
	return nil
}

// Remove stops the resource at loc and deletes it from the registry.
func (m *Manager) Remove(ctx context.Context, loc location.Location) error {
	res, err := m.registry.Get(loc)
	if err != nil {
		return err
	}
	if m.isManager(res.Location) {
		return errs.Addressingf("%s cannot be removed", res.Location)
	}
	stopErr := m.Stop(ctx, res.Location)
	if err := m.registry.Remove(res.Location); err != nil {
		return err
	}
	m.record(ctx, res.Location, ActionRemove, stopErr)
	m.logger.Info("resource removed", "location", res.Location.String())
	return stopErr
}

// Shutdown stops every resource in reverse creation order, then the server.
// Failures are logged and aggregated; the sequence always completes. Only
// the first call does anything.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
		close(m.done)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.logger.Info("manager shutting down")
	var result error

	all := m.registry.All()
	for i := len(all) - 1; i >= 0; i-- {
		res := all[i]
		if m.isManager(res.Location) {
			continue
		}
		if err := m.Stop(ctx, res.Location); err != nil {
			m.logger.Error("stopping resource failed", "location", res.Location.String(), "error", err)
			result = multierr.Append(result, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout)
	defer cancel()
	if err := m.server.Stop(stopCtx); err != nil && !errors.Is(err, transport.ErrClosed) {
		result = multierr.Append(result, fmt.Errorf("stopping server: %w", err))
	}
	m.cancel()
	select {
	case err := <-m.served:
		if err != nil {
			result = multierr.Append(result, fmt.Errorf("serving: %w", err))
		}
	case <-stopCtx.Done():
	}

	m.record(ctx, m.Location(), ActionShutdown, result)
	m.logger.Info("manager stopped")
	return result
}

// Terminated reports whether Shutdown has completed.
func (m *Manager) Terminated() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Done is closed when Shutdown has completed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Wait blocks until Shutdown has completed or an interrupt arrives. On an
// interrupt or when ctx is done it shuts the manager down itself.
func (m *Manager) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-m.done:
		return m.shutdownErr
	case <-sigCtx.Done():
		m.logger.Info("interrupt received")
		return m.Shutdown(context.WithoutCancel(ctx))
	}
}

// GetInstance returns the live instance at loc.
func (m *Manager) GetInstance(loc location.Location) (object.Object, error) {
	res, err := m.registry.Get(loc)
	if err != nil {
		return nil, err
	}
	return res.Instance, nil
}

// GetProxy returns a proxy to the registered resource at loc.
func (m *Manager) GetProxy(loc location.Location) (*rpc.Proxy, error) {
	res, err := m.registry.Get(loc)
	if err != nil {
		return nil, err
	}
	return rpc.NewProxy(m.resolve(res.Location), m.dialer, rpc.WithProxyLogger(m.logger)), nil
}

// Status describes one resource.
type Status struct {
	Location string       `json:"location"`
	Class    string       `json:"class"`
	Bases    []string     `json:"bases"`
	State    object.State `json:"state"`
	Created  time.Time    `json:"created"`
	// LoopAlive is false for stopped resources and for loops that returned.
	LoopAlive bool   `json:"loop_alive"`
	LoopError string `json:"loop_error,omitempty"`
}

// Snapshot describes every resource in creation order.
func (m *Manager) Snapshot() []Status {
	all := m.registry.All()
	out := make([]Status, 0, len(all))
	for _, res := range all {
		out = append(out, statusOf(res))
	}
	return out
}

// Status describes the resource at loc, which may be in index form.
func (m *Manager) Status(loc location.Location) (Status, error) {
	res, err := m.registry.Get(loc)
	if err != nil {
		return Status{}, err
	}
	return statusOf(res), nil
}

func statusOf(res resource.Resource) Status {
	s := Status{
		Location: res.Location.String(),
		Class:    res.Location.Class(),
		Bases:    res.Bases,
		State:    res.Instance.State(),
		Created:  res.Created,
	}
	if res.Loop != nil {
		s.LoopAlive = res.Loop.Alive()
		if err := res.Loop.Err(); err != nil && !errors.Is(err, context.Canceled) {
			s.LoopError = err.Error()
		}
	}
	return s
}

func (m *Manager) record(ctx context.Context, loc location.Location, action string, err error) {
	if m.journal == nil {
		return
	}
	if jerr := m.journal.Record(context.WithoutCancel(ctx), loc, action, err); jerr != nil {
		m.logger.Warn("journal write failed", "location", loc.String(), "action", action, "error", jerr)
	}
}

// callHook runs a lifecycle hook and turns a panic into an error.
func callHook(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}
