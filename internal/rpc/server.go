package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/object"
	"github.com/nerrad567/instrumentd/internal/protocol"
	"github.com/nerrad567/instrumentd/internal/resource"
	"github.com/nerrad567/instrumentd/internal/transport"
)

// Default pool sizes.
const (
	DefaultWorkers    = 8
	DefaultQueueDepth = 64
)

// Recorder receives the outcome of every dispatched call.
type Recorder interface {
	RecordCall(loc location.Location, method string, elapsed time.Duration, err error)
}

// Server dispatches the requests of one bound transport.
type Server struct {
	registry   *resource.Registry
	transport  transport.Transport
	workers    int
	queueDepth int
	logger     Logger
	recorder   Recorder

	mu      sync.Mutex
	started bool
	serving bool
	done    chan struct{}
}

// ServerOption configures NewServer.
type ServerOption func(*Server)

// WithWorkers sets the number of dispatch goroutines.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueDepth sets how many received requests may wait for a worker
// before overflow requests get a goroutine each.
func WithQueueDepth(n int) ServerOption {
	return func(s *Server) {
		if n >= 0 {
			s.queueDepth = n
		}
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(l Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the per-call telemetry sink.
func WithRecorder(r Recorder) ServerOption {
	return func(s *Server) { s.recorder = r }
}

// NewServer creates a server for the objects of registry.
func NewServer(registry *resource.Registry, tr transport.Transport, opts ...ServerOption) *Server {
	s := &Server{
		registry:   registry,
		transport:  tr,
		workers:    DefaultWorkers,
		queueDepth: DefaultQueueDepth,
		logger:     noopLogger{},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transport returns the server transport.
func (s *Server) Transport() transport.Transport { return s.transport }

// Host returns the bound host.
func (s *Server) Host() string { return s.transport.Host() }

// Port returns the bound port.
func (s *Server) Port() int { return s.transport.Port() }

// Start binds the transport. It is idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.transport.Bind(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Serve receives requests until ctx is done or the transport closes, and
// hands them to the worker pool. Requests that find the pool and its backlog
// full run on a goroutine of their own, so receipt never waits on a slow
// method. It returns nil on an orderly stop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return errors.New("rpc: server already serving")
	}
	s.serving = true
	s.mu.Unlock()
	defer close(s.done)

	jobs := make(chan *protocol.Request, s.queueDepth)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for req := range jobs {
				s.dispatch(gctx, req)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for {
			req, err := s.transport.RecvRequest(gctx)
			if err != nil {
				if errors.Is(err, transport.ErrClosed) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("receiving request: %w", err)
			}
			select {
			case jobs <- req:
			default:
				// Every worker is busy and the backlog is full.
				s.logger.Debug("rpc backlog full, dispatching on a fresh goroutine",
					"location", req.Location.String(),
					"method", req.Method,
				)
				g.Go(func() error {
					s.dispatch(gctx, req)
					return nil
				})
			}
		}
	})

	s.logger.Info("rpc server serving",
		"scheme", s.transport.Scheme(),
		"host", s.transport.Host(),
		"port", s.transport.Port(),
		"workers", s.workers,
	)
	return g.Wait()
}

// Stop closes the transport and waits for Serve to drain the workers.
func (s *Server) Stop(ctx context.Context) error {
	err := s.transport.Close()

	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if !serving {
		return err
	}

	select {
	case <-s.done:
		return err
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("rpc: waiting for workers: %w", ctx.Err()))
	}
}

// dispatch handles one request and sends its response.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request) {
	start := time.Now()
	resp, callErr := s.handle(ctx, req)
	if s.recorder != nil {
		s.recorder.RecordCall(req.Location, req.Method, time.Since(start), callErr)
	}

	err := s.transport.SendResponse(ctx, req, resp)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrNotConnected) {
		s.logger.Debug("response not delivered", "id", req.ID, "error", err)
		return
	}

	// The result could not be encoded; tell the caller instead of leaving it waiting.
	s.logger.Warn("response encoding failed", "location", req.Location.String(), "method", req.Method, "error", err)
	fallback := protocol.Error(fmt.Errorf("result of %s is not transferable: %v", req.Method, err))
	if err := s.transport.SendResponse(ctx, req, fallback); err != nil {
		s.logger.Debug("error response not delivered", "id", req.ID, "error", err)
	}
}

// handle resolves the target and runs the method. Every failure becomes an
// error response; the returned error is only reported to the Recorder.
func (s *Server) handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	res, err := s.registry.Get(req.Location.WithoutHost())
	if err != nil {
		return protocol.NotFound("resource %s not found", req.Location.Path()), err
	}

	conv := object.CodecConverter(s.transport.Codec())
	result, err := object.Invoke(ctx, res.Instance, req.Method, req.Args, req.Kwargs, conv)
	if err != nil {
		s.logger.Debug("call failed",
			"location", res.Location.String(),
			"method", req.Method,
			"error", err,
		)
		return protocol.Error(err), err
	}
	return protocol.OK(result), nil
}
