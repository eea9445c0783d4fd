package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/instrumentd/internal/infrastructure/config"
	"github.com/nerrad567/instrumentd/internal/protocol"
	"github.com/nerrad567/instrumentd/internal/protocol/codec"
)

// EventHandler receives events delivered to a subscription.
type EventHandler func(ev *protocol.Event)

// SubscriptionID identifies one Subscribe call.
type SubscriptionID uint64

// Transport carries protocol envelopes for one endpoint.
//
// A server calls Bind and then loops on RecvRequest and SendResponse. A
// client calls Connect and pairs SendRequest with RecvResponse. Both sides
// may Publish and Subscribe.
type Transport interface {
	// Bind takes ownership of the endpoint address.
	Bind(ctx context.Context) error
	// Connect attaches to an endpoint bound elsewhere.
	Connect(ctx context.Context) error
	// Close releases the endpoint. Blocked receivers return ErrClosed.
	Close() error
	// Ping reports whether the endpoint is reachable.
	Ping(ctx context.Context) error

	// SendRequest delivers req to the bound endpoint. The response is
	// collected with RecvResponse(ctx, req.ID).
	SendRequest(ctx context.Context, req *protocol.Request) error
	// RecvRequest blocks until a request arrives.
	RecvRequest(ctx context.Context) (*protocol.Request, error)
	// SendResponse routes resp back to the caller of req.
	SendResponse(ctx context.Context, req *protocol.Request, resp *protocol.Response) error
	// RecvResponse blocks until the response to the request id arrives.
	RecvResponse(ctx context.Context, id string) (*protocol.Response, error)

	// Publish sends an event to every subscriber of its topic.
	Publish(ctx context.Context, ev *protocol.Event) error
	// Subscribe registers h for events on topic.
	Subscribe(ctx context.Context, topic string, h EventHandler) (SubscriptionID, error)
	// Unsubscribe removes a subscription. Unknown ids are ignored.
	Unsubscribe(ctx context.Context, id SubscriptionID) error

	Host() string
	Port() int
	Scheme() string
	Codec() codec.Codec
}

// Logger is the logging interface used by the backends.
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

// Endpoint is the parsed form of an endpoint URL.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Codec  codec.Codec
}

// Address returns "host:port".
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the URL form of the endpoint.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address() + "?codec=" + url.QueryEscape(e.Codec.Name())
}

// Options carries the backend settings. Each backend reads its own section.
type Options struct {
	MQTT      config.MQTTConfig
	WebSocket config.WebSocketConfig
	Logger    Logger

	// InboxSize is the number of received requests buffered for RecvRequest.
	InboxSize int
}

// Option configures New.
type Option func(*Options)

// WithMQTT sets the queue backend settings.
func WithMQTT(cfg config.MQTTConfig) Option {
	return func(o *Options) {
		o.MQTT = cfg
		if cfg.InboxSize > 0 {
			o.InboxSize = cfg.InboxSize
		}
	}
}

// WithWebSocket sets the socket backend settings.
func WithWebSocket(cfg config.WebSocketConfig) Option {
	return func(o *Options) { o.WebSocket = cfg }
}

// WithLogger sets the logger of the backend.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// FromConfig applies the backend sections of cfg.
func FromConfig(cfg *config.Config) Option {
	return func(o *Options) {
		o.MQTT = cfg.MQTT
		o.WebSocket = cfg.WebSocket
		if cfg.MQTT.InboxSize > 0 {
			o.InboxSize = cfg.MQTT.InboxSize
		}
	}
}

func defaultOptions() Options {
	d := config.Default()
	return Options{MQTT: d.MQTT, WebSocket: d.WebSocket, Logger: noopLogger{}, InboxSize: d.MQTT.InboxSize}
}

// Factory builds an unbound transport for an endpoint.
type Factory func(ep Endpoint, opts Options) (Transport, error)

type backend struct {
	factory Factory
	// unsupported lists the GOOS values the backend refuses to run on.
	unsupported []string
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]backend)

	// goos is the platform used for defaults and support checks.
	goos = runtime.GOOS
)

// Register makes a backend available under scheme. It panics on duplicates.
func Register(scheme string, f Factory, unsupportedOn ...string) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[scheme]; dup {
		panic("transport: Register called twice for scheme " + scheme)
	}
	backends[scheme] = backend{factory: f, unsupported: unsupportedOn}
}

// Schemes returns the registered schemes, sorted.
func Schemes() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for s := range backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DefaultScheme returns the backend used for bare host:port endpoints.
func DefaultScheme() string {
	if goos == "windows" {
		return "ws"
	}
	return "mqtt"
}

// ParseEndpoint parses "[scheme://]host:port[?codec=name]".
func ParseEndpoint(raw string) (Endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = DefaultScheme() + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}

	host := u.Hostname()
	portText := u.Port()
	if host == "" || portText == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: host and port are required", ErrInvalidURL, raw)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %q: bad port", ErrInvalidURL, raw)
	}

	c := codec.CBOR
	if name := u.Query().Get("codec"); name != "" {
		if c, err = codec.ByName(name); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
		}
	}

	return Endpoint{Scheme: strings.ToLower(u.Scheme), Host: host, Port: port, Codec: c}, nil
}

// New builds an unbound, unconnected transport for the endpoint URL.
func New(raw string, opts ...Option) (Transport, error) {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return nil, err
	}

	backendsMu.RLock()
	b, ok := backends[ep.Scheme]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnsupportedScheme, ep.Scheme, strings.Join(Schemes(), ", "))
	}
	for _, p := range b.unsupported {
		if p == goos {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedPlatform, ep.Scheme, goos)
		}
	}

	return b.factory(ep, Apply(opts...))
}

// Apply folds opts over the defaults, giving the settings New hands a backend.
func Apply(opts ...Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RoundTrip sends req and waits for its response.
func RoundTrip(ctx context.Context, t Transport, req *protocol.Request) (*protocol.Response, error) {
	if err := t.SendRequest(ctx, req); err != nil {
		return nil, err
	}
	return t.RecvResponse(ctx, req.ID)
}
