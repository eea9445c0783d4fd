package rpc

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/object"
	"github.com/nerrad567/instrumentd/internal/protocol"
	"github.com/nerrad567/instrumentd/internal/transport"
)

// Proxy is a handle on a remote object. It dials on first use and redials
// after the connection was lost.
//
// A Proxy remembers the goroutine that created it. Use from another
// goroutine works but logs a warning: give each goroutine its own Proxy.
type Proxy struct {
	loc    location.Location
	dialer Dialer
	logger Logger
	origin uint64

	mu     sync.Mutex
	client *Client
}

// ProxyOption configures NewProxy.
type ProxyOption func(*Proxy)

// WithProxyLogger sets the proxy logger.
func WithProxyLogger(l Logger) ProxyOption {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProxy returns an unconnected proxy for loc.
func NewProxy(loc location.Location, dialer Dialer, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		loc:    loc,
		dialer: dialer,
		logger: noopLogger{},
		origin: goroutineID(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Location returns the target location.
func (p *Proxy) Location() location.Location { return p.loc }

// String returns the target location.
func (p *Proxy) String() string { return p.loc.String() }

func (p *Proxy) checkGoroutine(op string) {
	if id := goroutineID(); id != p.origin {
		p.logger.Warn("proxy used from another goroutine",
			"location", p.loc.String(),
			"op", op,
			"created_on", p.origin,
			"used_on", id,
		)
	}
}

// conn returns the live client, dialing when needed.
func (p *Proxy) conn(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	c, err := p.dialer.Dial(ctx, p.loc)
	if err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

// drop forgets a client whose connection failed, so the next use redials.
func (p *Proxy) drop(c *Client, err error) {
	if !errors.Is(err, transport.ErrNotConnected) && !errors.Is(err, transport.ErrClosed) {
		return
	}
	p.mu.Lock()
	if p.client == c {
		p.client = nil
	}
	p.mu.Unlock()
	_ = c.Close()
}

// Ping reports whether the remote endpoint is reachable.
func (p *Proxy) Ping(ctx context.Context) error {
	p.checkGoroutine("ping")
	c, err := p.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		p.drop(c, err)
		return err
	}
	return nil
}

// Call runs method with positional arguments.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (Result, error) {
	return p.CallKw(ctx, method, args, nil)
}

// CallKw runs method with positional and keyword arguments.
func (p *Proxy) CallKw(ctx context.Context, method string, args []any, kwargs map[string]any) (Result, error) {
	p.checkGoroutine(method)
	c, err := p.conn(ctx)
	if err != nil {
		return Result{}, err
	}
	res, err := c.Call(ctx, method, args, kwargs)
	if err != nil {
		p.drop(c, err)
	}
	return res, err
}

// Get reads a config item of the remote object.
func (p *Proxy) Get(ctx context.Context, key string) (Result, error) {
	return p.Call(ctx, "Get", key)
}

// Set writes a config item of the remote object.
func (p *Proxy) Set(ctx context.Context, key string, value any) error {
	_, err := p.Call(ctx, "Set", key, value)
	return err
}

// Method returns a handle on one method or event of the remote object.
func (p *Proxy) Method(name string) MethodProxy {
	return MethodProxy{proxy: p, name: name}
}

// PublishEvent publishes event on behalf of the remote object.
func (p *Proxy) PublishEvent(ctx context.Context, event string, args []any, kwargs map[string]any) error {
	p.checkGoroutine("publish " + event)
	c, err := p.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.PublishEvent(ctx, event, args, kwargs); err != nil {
		p.drop(c, err)
		return err
	}
	return nil
}

// Close releases the connection. The proxy redials on next use.
func (p *Proxy) Close() error {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// canonical resolves an index-form location (/Class/0) to the registered
// instance name by asking the manager of the endpoint. Event topics carry
// real names only.
func (p *Proxy) canonical(ctx context.Context) (location.Location, error) {
	if _, isIndex := p.loc.Index(); !isIndex {
		return p.loc, nil
	}
	mgr := NewProxy(location.ManagerAt(p.loc.Host(), p.loc.Port()), p.dialer, WithProxyLogger(p.logger))
	defer mgr.Close()

	res, err := mgr.Call(ctx, "Resolve", p.loc.Path())
	if err != nil {
		return location.Location{}, err
	}
	var resolved location.Location
	if err := res.Decode(&resolved); err != nil {
		return location.Location{}, errs.Transportf("decoding resolved location: %v", err)
	}
	return resolved.Resolve(p.loc.Host(), p.loc.Port()), nil
}

// MarshalText encodes the proxy as
// "[scheme://]host:port/Class/name[?codec=name&path=/p&prefix=t]".
// path and prefix appear when the endpoint uses a non-default websocket
// path or topic prefix. The connection does not travel; the receiver dials
// lazily.
func (p *Proxy) MarshalText() ([]byte, error) {
	var b strings.Builder
	if p.dialer.Scheme != "" {
		b.WriteString(p.dialer.Scheme)
		b.WriteString("://")
	}
	b.WriteString(p.loc.String())

	q := url.Values{}
	if p.dialer.Codec != "" {
		q.Set("codec", p.dialer.Codec)
	}
	got, def := transport.Apply(p.dialer.Options...), transport.Apply()
	if got.WebSocket.Path != def.WebSocket.Path {
		q.Set("path", got.WebSocket.Path)
	}
	if got.MQTT.TopicPrefix != def.MQTT.TopicPrefix {
		q.Set("prefix", got.MQTT.TopicPrefix)
	}
	if len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}
	return []byte(b.String()), nil
}

// UnmarshalText restores a proxy encoded by MarshalText. The goroutine that
// decodes it becomes its owner.
func (p *Proxy) UnmarshalText(text []byte) error {
	s := string(text)
	var d Dialer
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		d.Scheme, s = scheme, rest
	}
	if path, query, ok := strings.Cut(s, "?"); ok {
		s = path
		q, err := url.ParseQuery(query)
		if err != nil {
			return errs.Addressingf("proxy %q: %v", text, err)
		}
		d.Codec = q.Get("codec")
		def := transport.Apply()
		if v := q.Get("path"); v != "" {
			ws := def.WebSocket
			ws.Path = v
			d.Options = append(d.Options, transport.WithWebSocket(ws))
		}
		if v := q.Get("prefix"); v != "" {
			mq := def.MQTT
			mq.TopicPrefix = v
			d.Options = append(d.Options, transport.WithMQTT(mq))
		}
	}
	loc, err := location.Parse(s)
	if err != nil {
		return err
	}
	if !loc.HasHost() {
		return errs.Addressingf("proxy %q has no host:port", text)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loc = loc
	p.dialer = d
	p.client = nil
	p.origin = goroutineID()
	if p.logger == nil {
		p.logger = noopLogger{}
	}
	return nil
}

// MethodProxy is a handle on one method or event of a remote object.
type MethodProxy struct {
	proxy *Proxy
	name  string
}

// Name returns the method name.
func (m MethodProxy) Name() string { return m.name }

// Call runs the method.
func (m MethodProxy) Call(ctx context.Context, args ...any) (Result, error) {
	return m.proxy.CallKw(ctx, m.name, args, nil)
}

// CallKw runs the method with keyword arguments.
func (m MethodProxy) CallKw(ctx context.Context, args []any, kwargs map[string]any) (Result, error) {
	return m.proxy.CallKw(ctx, m.name, args, kwargs)
}

// Subscribe attaches h to the remote event of this name. Index-form
// locations are resolved to the instance name first.
func (m MethodProxy) Subscribe(ctx context.Context, h object.Handler) (transport.SubscriptionID, error) {
	p := m.proxy
	p.checkGoroutine("subscribe " + m.name)

	loc, err := p.canonical(ctx)
	if err != nil {
		return 0, err
	}
	c, err := p.conn(ctx)
	if err != nil {
		return 0, err
	}
	topic := protocol.Topic(loc, m.name)
	id, err := c.transport.Subscribe(ctx, topic, func(ev *protocol.Event) {
		h(ev.Args, ev.Kwargs)
	})
	if err != nil {
		p.drop(c, err)
		return 0, err
	}
	return id, nil
}

// Unsubscribe detaches a handler attached with Subscribe.
func (m MethodProxy) Unsubscribe(ctx context.Context, id transport.SubscriptionID) error {
	p := m.proxy
	p.checkGoroutine("unsubscribe " + m.name)

	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.UnsubscribeEvent(ctx, id)
}

// goroutineID parses the current goroutine id from the stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.Fields(bytes.TrimPrefix(buf[:n], []byte("goroutine ")))
	if len(field) == 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(field[0]), 10, 64)
	return id
}
