package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/infrastructure/config"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/object"
	"github.com/nerrad567/instrumentd/internal/protocol"
	"github.com/nerrad567/instrumentd/internal/resource"
	"github.com/nerrad567/instrumentd/internal/transport"
)

type reading struct {
	Channel string  `json:"channel" cbor:"channel"`
	Value   float64 `json:"value" cbor:"value"`
}

type sensor struct {
	object.Base
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	held  int
}

func (s *sensor) Add(a, b int) int { return a + b }

// Hold blocks until the gate closes.
func (s *sensor) Hold(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.held++
	s.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sensor) Read(channel string) reading {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return reading{Channel: channel, Value: 21.5}
}

func (s *sensor) Fail() error { return errors.New("sensor offline") }

func (s *sensor) Emit(n int) {
	s.Event("sample").Fire(n)
}

var sensorClass = object.MustDefine[sensor]("Sensor",
	object.Events("sample"),
	object.Defaults(map[string]any{"gain": 1}),
)

// directory answers Resolve the way a manager does.
type directory struct {
	object.Base
	registry *resource.Registry
}

func (d *directory) Resolve(path string) (location.Location, error) {
	loc, err := location.Parse(path)
	if err != nil {
		return location.Location{}, err
	}
	return d.registry.Resolve(loc)
}

var directoryClass = object.MustDefine[directory](location.ManagerClass)

type callRecord struct {
	method string
	err    error
}

type recorder struct {
	mu    sync.Mutex
	calls []callRecord
}

func (r *recorder) RecordCall(_ location.Location, method string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, callRecord{method: method, err: err})
}

func (r *recorder) snapshot() []callRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callRecord(nil), r.calls...)
}

type warnLogger struct {
	noopLogger
	mu    sync.Mutex
	warns []string
}

func (l *warnLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *warnLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

type endpoint struct {
	registry *resource.Registry
	server   *Server
	recorder *recorder
	dialer   Dialer
	host     string
	port     int
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startEndpoint serves a registry holding two sensors and a directory.
func startEndpoint(t *testing.T, scheme, codecName string, opts ...ServerOption) *endpoint {
	t.Helper()
	ep := &endpoint{
		registry: resource.NewRegistry(),
		recorder: &recorder{},
		dialer:   Dialer{Scheme: scheme, Codec: codecName},
		host:     "127.0.0.1",
		port:     freePort(t),
	}

	tr, err := transport.New(ep.dialer.URL(ep.host, ep.port))
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	ep.server = NewServer(ep.registry, tr, append([]ServerOption{WithWorkers(4), WithRecorder(ep.recorder)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	if err := ep.server.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- ep.server.Serve(ctx) }()
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = ep.server.Stop(stopCtx)
		cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})

	for _, name := range []string{"s1", "s2"} {
		loc := location.MustParse("/Sensor/" + name)
		obj, err := sensorClass.New(loc)
		if err != nil {
			t.Fatalf("New(%s) error = %v", loc, err)
		}
		object.Attach(obj, tr, nil)
		if _, err := ep.registry.Add(loc, obj, sensorClass.Ancestry()); err != nil {
			t.Fatalf("Add(%s) error = %v", loc, err)
		}
	}

	mgrLoc := location.ManagerAt("", 0)
	obj, err := directoryClass.New(mgrLoc)
	if err != nil {
		t.Fatalf("New(manager) error = %v", err)
	}
	obj.(*directory).registry = ep.registry
	if _, err := ep.registry.Add(mgrLoc, obj, directoryClass.Ancestry()); err != nil {
		t.Fatalf("Add(manager) error = %v", err)
	}
	return ep
}

func (ep *endpoint) at(path string) location.Location {
	return location.MustParse(path).Resolve(ep.host, ep.port)
}

func (ep *endpoint) dial(t *testing.T, path string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ep.dialer.Dial(ctx, ep.at(path))
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var backends = []struct {
	scheme string
	codec  string
}{
	{"mqtt", "cbor"},
	{"ws", "json"},
}

func TestServer_Call(t *testing.T) {
	for _, b := range backends {
		t.Run(b.scheme+"/"+b.codec, func(t *testing.T) {
			ep := startEndpoint(t, b.scheme, b.codec)
			c := ep.dial(t, "/Sensor/s1")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			res, err := c.Call(ctx, "Add", []any{2, 3}, nil)
			if err != nil {
				t.Fatalf("Call(Add) error = %v", err)
			}
			var sum int
			if err := res.Decode(&sum); err != nil || sum != 5 {
				t.Errorf("Add result = %d, %v, want 5", sum, err)
			}

			res, err = c.Call(ctx, "Read", []any{"ch1"}, nil)
			if err != nil {
				t.Fatalf("Call(Read) error = %v", err)
			}
			var r reading
			if err := res.Decode(&r); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if r.Channel != "ch1" || r.Value != 21.5 {
				t.Errorf("Read result = %+v", r)
			}

			res, err = c.Call(ctx, "Get", []any{"gain"}, nil)
			if err != nil {
				t.Fatalf("Call(Get) error = %v", err)
			}
			var gain int
			if err := res.Decode(&gain); err != nil || gain != 1 {
				t.Errorf("Get(gain) = %d, %v", gain, err)
			}
		})
	}
}

func TestServer_Errors(t *testing.T) {
	ep := startEndpoint(t, "mqtt", "cbor")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name   string
		path   string
		method string
		want   error
		code   string
	}{
		{"unknown resource", "/Sensor/missing", "Add", errs.ErrNotFound, errs.CodeNotFound},
		{"unknown method", "/Sensor/s1", "Nope", errs.ErrNotFound, errs.CodeNotFound},
		{"method error", "/Sensor/s1", "Fail", errs.ErrRemoteInvocation, errs.CodeError},
		{"bad arguments", "/Sensor/s1", "Add", errs.ErrRemoteInvocation, errs.CodeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ep.dial(t, tt.path)
			var args []any
			if tt.name == "bad arguments" {
				args = []any{"two", "three"}
			}
			_, err := c.Call(ctx, tt.method, args, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Call(%s) error = %v, want %v", tt.method, err, tt.want)
			}
			var remote *errs.RemoteError
			if !errors.As(err, &remote) || remote.Code != tt.code {
				t.Errorf("error = %#v, want code %s", err, tt.code)
			}
		})
	}

	c := ep.dial(t, "/Sensor/s1")
	_, err := c.Call(ctx, "Fail", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "sensor offline") {
		t.Errorf("Fail() error = %v, want the remote description", err)
	}
}

func TestServer_IndexAddressing(t *testing.T) {
	ep := startEndpoint(t, "ws", "cbor")
	c := ep.dial(t, "/Sensor/1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Call(ctx, "Read", []any{"x"}, nil); err != nil {
		t.Fatalf("Call(/Sensor/1) error = %v", err)
	}
	res, _ := ep.registry.Get(location.MustParse("/Sensor/s2"))
	if res.Instance.(*sensor).calls != 1 {
		t.Error("index 1 did not reach s2")
	}
}

func TestServer_ConcurrentClients(t *testing.T) {
	for _, b := range backends {
		t.Run(b.scheme, func(t *testing.T) {
			ep := startEndpoint(t, b.scheme, b.codec)
			clients := []*Client{ep.dial(t, "/Sensor/s1"), ep.dial(t, "/Sensor/s2")}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var wg sync.WaitGroup
			errCh := make(chan error, 40)
			for ci, c := range clients {
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						res, err := c.Call(ctx, "Add", []any{ci * 100, i}, nil)
						if err != nil {
							errCh <- err
							return
						}
						var got int
						if err := res.Decode(&got); err != nil {
							errCh <- err
							return
						}
						if got != ci*100+i {
							errCh <- fmt.Errorf("client %d call %d got %d", ci, i, got)
						}
					}()
				}
			}
			wg.Wait()
			close(errCh)
			for err := range errCh {
				t.Error(err)
			}
		})
	}
}

func TestServer_SlowCallsDoNotBlockReceipt(t *testing.T) {
	for _, b := range backends {
		t.Run(b.scheme, func(t *testing.T) {
			ep := startEndpoint(t, b.scheme, b.codec, WithWorkers(1), WithQueueDepth(0))
			res, err := ep.registry.Get(location.MustParse("/Sensor/s1"))
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			s := res.Instance.(*sensor)
			gate := make(chan struct{})
			s.mu.Lock()
			s.gate = gate
			s.mu.Unlock()

			c := ep.dial(t, "/Sensor/s1")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			held := make(chan error, 3)
			for i := 0; i < 3; i++ {
				go func() {
					_, err := c.Call(ctx, "Hold", nil, nil)
					held <- err
				}()
			}
			released := false
			defer func() {
				if !released {
					close(gate)
				}
			}()
			for deadline := time.Now().Add(5 * time.Second); ; time.Sleep(10 * time.Millisecond) {
				s.mu.Lock()
				n := s.held
				s.mu.Unlock()
				if n == 3 {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("%d of 3 Hold calls dispatched", n)
				}
			}

			fast, fastCancel := context.WithTimeout(ctx, 3*time.Second)
			defer fastCancel()
			sum, err := c.Call(fast, "Add", []any{2, 3}, nil)
			if err != nil {
				t.Fatalf("Add() behind three held calls error = %v", err)
			}
			var got int
			if err := sum.Decode(&got); err != nil || got != 5 {
				t.Errorf("Add(2, 3) = %d, %v", got, err)
			}

			close(gate)
			released = true
			for i := 0; i < 3; i++ {
				if err := <-held; err != nil {
					t.Errorf("Hold() error = %v", err)
				}
			}
		})
	}
}

func TestServer_Recorder(t *testing.T) {
	ep := startEndpoint(t, "mqtt", "cbor")
	c := ep.dial(t, "/Sensor/s1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _ = c.Call(ctx, "Add", []any{1, 1}, nil)
	_, _ = c.Call(ctx, "Fail", nil, nil)

	calls := ep.recorder.snapshot()
	if len(calls) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(calls))
	}
	if calls[0].method != "Add" || calls[0].err != nil {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].method != "Fail" || calls[1].err == nil {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestClient_Events(t *testing.T) {
	for _, b := range backends {
		t.Run(b.scheme, func(t *testing.T) {
			ep := startEndpoint(t, b.scheme, b.codec)
			c := ep.dial(t, "/Sensor/s1")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			got := make(chan any, 4)
			id, err := c.SubscribeEvent(ctx, "sample", func(ev *protocol.Event) {
				got <- ev.Args[0]
			})
			if err != nil {
				t.Fatalf("SubscribeEvent() error = %v", err)
			}
			if err := c.Ping(ctx); err != nil {
				t.Fatalf("Ping() error = %v", err)
			}

			if _, err := c.Call(ctx, "Emit", []any{7}, nil); err != nil {
				t.Fatalf("Call(Emit) error = %v", err)
			}
			select {
			case v := <-got:
				if fmt.Sprint(v) != "7" {
					t.Errorf("event arg = %v, want 7", v)
				}
			case <-ctx.Done():
				t.Fatal("event not delivered")
			}

			if err := c.UnsubscribeEvent(ctx, id); err != nil {
				t.Fatalf("UnsubscribeEvent() error = %v", err)
			}
			if err := c.Ping(ctx); err != nil {
				t.Fatalf("Ping() error = %v", err)
			}
			if _, err := c.Call(ctx, "Emit", []any{8}, nil); err != nil {
				t.Fatalf("Call(Emit) error = %v", err)
			}
			select {
			case v := <-got:
				t.Errorf("event %v delivered after unsubscribe", v)
			case <-time.After(200 * time.Millisecond):
			}
		})
	}
}

func TestDialer(t *testing.T) {
	d := Dialer{Scheme: "ws", Codec: "json+zstd"}
	if got := d.URL("127.0.0.1", 7666); got != "ws://127.0.0.1:7666?codec=json%2Bzstd" {
		t.Errorf("URL() = %q", got)
	}
	_, err := d.Dial(context.Background(), location.MustParse("/Sensor/s1"))
	if !errors.Is(err, errs.ErrAddressing) {
		t.Errorf("Dial(no host) error = %v, want ErrAddressing", err)
	}
}

func TestProxy(t *testing.T) {
	ep := startEndpoint(t, "ws", "json")
	p := NewProxy(ep.at("/Sensor/s1"), ep.dialer)
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	res, err := p.Call(ctx, "Add", 40, 2)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var sum int
	if err := res.Decode(&sum); err != nil || sum != 42 {
		t.Errorf("Add = %d, %v", sum, err)
	}

	if err := p.Set(ctx, "gain", 3); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	res, err = p.Get(ctx, "gain")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var gain int
	if err := res.Decode(&gain); err != nil || gain != 3 {
		t.Errorf("Get(gain) = %d, %v, want 3", gain, err)
	}
	if err := p.Set(ctx, "unknown", 1); err == nil {
		t.Error("Set(unknown) error = nil")
	}

	add := p.Method("Add")
	res, err = add.Call(ctx, 1, 2)
	if err != nil || res.IsNil() {
		t.Fatalf("Method(Add).Call() = %v, %v", res.Value(), err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := p.Call(ctx, "Add", 1, 1); err != nil {
		t.Errorf("Call() after Close() error = %v, want a redial", err)
	}
}

func TestProxy_SubscribeByIndex(t *testing.T) {
	ep := startEndpoint(t, "mqtt", "cbor")
	p := NewProxy(ep.at("/Sensor/1"), ep.dialer)
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan []any, 1)
	sample := p.Method("sample")
	id, err := sample.Subscribe(ctx, func(args []any, _ map[string]any) { got <- args })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	// The event is published under the instance name s2.
	if _, err := p.Call(ctx, "Emit", 5); err != nil {
		t.Fatalf("Call(Emit) error = %v", err)
	}
	select {
	case args := <-got:
		if len(args) != 1 || fmt.Sprint(args[0]) != "5" {
			t.Errorf("event args = %v", args)
		}
	case <-ctx.Done():
		t.Fatal("event not delivered through the index-form proxy")
	}

	if err := sample.Unsubscribe(ctx, id); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestProxy_OtherGoroutineWarns(t *testing.T) {
	ep := startEndpoint(t, "mqtt", "cbor")
	log := &warnLogger{}
	p := NewProxy(ep.at("/Sensor/s1"), ep.dialer, WithProxyLogger(log))
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.Call(ctx, "Add", 1, 1); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if log.count() != 0 {
		t.Fatalf("warned %d times on the owning goroutine", log.count())
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Call(ctx, "Add", 1, 1)
		done <- err
	}()
	if err := <-done; err != nil {
		t.Fatalf("Call() from another goroutine error = %v", err)
	}
	if log.count() != 1 {
		t.Errorf("warned %d times, want 1", log.count())
	}
}

func TestProxy_MarshalText(t *testing.T) {
	p := NewProxy(location.MustParse("127.0.0.1:7666/Sensor/s1?gain=2"), Dialer{Scheme: "ws", Codec: "json"})
	text, err := p.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	if string(text) != "ws://127.0.0.1:7666/Sensor/s1?codec=json" {
		t.Errorf("MarshalText() = %q", text)
	}

	var q Proxy
	if err := q.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if q.Location().String() != "127.0.0.1:7666/Sensor/s1" {
		t.Errorf("Location() = %s", q.Location())
	}
	if q.dialer.Scheme != "ws" || q.dialer.Codec != "json" {
		t.Errorf("dialer = %+v", q.dialer)
	}

	bare := NewProxy(location.MustParse("h:1/Sensor/s1"), Dialer{})
	text, _ = bare.MarshalText()
	if string(text) != "h:1/Sensor/s1" {
		t.Errorf("MarshalText(default dialer) = %q", text)
	}

	custom := NewProxy(location.MustParse("h:1/Sensor/s1"), Dialer{
		Scheme: "mqtt",
		Options: []transport.Option{
			transport.WithWebSocket(config.WebSocketConfig{Path: "/site"}),
			transport.WithMQTT(config.MQTTConfig{TopicPrefix: "site"}),
		},
	})
	text, _ = custom.MarshalText()
	if string(text) != "mqtt://h:1/Sensor/s1?path=%2Fsite&prefix=site" {
		t.Errorf("MarshalText(custom endpoint) = %q", text)
	}
	var r Proxy
	if err := r.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText(custom endpoint) error = %v", err)
	}
	opts := transport.Apply(r.dialer.Options...)
	if opts.WebSocket.Path != "/site" || opts.MQTT.TopicPrefix != "site" {
		t.Errorf("restored options: path %q prefix %q", opts.WebSocket.Path, opts.MQTT.TopicPrefix)
	}
	if def := transport.Apply(); opts.MQTT.QoS != def.MQTT.QoS || opts.WebSocket.MaxMessageSize != def.WebSocket.MaxMessageSize {
		t.Errorf("restored options lost defaults: %+v", opts)
	}

	if err := q.UnmarshalText([]byte("/Sensor/s1")); !errors.Is(err, errs.ErrAddressing) {
		t.Errorf("UnmarshalText(no host) error = %v, want ErrAddressing", err)
	}
}

func TestGoroutineID(t *testing.T) {
	here := goroutineID()
	if here == 0 {
		t.Fatal("goroutineID() = 0")
	}
	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	if id := <-other; id == here || id == 0 {
		t.Errorf("goroutineID() in another goroutine = %d, here %d", id, here)
	}
}
