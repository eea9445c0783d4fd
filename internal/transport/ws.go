package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/protocol"
	"github.com/nerrad567/instrumentd/internal/protocol/codec"
)

// SchemeWS is the URL scheme of the socket backend.
const SchemeWS = "ws"

func init() {
	Register(SchemeWS, newWS)
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Endpoints are not browser facing
		return true
	},
}

// wsTransport is the socket backend. A bound transport serves websocket
// sessions; every received request remembers its session so the response is
// written to the caller's own connection. A connected transport multiplexes
// concurrent calls over one connection by request id.
type wsTransport struct {
	ep   Endpoint
	opts Options
	log  Logger

	mu       sync.RWMutex
	server   *http.Server
	sessions map[*peer]struct{}
	client   *peer

	inbox     chan *protocol.Request
	done      chan struct{}
	closeOnce sync.Once

	pending *pending
	pings   *pending
	events  *dispatcher
}

func newWS(ep Endpoint, opts Options) (Transport, error) {
	inbox := opts.InboxSize
	if inbox < 1 {
		inbox = 1
	}
	return &wsTransport{
		ep:       ep,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[*peer]struct{}),
		inbox:    make(chan *protocol.Request, inbox),
		done:     make(chan struct{}),
		pending:  newPending(),
		pings:    newPending(),
		events:   newDispatcher(opts.Logger),
	}, nil
}

func (t *wsTransport) Host() string       { return t.ep.Host }
func (t *wsTransport) Port() int          { return t.ep.Port }
func (t *wsTransport) Scheme() string     { return SchemeWS }
func (t *wsTransport) Codec() codec.Codec { return t.ep.Codec }

func (t *wsTransport) path() string {
	if t.opts.WebSocket.Path == "" {
		return "/"
	}
	return t.opts.WebSocket.Path
}

// Bind listens on the endpoint address and serves websocket sessions.
func (t *wsTransport) Bind(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", t.ep.Address())
	if err != nil {
		return errs.Transportf("binding %s: %v", t.ep.Address(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.path(), t.handleUpgrade)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("socket transport stopped", "address", t.ep.Address(), "error", err)
		}
	}()

	t.log.Info("socket transport bound", "address", t.ep.Address(), "path", t.path(), "codec", t.ep.Codec.Name())
	return nil
}

// handleUpgrade turns an HTTP request into a session.
func (t *wsTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if t.isClosed() {
		http.Error(w, "endpoint closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := newPeer(conn, t.ep.Codec, t.opts.WebSocket, t.log)
	t.mu.Lock()
	t.sessions[session] = struct{}{}
	count := len(t.sessions)
	t.mu.Unlock()
	t.log.Debug("websocket session opened", "remote", r.RemoteAddr, "sessions", count)

	session.start(t.onServerFrame, t.dropSession)
}

func (t *wsTransport) dropSession(p *peer) {
	t.mu.Lock()
	delete(t.sessions, p)
	count := len(t.sessions)
	t.mu.Unlock()
	t.log.Debug("websocket session closed", "sessions", count)
}

func (t *wsTransport) onServerFrame(p *peer, f *frame) {
	switch f.Kind {
	case frameRequest:
		if f.Request == nil {
			return
		}
		req := f.Request
		req.ReplyContext = p
		select {
		case t.inbox <- req:
		case <-t.done:
		case <-p.closed:
		}
	case frameSubscribe:
		p.subscribe(f.Topic)
	case frameUnsubscribe:
		p.unsubscribe(f.Topic)
	case framePublish:
		if f.Event != nil {
			t.broadcast(f.Event)
		}
	case framePing:
		_ = p.write(context.Background(), &frame{Kind: framePong, ID: f.ID})
	default:
		t.log.Debug("unexpected websocket frame", "kind", f.Kind)
	}
}

// broadcast delivers ev to subscribed sessions and to local handlers.
func (t *wsTransport) broadcast(ev *protocol.Event) {
	t.mu.RLock()
	sessions := make([]*peer, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()

	f := &frame{Kind: frameEvent, Topic: ev.Topic, Event: ev}
	for _, s := range sessions {
		if s.isSubscribed(ev.Topic) && !s.tryWrite(f) {
			t.log.Warn("event dropped, session buffer full", "topic", ev.Topic)
		}
	}
	if t.events.has(ev.Topic) {
		t.events.enqueue(ev)
	}
}

// Connect dials the websocket endpoint.
func (t *wsTransport) Connect(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}

	u := fmt.Sprintf("ws://%s%s", net.JoinHostPort(dialHost(t.ep.Host), strconv.Itoa(t.ep.Port)), t.path())
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotConnected, t.ep.Address(), err)
	}

	p := newPeer(conn, t.ep.Codec, t.opts.WebSocket, t.log)
	t.mu.Lock()
	t.client = p
	t.mu.Unlock()

	p.start(t.onClientFrame, func(*peer) {
		t.pending.failAll()
		t.pings.failAll()
	})
	return nil
}

// dialHost maps wildcard bind addresses to loopback for dialing.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	default:
		return host
	}
}

func (t *wsTransport) onClientFrame(_ *peer, f *frame) {
	switch f.Kind {
	case frameResponse:
		if f.Response != nil && !t.pending.deliver(f.Response) {
			t.log.Debug("late response dropped", "id", f.Response.ID)
		}
	case frameEvent:
		if f.Event != nil {
			t.events.enqueue(f.Event)
		}
	case framePong:
		t.pings.deliver(&protocol.Response{ID: f.ID})
	default:
		t.log.Debug("unexpected websocket frame", "kind", f.Kind)
	}
}

func (t *wsTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *wsTransport) conn() (*peer, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil || t.client.isClosed() {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

func (t *wsTransport) bound() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.server != nil
}

// Close stops serving, closes every session and the client connection.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.pending.close()
		t.pings.close()
		t.events.close()

		t.mu.Lock()
		server, client := t.server, t.client
		sessions := make([]*peer, 0, len(t.sessions))
		for s := range t.sessions {
			sessions = append(sessions, s)
		}
		t.mu.Unlock()

		if server != nil {
			err = server.Close()
		}
		for _, s := range sessions {
			s.close()
		}
		if client != nil {
			client.close()
		}
	})
	return err
}

// Ping round-trips a ping frame. A bound transport answers for itself.
func (t *wsTransport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if t.bound() {
		return nil
	}
	p, err := t.conn()
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		timeout := time.Duration(t.opts.WebSocket.PongTimeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := uuid.NewString()
	if err := t.pings.add(id); err != nil {
		return err
	}
	if err := p.write(ctx, &frame{Kind: framePing, ID: id}); err != nil {
		t.pings.remove(id)
		return fmt.Errorf("%w: ping %s: %w", ErrNotConnected, t.ep.Address(), err)
	}
	if _, err := t.pings.wait(ctx, id); err != nil {
		return fmt.Errorf("%w: ping %s: %w", ErrNotConnected, t.ep.Address(), err)
	}
	return nil
}

// SendRequest writes req on the client connection.
func (t *wsTransport) SendRequest(ctx context.Context, req *protocol.Request) error {
	p, err := t.conn()
	if err != nil {
		return err
	}
	if err := t.pending.add(req.ID); err != nil {
		return err
	}
	if err := p.write(ctx, &frame{Kind: frameRequest, ID: req.ID, Request: req}); err != nil {
		t.pending.remove(req.ID)
		return fmt.Errorf("%w: sending request %s: %w", ErrNotConnected, req.ID, err)
	}
	return nil
}

// RecvRequest pops the oldest request received on any session.
func (t *wsTransport) RecvRequest(ctx context.Context) (*protocol.Request, error) {
	select {
	case req := <-t.inbox:
		return req, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResponse writes resp to the session req arrived on.
func (t *wsTransport) SendResponse(ctx context.Context, req *protocol.Request, resp *protocol.Response) error {
	if t.isClosed() {
		return ErrClosed
	}
	session, ok := req.ReplyContext.(*peer)
	if !ok || session == nil {
		return errs.Transportf("request %s carries no reply session", req.ID)
	}
	resp.For(req)
	if err := session.write(ctx, &frame{Kind: frameResponse, ID: req.ID, Response: resp}); err != nil {
		return fmt.Errorf("%w: caller of %s went away: %w", ErrNotConnected, req.ID, err)
	}
	return nil
}

// RecvResponse waits for the response to id.
func (t *wsTransport) RecvResponse(ctx context.Context, id string) (*protocol.Response, error) {
	return t.pending.wait(ctx, id)
}

// Publish fans ev out. A bound transport delivers directly; a connected one
// hands the event to the server for fan-out.
func (t *wsTransport) Publish(ctx context.Context, ev *protocol.Event) error {
	if t.isClosed() {
		return ErrClosed
	}
	if t.bound() {
		t.broadcast(ev)
		return nil
	}
	p, err := t.conn()
	if err != nil {
		return err
	}
	return p.write(ctx, &frame{Kind: framePublish, Topic: ev.Topic, Event: ev})
}

// Subscribe registers h for topic. A connected transport tells the server
// with the first handler of a topic.
func (t *wsTransport) Subscribe(ctx context.Context, topic string, h EventHandler) (SubscriptionID, error) {
	if t.isClosed() {
		return 0, ErrClosed
	}
	id, first := t.events.add(topic, h)
	if !first || t.bound() {
		return id, nil
	}
	p, err := t.conn()
	if err == nil {
		err = p.write(ctx, &frame{Kind: frameSubscribe, Topic: topic})
	}
	if err != nil {
		t.events.remove(id)
		return 0, err
	}
	return id, nil
}

// Unsubscribe removes the subscription id.
func (t *wsTransport) Unsubscribe(ctx context.Context, id SubscriptionID) error {
	topic, last, ok := t.events.remove(id)
	if !ok || !last || t.bound() {
		return nil
	}
	p, err := t.conn()
	if err != nil {
		return err
	}
	return p.write(ctx, &frame{Kind: frameUnsubscribe, Topic: topic})
}
