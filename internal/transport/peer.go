package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/instrumentd/internal/infrastructure/config"
	"github.com/nerrad567/instrumentd/internal/protocol/codec"
)

// peerSendBufferSize is the per-connection outbound message buffer size.
const peerSendBufferSize = 256

// peer is one websocket connection with its read and write pumps.
// Server sessions and the client connection are both peers.
type peer struct {
	conn    *websocket.Conn
	codec   codec.Codec
	msgType int
	cfg     config.WebSocketConfig
	log     Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	onFrame func(p *peer, f *frame)
	onClose func(p *peer)

	// subscriptions holds the topics a remote client subscribed to.
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

func newPeer(conn *websocket.Conn, c codec.Codec, cfg config.WebSocketConfig, log Logger) *peer {
	msgType := websocket.BinaryMessage
	if c.Name() == codec.JSON.Name() {
		msgType = websocket.TextMessage
	}
	return &peer{
		conn:          conn,
		codec:         c,
		msgType:       msgType,
		cfg:           cfg,
		log:           log,
		send:          make(chan []byte, peerSendBufferSize),
		closed:        make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

// start launches the pumps. onFrame runs on the read goroutine.
func (p *peer) start(onFrame func(*peer, *frame), onClose func(*peer)) {
	p.onFrame = onFrame
	p.onClose = onClose
	go p.writePump()
	go p.readPump()
}

func (p *peer) intervals() (ping, pong time.Duration) {
	return time.Duration(p.cfg.PingInterval) * time.Second, time.Duration(p.cfg.PongTimeout) * time.Second
}

// readPump decodes frames until the connection fails.
func (p *peer) readPump() {
	defer p.close()

	if p.cfg.MaxMessageSize > 0 {
		p.conn.SetReadLimit(int64(p.cfg.MaxMessageSize))
	}
	pingInterval, pongWait := p.intervals()
	keepalive := pingInterval > 0
	if keepalive {
		//nolint:errcheck // Best-effort deadline on connection setup
		p.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		p.conn.SetPongHandler(func(string) error {
			return p.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		})
	}

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warn("websocket read error", "error", err)
			} else {
				p.log.Debug("websocket closed", "error", err)
			}
			return
		}
		if keepalive {
			//nolint:errcheck // Best-effort deadline reset
			p.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		}

		var f frame
		if err := p.codec.Unmarshal(data, &f); err != nil {
			p.log.Warn("undecodable websocket frame dropped", "error", err)
			continue
		}
		p.onFrame(p, &f)
	}
}

// writePump writes queued messages and keepalive pings.
func (p *peer) writePump() {
	pingInterval, pongWait := p.intervals()
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if pongWait <= 0 {
		pongWait = 10 * time.Second
	}
	defer p.conn.Close()

	for {
		select {
		case <-p.closed:
			//nolint:errcheck // Best-effort close message
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case message := <-p.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			p.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := p.conn.WriteMessage(p.msgType, message); err != nil {
				p.log.Debug("websocket write failed", "error", err)
				p.close()
				return
			}
		case <-tick:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			p.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}

// write encodes f and queues it, waiting for buffer space.
func (p *peer) write(ctx context.Context, f *frame) error {
	data, err := p.codec.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case p.send <- data:
		return nil
	case <-p.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryWrite queues f without waiting. Events use it; a slow peer loses events
// rather than stalling the publisher.
func (p *peer) tryWrite(f *frame) bool {
	data, err := p.codec.Marshal(f)
	if err != nil {
		p.log.Warn("encoding websocket frame failed", "kind", f.Kind, "error", err)
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peer) subscribe(topic string) {
	p.mu.Lock()
	p.subscriptions[topic] = struct{}{}
	p.mu.Unlock()
}

func (p *peer) unsubscribe(topic string) {
	p.mu.Lock()
	delete(p.subscriptions, topic)
	p.mu.Unlock()
}

func (p *peer) isSubscribed(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.subscriptions[topic]
	return ok
}

func (p *peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// close stops both pumps. The write pump closes the connection.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		// Unblock a read pump parked in ReadMessage.
		//nolint:errcheck // Best-effort deadline
		p.conn.SetReadDeadline(time.Now())
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}
