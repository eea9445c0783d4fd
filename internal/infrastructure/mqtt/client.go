package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is one paho connection to the broker of an endpoint.
//
// All methods are safe for concurrent use. Routes are restored when an
// auto-reconnecting client comes back.
type Client struct {
	paho pahomqtt.Client
	cfg  ClientConfig

	mu           sync.RWMutex
	routes       map[string]route // by topic filter
	connected    bool
	onDisconnect func(err error)
	logger       Logger
}

// Logger receives handler failures. *logging.Logger and *slog.Logger fit.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type route struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message.
//
// Handlers of a connection run one at a time in arrival order, so a blocking
// handler delays every later message. A returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker described by cfg and waits for the CONNACK.
// It fails with ErrConnectionFailed on timeout or refusal.
func Connect(cfg ClientConfig) (*Client, error) {
	c := &Client{cfg: cfg, routes: make(map[string]route)}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onLost(err) })
	c.paho = pahomqtt.NewClient(opts)

	timeout := cfg.connectTimeout()
	token := c.paho.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: no CONNACK from %s:%d within %v", ErrConnectionFailed, cfg.Host, cfg.Port, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously; IsConnected must hold on return.
	c.setConnected(true)
	return c, nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) onConnected() {
	c.setConnected(true)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for topic, r := range c.routes {
		// Failures surface again through the connection-lost handler.
		c.paho.Subscribe(topic, r.qos, c.deliver(r.handler))
	}
}

func (c *Client) onLost(err error) {
	c.mu.Lock()
	c.connected = false
	callback := c.onDisconnect
	c.mu.Unlock()

	if callback != nil {
		callback(err)
	}
}

// Close disconnects, letting in-flight work finish for a short quiesce
// period. Closing twice is not an error.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck reports ErrNotConnected once the connection is gone.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.paho.IsConnectionOpen()
}

// ClientID returns the MQTT client identifier.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// SetOnDisconnect registers the callback run when the connection drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets where handler errors and panics are reported. Without a
// logger they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// deliver adapts handler to paho, isolating its panics.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if l := c.log(); l != nil {
					l.Error("mqtt handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if l := c.log(); l != nil {
				l.Warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
