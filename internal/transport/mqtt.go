package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/infrastructure/mqtt"
	"github.com/nerrad567/instrumentd/internal/protocol"
	"github.com/nerrad567/instrumentd/internal/protocol/codec"
)

// SchemeMQTT is the URL scheme of the queue backend.
const SchemeMQTT = "mqtt"

func init() {
	Register(SchemeMQTT, newMQTT, "windows")
}

// mqttTransport is the queue backend. Bind embeds a broker at the endpoint
// address; requests share one topic and are drained in arrival order by
// RecvRequest, replies travel on a topic per request id.
type mqttTransport struct {
	ep     Endpoint
	topics mqtt.Topics
	qos    byte
	opts   Options
	log    Logger

	mu     sync.RWMutex
	broker *mqtt.Broker
	client *mqtt.Client

	inbox     chan *protocol.Request
	done      chan struct{}
	closeOnce sync.Once

	pending *pending
	events  *dispatcher
}

func newMQTT(ep Endpoint, opts Options) (Transport, error) {
	inbox := opts.InboxSize
	if inbox < 1 {
		inbox = 1
	}
	return &mqttTransport{
		ep:      ep,
		topics:  mqtt.Topics{Prefix: opts.MQTT.TopicPrefix},
		qos:     byte(opts.MQTT.QoS),
		opts:    opts,
		log:     opts.Logger,
		inbox:   make(chan *protocol.Request, inbox),
		done:    make(chan struct{}),
		pending: newPending(),
		events:  newDispatcher(opts.Logger),
	}, nil
}

func (t *mqttTransport) Host() string       { return t.ep.Host }
func (t *mqttTransport) Port() int          { return t.ep.Port }
func (t *mqttTransport) Scheme() string     { return SchemeMQTT }
func (t *mqttTransport) Codec() codec.Codec { return t.ep.Codec }

// Bind starts the embedded broker and subscribes to the request topic.
func (t *mqttTransport) Bind(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}

	broker, err := mqtt.StartBroker(t.ep.Address(), brokerLogger(t.log))
	if err != nil {
		return errs.Transportf("binding %s: %v", t.ep.Address(), err)
	}

	client, err := t.dial(ctx, "srv")
	if err != nil {
		_ = broker.Close()
		return err
	}

	if err := client.Subscribe(t.topics.Requests(), t.qos, t.onRequest); err != nil {
		_ = client.Close()
		_ = broker.Close()
		return errs.Transportf("subscribing to requests on %s: %v", t.ep.Address(), err)
	}

	t.mu.Lock()
	t.broker = broker
	t.client = client
	t.mu.Unlock()

	t.log.Info("queue transport bound", "address", t.ep.Address(), "codec", t.ep.Codec.Name())
	return nil
}

// Connect attaches a client to the broker of a bound endpoint.
func (t *mqttTransport) Connect(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	client, err := t.dial(ctx, "cli")
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return nil
}

func (t *mqttTransport) dial(ctx context.Context, role string) (*mqtt.Client, error) {
	timeout := time.Duration(t.opts.MQTT.ConnectTimeout) * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && (timeout <= 0 || left < timeout) {
			timeout = left
		}
	}

	prefix := t.opts.MQTT.ClientIDPrefix
	if prefix == "" {
		prefix = mqtt.DefaultTopicPrefix
	}
	client, err := mqtt.Connect(mqtt.ClientConfig{
		Host:           t.ep.Host,
		Port:           t.ep.Port,
		ClientID:       fmt.Sprintf("%s-%s-%s", prefix, role, uuid.NewString()[:8]),
		ConnectTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotConnected, t.ep.Address(), err)
	}
	client.SetLogger(t.log)
	client.SetOnDisconnect(func(err error) {
		t.log.Warn("queue transport connection lost", "address", t.ep.Address(), "error", err)
		t.pending.failAll()
	})
	return client, nil
}

// brokerLogger extracts the slog handler of l, if it has one.
func brokerLogger(l Logger) *slog.Logger {
	if h, ok := l.(interface{ Handler() slog.Handler }); ok {
		return slog.New(h.Handler())
	}
	return nil
}

func (t *mqttTransport) conn() (*mqtt.Client, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

func (t *mqttTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close disconnects the client and stops the broker if this side bound it.
func (t *mqttTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.pending.close()
		t.events.close()

		t.mu.Lock()
		client, broker := t.client, t.broker
		t.client, t.broker = nil, nil
		t.mu.Unlock()

		if client != nil {
			err = multierr.Append(err, client.Close())
		}
		if broker != nil {
			err = multierr.Append(err, broker.Close())
		}
	})
	return err
}

// Ping reports whether the broker connection is alive.
func (t *mqttTransport) Ping(ctx context.Context) error {
	client, err := t.conn()
	if err != nil {
		return err
	}
	if err := client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotConnected, t.ep.Address(), err)
	}
	return nil
}

func (t *mqttTransport) onRequest(_ string, payload []byte) error {
	var req protocol.Request
	if err := t.ep.Codec.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: request: %w", ErrDecode, err)
	}
	select {
	case t.inbox <- &req:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// RecvRequest pops the oldest received request.
func (t *mqttTransport) RecvRequest(ctx context.Context) (*protocol.Request, error) {
	select {
	case req := <-t.inbox:
		return req, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendRequest subscribes to the reply topic of req, then publishes req.
func (t *mqttTransport) SendRequest(_ context.Context, req *protocol.Request) error {
	client, err := t.conn()
	if err != nil {
		return err
	}
	payload, err := t.ep.Codec.Marshal(req)
	if err != nil {
		return errs.Transportf("encoding request %s: %v", req.ID, err)
	}

	if err := t.pending.add(req.ID); err != nil {
		return err
	}
	replyTopic := t.topics.Response(req.ID)
	if err := client.Subscribe(replyTopic, t.qos, t.onResponse); err != nil {
		t.pending.remove(req.ID)
		return t.connErr("subscribing to reply topic", err)
	}
	if err := client.Publish(t.topics.Requests(), payload, t.qos); err != nil {
		t.pending.remove(req.ID)
		_ = client.Unsubscribe(replyTopic)
		return t.connErr("publishing request", err)
	}
	return nil
}

func (t *mqttTransport) onResponse(topic string, payload []byte) error {
	var resp protocol.Response
	if err := t.ep.Codec.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("%w: response on %s: %w", ErrDecode, topic, err)
	}
	if !t.pending.deliver(&resp) {
		t.log.Debug("late response dropped", "id", resp.ID)
	}
	return nil
}

// RecvResponse waits for the reply to id and drops the reply subscription.
func (t *mqttTransport) RecvResponse(ctx context.Context, id string) (*protocol.Response, error) {
	resp, err := t.pending.wait(ctx, id)
	if client, cerr := t.conn(); cerr == nil {
		if uerr := client.Unsubscribe(t.topics.Response(id)); uerr != nil {
			t.log.Debug("reply unsubscribe failed", "id", id, "error", uerr)
		}
	}
	return resp, err
}

// SendResponse publishes resp on the reply topic of req.
func (t *mqttTransport) SendResponse(_ context.Context, req *protocol.Request, resp *protocol.Response) error {
	client, err := t.conn()
	if err != nil {
		return err
	}
	resp.For(req)
	payload, err := t.ep.Codec.Marshal(resp)
	if err != nil {
		return errs.Transportf("encoding response %s: %v", req.ID, err)
	}
	if err := client.Publish(t.topics.Response(req.ID), payload, t.qos); err != nil {
		return t.connErr("publishing response", err)
	}
	return nil
}

// Publish sends ev on its event topic.
func (t *mqttTransport) Publish(_ context.Context, ev *protocol.Event) error {
	client, err := t.conn()
	if err != nil {
		return err
	}
	payload, err := t.ep.Codec.Marshal(ev)
	if err != nil {
		return errs.Transportf("encoding event %s: %v", ev.Topic, err)
	}
	if err := client.Publish(t.topics.Event(ev.Topic), payload, t.qos); err != nil {
		return t.connErr("publishing event", err)
	}
	return nil
}

// Subscribe registers h for topic. The broker subscription is made with the
// first handler of a topic and dropped with the last.
func (t *mqttTransport) Subscribe(_ context.Context, topic string, h EventHandler) (SubscriptionID, error) {
	client, err := t.conn()
	if err != nil {
		return 0, err
	}
	id, first := t.events.add(topic, h)
	if !first {
		return id, nil
	}
	if err := client.Subscribe(t.topics.Event(topic), t.qos, t.onEvent); err != nil {
		t.events.remove(id)
		return 0, t.connErr("subscribing to "+topic, err)
	}
	return id, nil
}

func (t *mqttTransport) onEvent(mqttTopic string, payload []byte) error {
	var ev protocol.Event
	if err := t.ep.Codec.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: event on %s: %w", ErrDecode, mqttTopic, err)
	}
	if ev.Topic == "" {
		ev.Topic, _ = t.topics.EventTopic(mqttTopic)
	}
	t.events.enqueue(&ev)
	return nil
}

// Unsubscribe removes the subscription id.
func (t *mqttTransport) Unsubscribe(_ context.Context, id SubscriptionID) error {
	topic, last, ok := t.events.remove(id)
	if !ok || !last {
		return nil
	}
	client, err := t.conn()
	if err != nil {
		return err
	}
	if err := client.Unsubscribe(t.topics.Event(topic)); err != nil {
		return t.connErr("unsubscribing from "+topic, err)
	}
	return nil
}

func (t *mqttTransport) connErr(op string, err error) error {
	if t.isClosed() {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s on %s: %w", ErrNotConnected, op, t.ep.Address(), err)
}
