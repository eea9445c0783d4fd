package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("127.0.0.1:%d", port), port
}

// startBroker starts an embedded broker and returns a config for clients of it.
func startBroker(t *testing.T) ClientConfig {
	t.Helper()
	addr, port := freeAddr(t)
	b, err := StartBroker(addr, nil)
	if err != nil {
		t.Fatalf("StartBroker() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if b.Port() != port {
		t.Errorf("Port() = %d, want %d", b.Port(), port)
	}
	return ClientConfig{
		Host:           "127.0.0.1",
		Port:           port,
		ClientID:       "test-" + strings.ReplaceAll(t.Name(), "/", "-"),
		ConnectTimeout: 2 * time.Second,
	}
}

func connect(t *testing.T, cfg ClientConfig, suffix string) *Client {
	t.Helper()
	cfg.ClientID += suffix
	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	cfg := startBroker(t)
	client := connect(t, cfg, "")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnectNoBroker(t *testing.T) {
	_, port := freeAddr(t)
	_, err := Connect(ClientConfig{Host: "127.0.0.1", Port: port, ClientID: "nobody", ConnectTimeout: time.Second})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	cfg := startBroker(t)
	client := connect(t, cfg, "")

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.Publish("a/b", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	cfg := startBroker(t)
	client := connect(t, cfg, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestBrokerClose_DisconnectsClients(t *testing.T) {
	addr, port := freeAddr(t)
	b, err := StartBroker(addr, nil)
	if err != nil {
		t.Fatalf("StartBroker() error = %v", err)
	}
	client := connect(t, ClientConfig{Host: "127.0.0.1", Port: port, ClientID: "lost"}, "")

	lost := make(chan error, 1)
	client.SetOnDisconnect(func(err error) { lost <- err })

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss not reported")
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after broker shutdown")
	}
}

// =============================================================================
// Publish / Subscribe Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	cfg := startBroker(t)
	client := connect(t, cfg, "")

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", nil, 0, ErrInvalidTopic},
		{"bad qos", "a/b", nil, 3, ErrInvalidQoS},
		{"oversized", "a/b", make([]byte, MaxPayloadSize+1), 0, ErrPublishFailed},
		{"valid", "a/b", []byte("x"), 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	cfg := startBroker(t)
	client := connect(t, cfg, "")
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 0, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v", err)
	}
	if err := client.Subscribe("a", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v", err)
	}
	if err := client.Subscribe("a", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v", err)
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	cfg := startBroker(t)
	sub := connect(t, cfg, "-sub")
	pub := connect(t, cfg, "-pub")
	topics := Topics{Prefix: "test"}

	received := make(chan string, 4)
	err := sub.Subscribe(topics.Event("#"), 1, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topics.Event("#")) || sub.SubscriptionCount() != 1 {
		t.Error("subscription not tracked")
	}

	if err := pub.Publish(topics.Event("/Sim/s/tick"), []byte("1"), 1); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "test/events/Sim/s/tick=1" {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	if err := sub.Unsubscribe(topics.Event("#")); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if sub.SubscriptionCount() != 0 {
		t.Error("subscription still tracked after Unsubscribe")
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	cfg := startBroker(t)
	client := connect(t, cfg, "")

	logger := &recordingLogger{}
	client.SetLogger(logger)

	var mu sync.Mutex
	var seen []string
	err := client.Subscribe("panic/+", 0, func(topic string, _ []byte) error {
		if topic == "panic/boom" {
			panic("handler exploded")
		}
		if topic == "panic/fail" {
			return errors.New("handler failed")
		}
		mu.Lock()
		seen = append(seen, topic)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for _, topic := range []string{"panic/boom", "panic/fail", "panic/ok"} {
		if err := client.Publish(topic, []byte("x"), 1); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 1 && logger.count() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "panic/ok" {
		t.Errorf("delivered = %v, want [panic/ok]", seen)
	}
	if logger.count() != 2 {
		t.Errorf("logged %d entries, want 2 (panic + error)", logger.count())
	}
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}
	if got := topics.Requests(); got != "instrumentd/requests" {
		t.Errorf("Requests() = %q", got)
	}
	if got := (Topics{Prefix: "lab/"}).Response("abc"); got != "lab/responses/abc" {
		t.Errorf("Response() = %q", got)
	}
	if got := topics.Event("/Sim/sim0/tick"); got != "instrumentd/events/Sim/sim0/tick" {
		t.Errorf("Event() = %q", got)
	}

	topic, ok := topics.EventTopic("instrumentd/events/Sim/sim0/tick")
	if !ok || topic != "/Sim/sim0/tick" {
		t.Errorf("EventTopic() = %q, %v", topic, ok)
	}
	if _, ok := topics.EventTopic("instrumentd/requests"); ok {
		t.Error("EventTopic() accepted a non-event topic")
	}
}

func TestDialHost(t *testing.T) {
	tests := map[string]string{
		"":          "127.0.0.1",
		"0.0.0.0":   "127.0.0.1",
		"::":        "127.0.0.1",
		"localhost": "localhost",
		"10.0.0.5":  "10.0.0.5",
	}
	for in, want := range tests {
		if got := dialHost(in); got != want {
			t.Errorf("dialHost(%q) = %q, want %q", in, got, want)
		}
	}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.add(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add(msg) }

func (l *recordingLogger) add(msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
