package mqtt

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Broker is an embedded MQTT broker serving one endpoint.
type Broker struct {
	server *mochi.Server
	addr   string

	closeOnce sync.Once
	closeErr  error
}

// StartBroker binds a broker to addr ("host:port") and starts serving.
// The listener is bound before StartBroker returns, so clients may connect
// immediately.
func StartBroker(addr string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	server := mochi.New(&mochi.Options{
		InlineClient: false,
		Logger:       logger.With("component", "broker"),
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("%w: adding auth hook: %w", ErrBrokerFailed, err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp-" + addr,
		Address: addr,
	})
	if err := server.AddListener(tcp); err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("%w: listening on %s: %w", ErrBrokerFailed, addr, err)
	}

	b := &Broker{server: server, addr: addr}

	// Serve starts the listener goroutines and returns.
	if err := server.Serve(); err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("%w: serving on %s: %w", ErrBrokerFailed, addr, err)
	}

	return b, nil
}

// Addr returns the bound address.
func (b *Broker) Addr() string {
	return b.addr
}

// Port returns the bound port, 0 if it cannot be parsed.
func (b *Broker) Port() int {
	_, port, err := net.SplitHostPort(b.addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// Close disconnects every client and stops the listener.
// It is safe to call more than once.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.server.Close()
	})
	return b.closeErr
}
