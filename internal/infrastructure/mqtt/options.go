package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2
)

// ClientConfig describes one client connection to a broker.
type ClientConfig struct {
	Host     string
	Port     int
	ClientID string

	// ConnectTimeout bounds the initial connection. Zero means the default.
	ConnectTimeout time.Duration

	// AutoReconnect keeps retrying after a lost connection. Endpoint clients
	// leave it off so a dead server surfaces as ErrNotConnected.
	AutoReconnect bool
}

func (c ClientConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return c.ConnectTimeout
}

// buildClientOptions creates paho MQTT options from a ClientConfig.
//
// This configures:
//   - Broker URL (always tcp://, the broker is local to the endpoint)
//   - Client ID for identification
//   - Clean session mode
//   - Ordered, in-line handler delivery
func buildClientOptions(cfg ClientConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", dialHost(cfg.Host), cfg.Port))
	opts.SetClientID(cfg.ClientID)

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(cfg.AutoReconnect)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(cfg.connectTimeout())
	opts.SetKeepAlive(defaultKeepAlive)

	// Handlers run one at a time in arrival order; the request inbox relies on it.
	opts.SetOrderMatters(true)

	return opts
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
