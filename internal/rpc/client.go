package rpc

import (
	"context"
	"net"
	"net/url"
	"strconv"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/protocol"
	"github.com/nerrad567/instrumentd/internal/protocol/codec"
	"github.com/nerrad567/instrumentd/internal/transport"
)

// Dialer describes how to reach remote endpoints. The zero value uses the
// platform default backend and the CBOR codec.
type Dialer struct {
	// Scheme is the transport backend, "" for the platform default.
	Scheme string
	// Codec is the codec name, "" for cbor.
	Codec string
	// Options are passed to transport.New.
	Options []transport.Option
}

// URL returns the endpoint URL of host:port.
func (d Dialer) URL(host string, port int) string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = transport.DefaultScheme()
	}
	u := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
	if d.Codec != "" {
		u += "?codec=" + url.QueryEscape(d.Codec)
	}
	return u
}

// Dial connects a client to the endpoint serving loc.
func (d Dialer) Dial(ctx context.Context, loc location.Location) (*Client, error) {
	if !loc.HasHost() {
		return nil, errs.Addressingf("%s has no host:port to dial", loc.Path())
	}
	tr, err := transport.New(d.URL(loc.Host(), loc.Port()), d.Options...)
	if err != nil {
		return nil, err
	}
	if err := tr.Connect(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return &Client{loc: loc, transport: tr}, nil
}

// Client calls the object at one Location over its own connection.
// It is safe for concurrent use; calls are correlated by request id.
type Client struct {
	loc       location.Location
	transport transport.Transport
}

// NewClient wraps a connected transport.
func NewClient(loc location.Location, tr transport.Transport) *Client {
	return &Client{loc: loc, transport: tr}
}

// Location returns the target location.
func (c *Client) Location() location.Location { return c.loc }

// Codec returns the codec of the connection.
func (c *Client) Codec() codec.Codec { return c.transport.Codec() }

// Ping reports whether the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.transport.Ping(ctx)
}

// Call runs method remotely and waits for its result.
//
// A not_found fault satisfies errors.Is(err, errs.ErrNotFound); any other
// fault is a *errs.RemoteError wrapping errs.ErrRemoteInvocation. Failures to
// reach the endpoint wrap errs.ErrTransport.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (Result, error) {
	req := protocol.NewRequest(c.loc, method, args, kwargs)
	resp, err := transport.RoundTrip(ctx, c.transport, req)
	if err != nil {
		return Result{}, err
	}
	if resp == nil {
		return Result{}, errs.Transportf("no response to %s on %s", method, c.loc)
	}
	if err := resp.Err(); err != nil {
		return Result{}, err
	}
	return Result{value: resp.Result, codec: c.transport.Codec()}, nil
}

// PublishEvent publishes event of the client location.
func (c *Client) PublishEvent(ctx context.Context, event string, args []any, kwargs map[string]any) error {
	return c.transport.Publish(ctx, protocol.NewEvent(protocol.Topic(c.loc, event), args, kwargs))
}

// SubscribeEvent registers h for event of the client location.
func (c *Client) SubscribeEvent(ctx context.Context, event string, h transport.EventHandler) (transport.SubscriptionID, error) {
	return c.transport.Subscribe(ctx, protocol.Topic(c.loc, event), h)
}

// UnsubscribeEvent removes a subscription made with SubscribeEvent.
func (c *Client) UnsubscribeEvent(ctx context.Context, id transport.SubscriptionID) error {
	return c.transport.Unsubscribe(ctx, id)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.transport.Close()
}
