// Package rpc exposes registered objects over a transport and calls them
// from elsewhere.
//
// A Server drains requests from a bound transport, looks the target up in a
// resource.Registry and runs the method on a bounded worker pool. A Client
// owns one connected transport for one Location. A Proxy is the value most
// code holds: it dials lazily, survives serialization, and turns remote
// events into local handlers.
//
//	p := rpc.NewProxy(location.MustParse("127.0.0.1:7666/Sim/sim0"), rpc.Dialer{})
//	defer p.Close()
//
//	res, err := p.Call(ctx, "Count")
//	var n int
//	err = res.Decode(&n)
//
//	id, err := p.Method("tick").Subscribe(ctx, func(args []any, _ map[string]any) { ... })
package rpc
