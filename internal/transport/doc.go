// Package transport moves protocol envelopes between endpoints.
//
// A Transport is bound by a server (Bind) or connected by a client (Connect)
// and carries requests, responses and events encoded with a codec.Codec.
// Backends register themselves by URL scheme:
//
//	mqtt://host:port   queue backend: embedded broker, shared request topic,
//	                   per-request reply topics
//	ws://host:port     socket backend: websocket sessions, replies written to
//	                   the caller's own connection
//
// New selects the backend from the URL. A bare "host:port" uses the platform
// default: ws on windows, mqtt elsewhere. The codec is chosen with the
// "codec" query parameter (cbor, json, cbor+zstd, json+zstd).
//
// Events are best effort. A handler sees the events published after its
// subscription became active, in no guaranteed order across publishers.
package transport
