package transport

import (
	"github.com/nerrad567/instrumentd/internal/protocol"
)

// Frame kinds of the socket backend.
const (
	frameRequest     = "request"
	frameResponse    = "response"
	frameEvent       = "event"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	framePing        = "ping"
	framePong        = "pong"
)

// frame is one websocket message. Kind selects which of the other fields
// are meaningful.
type frame struct {
	Kind     string             `json:"kind" cbor:"kind"`
	ID       string             `json:"id,omitempty" cbor:"id,omitempty"`
	Topic    string             `json:"topic,omitempty" cbor:"topic,omitempty"`
	Request  *protocol.Request  `json:"request,omitempty" cbor:"request,omitempty"`
	Response *protocol.Response `json:"response,omitempty" cbor:"response,omitempty"`
	Event    *protocol.Event    `json:"event,omitempty" cbor:"event,omitempty"`
}
