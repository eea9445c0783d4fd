// Package protocol defines the envelopes exchanged between clients and
// servers: Request, Response and Event.
//
// The envelopes are independent of the encoding; any codec.Codec that
// preserves their fields can carry them.
package protocol

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/location"
)

// Request asks the object at Location to run Method.
type Request struct {
	ID       string            `json:"id" cbor:"id"`
	Location location.Location `json:"location" cbor:"location"`
	Method   string            `json:"method" cbor:"method"`
	Args     []any             `json:"args,omitempty" cbor:"args,omitempty"`
	Kwargs   map[string]any    `json:"kwargs,omitempty" cbor:"kwargs,omitempty"`

	// ReplyContext is set by a transport on received requests to route the
	// response back to the caller. It never travels on the wire.
	ReplyContext any `json:"-" cbor:"-"`
}

// Response answers the Request with the same ID. Exactly one of Result and
// Fault is meaningful.
type Response struct {
	ID     string `json:"id" cbor:"id"`
	Result any    `json:"result,omitempty" cbor:"result,omitempty"`
	Fault  *Fault `json:"error,omitempty" cbor:"error,omitempty"`
}

// Fault describes a failed request.
type Fault struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// Event is a fire-and-forget notification on Topic.
type Event struct {
	Topic  string         `json:"topic" cbor:"topic"`
	Args   []any          `json:"args,omitempty" cbor:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty" cbor:"kwargs,omitempty"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(loc location.Location, method string, args []any, kwargs map[string]any) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Location: loc,
		Method:   method,
		Args:     args,
		Kwargs:   maps.Clone(kwargs),
	}
}

// OK builds a successful response.
func OK(result any) *Response {
	return &Response{Result: result}
}

// Error builds a failed response from err. Only the description survives;
// a NotFound error keeps its code.
func Error(err error) *Response {
	if err == nil {
		err = errors.New("unknown error")
	}
	code := errs.CodeError
	if errors.Is(err, errs.ErrNotFound) {
		code = errs.CodeNotFound
	}
	return &Response{Fault: &Fault{Code: code, Message: err.Error()}}
}

// NotFound builds a not_found response.
func NotFound(format string, args ...any) *Response {
	return &Response{Fault: &Fault{Code: errs.CodeNotFound, Message: fmt.Sprintf(format, args...)}}
}

// For sets the correlation id and returns r.
func (r *Response) For(req *Request) *Response {
	r.ID = req.ID
	return r
}

// IsOK reports whether r carries a result.
func (r *Response) IsOK() bool { return r.Fault == nil }

// Err converts a fault into a *errs.RemoteError, nil for successful responses.
func (r *Response) Err() error {
	if r.Fault == nil {
		return nil
	}
	return &errs.RemoteError{Code: r.Fault.Code, Message: r.Fault.Message}
}

// NewEvent builds an event.
func NewEvent(topic string, args []any, kwargs map[string]any) *Event {
	return &Event{Topic: topic, Args: args, Kwargs: maps.Clone(kwargs)}
}

// Topic is the event topic of event on the object at loc: /Class/name/event.
// Host and port are left out; every endpoint has its own topic space.
func Topic(loc location.Location, event string) string {
	return loc.Path() + "/" + event
}
