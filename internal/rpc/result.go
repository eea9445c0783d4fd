package rpc

import (
	"github.com/nerrad567/instrumentd/internal/protocol/codec"
)

// Result is the decoded value of a successful call. Remote values arrive in
// generic form (map[string]any, []any, int64, ...); Decode re-types them.
type Result struct {
	value any
	codec codec.Codec
}

// Value returns the value in generic form.
func (r Result) Value() any { return r.value }

// IsNil reports whether the method returned nothing.
func (r Result) IsNil() bool { return r.value == nil }

// Decode stores the value in the value out points to.
func (r Result) Decode(out any) error {
	c := r.codec
	if c == nil {
		c = codec.CBOR
	}
	return codec.Convert(c, r.value, out)
}
