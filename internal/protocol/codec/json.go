package codec

import (
	"bytes"
	"encoding/json"
)

// JSON encodes with encoding/json. Numbers decode as json.Number so large
// integers survive; Convert turns them into the expected Go type.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
