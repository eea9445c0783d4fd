package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type reading struct {
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
	Count   int     `json:"count"`
}

func TestByName(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"", "cbor", false},
		{"cbor", "cbor", false},
		{"json", "json", false},
		{"cbor+zstd", "cbor+zstd", false},
		{"json+zstd", "json+zstd", false},
		{"msgpack", "", true},
		{"+zstd", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ByName(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownCodec) {
					t.Fatalf("ByName(%q) error = %v, want ErrUnknownCodec", tt.name, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ByName(%q) error = %v", tt.name, err)
			}
			if c.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", c.Name(), tt.wantName)
			}
		})
	}
}

func TestCodecs_GenericValues(t *testing.T) {
	for _, name := range []string{"cbor", "json", "cbor+zstd"} {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			if err != nil {
				t.Fatalf("ByName() error = %v", err)
			}

			in := map[string]any{"n": 42, "s": "x", "list": []any{1, "two"}}
			data, err := c.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			var out map[string]any
			if err := c.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			var n int
			if err := Convert(c, out["n"], &n); err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if n != 42 {
				t.Errorf("n = %d, want 42", n)
			}
			if out["s"] != "x" {
				t.Errorf("s = %v, want x", out["s"])
			}
		})
	}
}

func TestCBOR_IntegersDecodeSigned(t *testing.T) {
	data, err := CBOR.Marshal([]any{7, -3})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out []any
	if err := CBOR.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out[0] != int64(7) || out[1] != int64(-3) {
		t.Errorf("out = %#v, want int64 values", out)
	}
}

func TestCBOR_Deterministic(t *testing.T) {
	a, _ := CBOR.Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	b, _ := CBOR.Marshal(map[string]any{"c": 3, "a": 2, "b": 1})
	if !bytes.Equal(a, b) {
		t.Error("equal maps encoded differently")
	}
}

func TestConvert_Struct(t *testing.T) {
	for _, c := range []Codec{CBOR, JSON} {
		t.Run(c.Name(), func(t *testing.T) {
			generic := map[string]any{"channel": "ccd", "value": 1.5, "count": 3}
			var r reading
			if err := Convert(c, generic, &r); err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if r != (reading{Channel: "ccd", Value: 1.5, Count: 3}) {
				t.Errorf("reading = %+v", r)
			}
		})
	}
}

func TestConvert_Mismatch(t *testing.T) {
	var n int
	err := Convert(CBOR, "not a number", &n)
	if !errors.Is(err, ErrConvert) {
		t.Errorf("Convert() error = %v, want ErrConvert", err)
	}
}

func TestZstd_Compresses(t *testing.T) {
	payload := strings.Repeat("exposure ", 500)
	plain, _ := CBOR.Marshal(payload)
	packed, err := Zstd(CBOR).Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if len(packed) >= len(plain) {
		t.Errorf("compressed %d bytes, plain %d", len(packed), len(plain))
	}

	var back string
	if err := Zstd(CBOR).Unmarshal(packed, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back != payload {
		t.Error("payload changed in round trip")
	}
}

func TestZstd_CorruptInput(t *testing.T) {
	var v any
	if err := Zstd(CBOR).Unmarshal([]byte("not zstd"), &v); err == nil {
		t.Error("expected error for corrupt input")
	}
}
