// Package codec provides the serialization strategies used on the wire.
//
// A Codec turns envelopes and arbitrary result values into bytes and back.
// CBOR is the default; JSON exists for debugging and interoperability; any
// codec can be wrapped with zstd compression for large payloads.
//
// Codecs are stateless and safe for concurrent use.
package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Codec marshals values to bytes and back.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Default is the codec used when none is configured.
const Default = "cbor"

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

// Register makes a codec available by name. Registering a name twice replaces it.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// ByName returns a registered codec. The suffix "+zstd" wraps the named
// codec with compression, e.g. "cbor+zstd". An empty name selects Default.
func ByName(name string) (Codec, error) {
	if name == "" {
		name = Default
	}
	base, compressed := strings.CutSuffix(name, "+"+zstdSuffix)

	registryMu.RLock()
	c, ok := registry[base]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownCodec, name, strings.Join(Names(), ", "))
	}
	if compressed {
		return Zstd(c), nil
	}
	return c, nil
}

// Names lists the registered codec names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Convert re-types src into dst by a round trip through c.
//
// Decoded arguments and results arrive as generic values (maps, slices,
// int64, string); Convert gives them the concrete type a method parameter or
// a caller expects.
func Convert(c Codec, src any, dst any) error {
	data, err := c.Marshal(src)
	if err != nil {
		return fmt.Errorf("%w: marshal %T: %v", ErrConvert, src, err)
	}
	if err := c.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: into %T: %v", ErrConvert, dst, err)
	}
	return nil
}

func init() {
	Register(CBOR)
	Register(JSON)
}
