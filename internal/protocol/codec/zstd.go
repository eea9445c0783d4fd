package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const zstdSuffix = "zstd"

// zstdEncoder and zstdDecoder are shared; both are safe for concurrent use
// through EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
	)
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Zstd wraps inner with zstd compression.
func Zstd(inner Codec) Codec {
	return zstdCodec{inner: inner}
}

type zstdCodec struct {
	inner Codec
}

func (z zstdCodec) Name() string { return z.inner.Name() + "+" + zstdSuffix }

func (z zstdCodec) Marshal(v any) ([]byte, error) {
	raw, err := z.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func (z zstdCodec) Unmarshal(data []byte, v any) error {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	return z.inner.Unmarshal(raw, v)
}
