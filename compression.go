package driftsync

import (
	"fmt"

	"github.com/golang/snappy"
)

// Frame markers for stored payloads. Decompression dispatches on the first
// byte so plain and compressed payloads can coexist in the same store.
const (
	frameRaw    byte = 0
	frameSnappy byte = 1
)

// Codec provides transparent, lossless compression of stored payloads and
// transport frames. A payload always decompresses to byte-identical data.
type Codec struct {
	enabled bool
}

// NewCodec creates a codec. When disabled, Encode frames payloads raw.
func NewCodec(enabled bool) *Codec {
	return &Codec{enabled: enabled}
}

// Encode frames and optionally compresses a payload.
func (c *Codec) Encode(data []byte) []byte {
	if !c.enabled {
		out := make([]byte, len(data)+1)
		out[0] = frameRaw
		copy(out[1:], data)
		return out
	}

	compressed := snappy.Encode(nil, data)

	// Keep the raw frame when compression does not pay for itself.
	if len(compressed) >= len(data) {
		out := make([]byte, len(data)+1)
		out[0] = frameRaw
		copy(out[1:], data)
		return out
	}

	out := make([]byte, len(compressed)+1)
	out[0] = frameSnappy
	copy(out[1:], compressed)
	return out
}

// Decode reverses Encode, returning the original payload.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload frame")
	}

	switch data[0] {
	case frameRaw:
		out := make([]byte, len(data)-1)
		copy(out, data[1:])
		return out, nil
	case frameSnappy:
		decoded, err := snappy.Decode(nil, data[1:])
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown payload frame marker 0x%02x", data[0])
	}
}
