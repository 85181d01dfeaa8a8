package driftsync

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("x"),
		[]byte(`{"entity_type":"document","data":{"title":"hello"}}`),
		bytes.Repeat([]byte("abcdefgh"), 512),
		{0x00, 0x01, 0xfe, 0xff},
	}

	for _, enabled := range []bool{true, false} {
		codec := NewCodec(enabled)
		for _, payload := range payloads {
			encoded := codec.Encode(payload)
			decoded, err := codec.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode (enabled=%v): %v", enabled, err)
			}
			if !bytes.Equal(decoded, payload) {
				t.Fatalf("round trip not byte-identical (enabled=%v): %v vs %v", enabled, decoded, payload)
			}
		}
	}
}

func TestCodecCompressesRepetitiveData(t *testing.T) {
	codec := NewCodec(true)
	payload := bytes.Repeat([]byte("synchronize "), 256)

	encoded := codec.Encode(payload)
	if encoded[0] != frameSnappy {
		t.Fatalf("repetitive payload should use the snappy frame, got marker %d", encoded[0])
	}
	if len(encoded) >= len(payload) {
		t.Fatalf("compressed frame not smaller: %d >= %d", len(encoded), len(payload))
	}
}

func TestCodecKeepsRawFrameWhenCompressionDoesNotPay(t *testing.T) {
	codec := NewCodec(true)

	// Short, high-entropy data does not shrink under snappy.
	payload := []byte{0x9f, 0x3a, 0xc1, 0x07, 0x5e}
	encoded := codec.Encode(payload)
	if encoded[0] != frameRaw {
		t.Fatalf("incompressible payload should stay raw, got marker %d", encoded[0])
	}
	if len(encoded) != len(payload)+1 {
		t.Fatalf("raw frame length wrong: %d", len(encoded))
	}
}

func TestCodecDisabledAlwaysRaw(t *testing.T) {
	codec := NewCodec(false)
	encoded := codec.Encode(bytes.Repeat([]byte("compressible "), 100))
	if encoded[0] != frameRaw {
		t.Fatalf("disabled codec must frame raw, got marker %d", encoded[0])
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := NewCodec(true)

	if _, err := codec.Decode(nil); err == nil {
		t.Fatal("empty frame must be rejected")
	}
	if _, err := codec.Decode([]byte{0x7f, 1, 2, 3}); err == nil {
		t.Fatal("unknown frame marker must be rejected")
	}
	if _, err := codec.Decode([]byte{frameSnappy, 0xff, 0xff, 0xff}); err == nil {
		t.Fatal("corrupt snappy body must be rejected")
	}
}
