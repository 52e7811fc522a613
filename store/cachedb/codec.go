package cachedb

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	docsync "github.com/wolfeidau/doc-sync"
)

const (
	// compressionThreshold is the minimum value size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// MaxValueSize is the maximum allowed uncompressed value size.
	MaxValueSize = 10 * 1024 * 1024 // 10MB
)

// Value encodings stored in the frame header.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

// frameMagic is the 4-byte prefix for encoded cache values.
var frameMagic = []byte("DSV1")

// frameHeaderSize is magic + encoding byte + digest.
const frameHeaderSize = len("DSV1") + 1 + docsync.HashSize

// codec encodes cache values with optional zstd compression and a BLAKE3
// digest of the uncompressed payload, verified on decode.
// Encoder and decoder are goroutine-safe and reused across calls.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// newCodec creates a codec with pooled zstd encoder/decoder.
func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames a value for storage.
// Format: MAGIC (4 bytes) | ENCODING (1 byte) | DIGEST (32 bytes) | PAYLOAD
func (c *codec) Encode(value []byte) ([]byte, error) {
	if len(value) > MaxValueSize {
		return nil, ErrValueTooLarge
	}

	digest := docsync.HashBytes(value)

	encoding := encodingIdentity
	payload := value
	if len(value) >= compressionThreshold {
		compressed := c.encoder.EncodeAll(value, make([]byte, 0, len(value)/2))
		// Only keep the compressed form when it actually saves space.
		if len(compressed) < len(value) {
			encoding = encodingZstd
			payload = compressed
		}
	}

	out := make([]byte, 0, frameHeaderSize+len(payload))
	out = append(out, frameMagic...)
	out = append(out, encoding)
	out = append(out, digest[:]...)
	out = append(out, payload...)
	return out, nil
}

// Decode unframes a stored value, decompressing if needed and verifying the
// payload digest. Returns ErrCorrupted when verification fails.
func (c *codec) Decode(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize || !bytes.Equal(frame[:len(frameMagic)], frameMagic) {
		return nil, ErrCorrupted
	}

	encoding := frame[len(frameMagic)]
	var digest docsync.Hash
	copy(digest[:], frame[len(frameMagic)+1:frameHeaderSize])
	payload := frame[frameHeaderSize:]

	var value []byte
	switch encoding {
	case encodingIdentity:
		value = make([]byte, len(payload))
		copy(value, payload)
	case encodingZstd:
		decompressed, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		if len(decompressed) > MaxValueSize {
			return nil, ErrValueTooLarge
		}
		value = decompressed
	default:
		return nil, fmt.Errorf("cachedb: unknown value encoding %d", encoding)
	}

	if docsync.HashBytes(value) != digest {
		return nil, ErrCorrupted
	}
	return value, nil
}
