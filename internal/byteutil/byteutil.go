// Package byteutil provides small binary-encoding helpers shared by the
// crypto and wire-format layers: endian conversions, XOR, and a streaming
// hash adapter.
package byteutil

import (
	"encoding/binary"
	"hash"
	"io"
	"math/big"
)

// PutUint64LE writes v into the first 8 bytes of b in little-endian order.
func PutUint64LE(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// Uint64LE reads a little-endian uint64 from the first 8 bytes of b.
func Uint64LE(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// PutUint32LE writes v into the first 4 bytes of b in little-endian order.
func PutUint32LE(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// Uint32LE reads a little-endian uint32 from the first 4 bytes of b.
func Uint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// Int64LE reads a little-endian, two's-complement signed 64-bit integer.
func Int64LE(b []byte) int64 {
	return int64(Uint64LE(b))
}

// PutInt64LE writes a little-endian, two's-complement signed 64-bit integer.
func PutInt64LE(b []byte, v int64) {
	PutUint64LE(b, uint64(v))
}

// XOR returns a XOR b, truncated to the shorter of the two inputs.
func XOR(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// ToBytes renders a non-negative big.Int as a big-endian byte string with
// no leading zero byte and no fixed width; callers that need a fixed width
// (e.g. 256 bytes for auth_key) pad the result themselves.
func ToBytes(i *big.Int) []byte {
	return i.Bytes()
}

// FixedBytes renders i as a big-endian byte string of exactly size bytes,
// left-padded with zeroes.
func FixedBytes(i *big.Int, size int) []byte {
	raw := i.Bytes()
	if len(raw) >= size {
		return raw[len(raw)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out
}

// HashWriter tees every byte written through it into an underlying hash,
// so a streaming decrypt can feed a running MAC without buffering the full
// plaintext.
type HashWriter struct {
	H hash.Hash
}

// NewHashWriter wraps h as an io.Writer.
func NewHashWriter(h hash.Hash) *HashWriter {
	return &HashWriter{H: h}
}

func (w *HashWriter) Write(p []byte) (int, error) {
	return w.H.Write(p)
}

// TeeWriter writes every byte to both w and h, returning an io.Writer
// suitable for io.MultiWriter composition.
func TeeWriter(w io.Writer, h hash.Hash) io.Writer {
	return io.MultiWriter(w, h)
}
