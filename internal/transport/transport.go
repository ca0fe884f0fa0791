// Package transport implements the framed byte-stream contract the MTProto
// core depends on: exact-length reads, best-effort reads, writes, and a
// clean close, each scoped to one abridged-transport frame at a time so the
// session pipeline never has to guess where a frame ends.
package transport

import (
	"errors"
	"time"
)

// ErrFrameExhausted is returned by ReadSome when the current frame's bytes
// have all been delivered; it is not a connection-level error, and the next
// ReadExact call starts the next frame.
var ErrFrameExhausted = errors.New("transport: current frame exhausted")

// Transport is the external collaborator pinned by spec.md §6: a
// length-prefixed byte pipe that hands the MTProto core exactly the bytes
// belonging to one wire message at a time.
type Transport interface {
	// ReadExact blocks until exactly n bytes of the current (or next, if
	// none is in progress) frame are available, or returns an error.
	ReadExact(n int) ([]byte, error)

	// ReadSome returns up to max bytes of the current frame. It returns
	// (nil, ErrFrameExhausted) once the frame has been fully delivered,
	// without closing the underlying connection.
	ReadSome(max int) ([]byte, error)

	// Write sends b as one new, fully length-prefixed frame.
	Write(b []byte) error

	// Close releases the underlying connection.
	Close() error
}

// DialOptions configures a Transport dial.
type DialOptions struct {
	// Timeout bounds the TCP dial only; reads and writes after the dial
	// are not bounded by it. Zero means no explicit timeout beyond the
	// underlying OS defaults.
	Timeout time.Duration
}
