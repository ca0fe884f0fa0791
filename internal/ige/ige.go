// Package ige implements AES-256 in Infinite Garble Extension (IGE) mode,
// the non-standard block cipher mode MTProto uses for every symmetric
// encryption step: the handshake's temporary key and the session pipeline's
// per-message key.
//
// IGE chains both the previous plaintext and previous ciphertext block into
// each new block, so a single bit flip in the ciphertext garbles every
// subsequent block on decryption — useful as a tamper-evidence property,
// but it is not an authenticated mode: callers MUST verify a MAC derived
// from the plaintext (see DeriveKeyIV) before trusting decrypted bytes.
package ige

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
)

const (
	// BlockSize is the AES block size IGE operates on.
	BlockSize = aes.BlockSize

	// KeySize is the AES-256 key size used throughout MTProto.
	KeySize = 32

	// IVSize is the combined size of the two IGE IV halves.
	IVSize = 2 * BlockSize
)

var (
	// ErrNotBlockAligned is returned when a whole-buffer operation is given
	// a plaintext/ciphertext whose length isn't a multiple of BlockSize.
	ErrNotBlockAligned = errors.New("ige: input length is not a multiple of the block size")
	// ErrShortIV is returned when the supplied IV is smaller than IVSize.
	ErrShortIV = errors.New("ige: iv must be 32 bytes (two block halves)")
)

// Cipher holds one direction's worth of IGE chaining state: the rolling
// "previous plaintext" / "previous ciphertext" halves. A Cipher is single
// use per direction — encrypting and then decrypting with the same Cipher
// value would reuse chaining state across unrelated operations, so the
// handshake engine always constructs a fresh Cipher for each direction.
type Cipher struct {
	block cipher.Block
	ivHi  [BlockSize]byte // previous plaintext seed
	ivLo  [BlockSize]byte // previous ciphertext seed
}

// New constructs an IGE cipher from an AES-256 key and a 32-byte IV (the
// concatenation of the two chaining seeds).
func New(key, iv []byte) (*Cipher, error) {
	if len(iv) < IVSize {
		return nil, ErrShortIV
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ige: %w", err)
	}
	c := &Cipher{block: block}
	copy(c.ivHi[:], iv[:BlockSize])
	copy(c.ivLo[:], iv[BlockSize:IVSize])
	return c, nil
}

// Encrypt IGE-encrypts plaintext into a new buffer and carries the chaining
// state forward, so consecutive calls continue one IGE stream.
// len(plaintext) must be a multiple of BlockSize.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext)%BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	out := make([]byte, len(plaintext))
	prevPlain := c.ivHi
	prevCipher := c.ivLo
	var xored, enc [BlockSize]byte
	for off := 0; off < len(plaintext); off += BlockSize {
		block := plaintext[off : off+BlockSize]
		xorBlock(xored[:], block, prevCipher[:])
		c.block.Encrypt(enc[:], xored[:])
		xorBlock(out[off:off+BlockSize], enc[:], prevPlain[:])
		copy(prevPlain[:], block)
		copy(prevCipher[:], out[off:off+BlockSize])
	}
	c.ivHi = prevPlain
	c.ivLo = prevCipher
	return out, nil
}

// Decrypt IGE-decrypts ciphertext into a new buffer and carries the chaining
// state forward, so consecutive calls continue one IGE stream.
// len(ciphertext) must be a multiple of BlockSize.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	out := make([]byte, len(ciphertext))
	prevPlain := c.ivHi
	prevCipher := c.ivLo
	var xored, dec [BlockSize]byte
	for off := 0; off < len(ciphertext); off += BlockSize {
		block := ciphertext[off : off+BlockSize]
		xorBlock(xored[:], block, prevPlain[:])
		c.block.Decrypt(dec[:], xored[:])
		xorBlock(out[off:off+BlockSize], dec[:], prevCipher[:])
		copy(prevCipher[:], block)
		copy(prevPlain[:], out[off:off+BlockSize])
	}
	c.ivHi = prevPlain
	c.ivLo = prevCipher
	return out, nil
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < BlockSize; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// DeriveKeyIV computes the AES key and IGE IV for one direction of the
// session pipeline from auth_key and msg_key, per spec §4.1. fromClient
// selects which half of auth_key the derivation reads from.
func DeriveKeyIV(authKey, msgKey []byte, fromClient bool) (key, iv []byte) {
	x := 0
	if !fromClient {
		x = 8
	}

	shaA := sha256.New()
	shaA.Write(msgKey)
	shaA.Write(authKey[x : x+36])
	sha256a := shaA.Sum(nil)

	shaB := sha256.New()
	shaB.Write(authKey[x+40 : x+76])
	shaB.Write(msgKey)
	sha256b := shaB.Sum(nil)

	key = make([]byte, KeySize)
	copy(key[0:8], sha256a[0:8])
	copy(key[8:24], sha256b[8:24])
	copy(key[24:32], sha256a[24:32])

	iv = make([]byte, IVSize)
	copy(iv[0:8], sha256b[0:8])
	copy(iv[8:24], sha256a[8:24])
	copy(iv[24:32], sha256b[24:32])

	return key, iv
}

// ChunkSource supplies one block-aligned slice of raw ciphertext from the
// wire frame currently being read. It returns exhausted=true once the frame
// has no more bytes, mirroring Transport.ReadSome's ErrFrameExhausted
// signal without tying this package to the transport package.
type ChunkSource func() (chunk []byte, exhausted bool, err error)

// StreamDecrypter turns a ChunkSource into an io.Reader that decrypts one
// IGE block at a time as the caller consumes bytes, feeding every decrypted
// byte (including ones the caller never explicitly reads via
// RemainingPadding) into an optional running MAC. The session read path
// uses this so the TL decoder can stop reading as soon as it has parsed the
// known fields of an incoming message, leaving whatever is left in the
// frame as padding that still must be folded into the message MAC before
// it is checked against msg_key — grounded on AesIgeAsyncStream and
// remaining_plain_buffer() in the Python original, since Go's io.Reader has
// no equivalent of "give me whatever is left in this frame".
type StreamDecrypter struct {
	cipher *Cipher
	source ChunkSource
	mac    hash.Hash

	buf  []byte
	done bool
}

// NewStreamDecrypter constructs a StreamDecrypter. mac may be nil if the
// caller does not need a running MAC (e.g. tests).
func NewStreamDecrypter(cipher *Cipher, source ChunkSource, mac hash.Hash) *StreamDecrypter {
	return &StreamDecrypter{cipher: cipher, source: source, mac: mac}
}

func (d *StreamDecrypter) fill() error {
	chunk, exhausted, err := d.source()
	if err != nil {
		return err
	}
	if exhausted {
		d.done = true
		return nil
	}
	plain, err := d.cipher.Decrypt(chunk)
	if err != nil {
		return err
	}
	d.buf = append(d.buf, plain...)
	return nil
}

// Read implements io.Reader, decrypting further blocks from source as
// needed. Every byte handed back is also written to the running MAC.
func (d *StreamDecrypter) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	if d.mac != nil {
		d.mac.Write(p[:n])
	}
	return n, nil
}

// RemainingPadding drains and decrypts every block left in the current
// frame, folds it into the running MAC the same way Read does, and returns
// it. Callers check its length against the protocol's padding-length
// bounds before trusting msg_key.
func (d *StreamDecrypter) RemainingPadding() ([]byte, error) {
	out := d.buf
	d.buf = nil
	for !d.done {
		if err := d.fill(); err != nil {
			return nil, err
		}
		out = append(out, d.buf...)
		d.buf = nil
	}
	if d.mac != nil {
		d.mac.Write(out)
	}
	return out, nil
}
