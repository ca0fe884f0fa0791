// Package rsautil wraps the single RSA public key the handshake engine
// trusts for the DH-wrapping round, with the fingerprint and
// encrypt-with-hash padding MTProto actually uses — raw modular
// exponentiation over a SHA1-prefixed, randomly padded plaintext block,
// not stdlib OAEP or PKCS#1v1.5.
package rsautil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// ErrBodyTooLarge is returned when EncryptWithHash is asked to wrap a body
// that, together with its SHA1 prefix, would not fit in the modulus.
var ErrBodyTooLarge = errors.New("rsautil: body too large for this modulus")

// PublicKey wraps an RSA public key plus its MTProto fingerprint.
type PublicKey struct {
	key         *rsa.PublicKey
	fingerprint uint64
}

// ParsePublicKeyPEM loads a single RSA public key from PEM-encoded bytes
// (either a PKCS#1 "RSA PUBLIC KEY" block or a PKIX "PUBLIC KEY" block) and
// computes its fingerprint.
func ParsePublicKeyPEM(pemBytes []byte) (*PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("rsautil: no PEM block found")
	}

	var pub *rsa.PublicKey
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		pub = key
	} else if anyKey, err2 := x509.ParsePKIXPublicKey(block.Bytes); err2 == nil {
		rsaKey, ok := anyKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("rsautil: PEM block is not an RSA key")
		}
		pub = rsaKey
	} else {
		return nil, fmt.Errorf("rsautil: parse public key: %w / %w", err, err2)
	}

	return newPublicKey(pub)
}

func newPublicKey(pub *rsa.PublicKey) (*PublicKey, error) {
	der := x509.MarshalPKCS1PublicKey(pub)
	sum := sha1.Sum(der)
	fp := uint64(0)
	for _, b := range sum[len(sum)-8:] {
		fp = fp<<8 | uint64(b)
	}
	return &PublicKey{key: pub, fingerprint: fp}, nil
}

// Fingerprint returns the lower 64 bits of SHA1(DER(RSAPublicKey)), the
// value the handshake matches against resPQ's fingerprint list.
func (p *PublicKey) Fingerprint() uint64 {
	return p.fingerprint
}

// modulusSize returns the RSA modulus size in bytes (256 for a 2048-bit
// key, matching spec.md's fixed-length DH wire layouts).
func (p *PublicKey) modulusSize() int {
	return (p.key.N.BitLen() + 7) / 8
}

// EncryptWithHash builds the block SHA1(body) || body || random_padding,
// with the random padding filling it out to the modulus size (a hash and
// body longer than the modulus is rejected with ErrBodyTooLarge), and
// raw-RSA-encrypts it
// with no further padding scheme. This is MTProto's own construction, not
// OAEP or PKCS#1v1.5, so it bypasses crypto/rsa's Encrypt* helpers and
// does the modular exponentiation directly.
func (p *PublicKey) EncryptWithHash(body []byte) ([]byte, error) {
	size := p.modulusSize()
	hash := sha1.Sum(body)

	block := make([]byte, 0, len(hash)+len(body))
	block = append(block, hash[:]...)
	block = append(block, body...)

	if len(block) > size {
		return nil, ErrBodyTooLarge
	}

	padded := make([]byte, size)
	copy(padded, block)
	if _, err := rand.Read(padded[len(block):]); err != nil {
		return nil, fmt.Errorf("rsautil: pad: %w", err)
	}

	m := new(big.Int).SetBytes(padded)
	if m.Cmp(p.key.N) >= 0 {
		return nil, fmt.Errorf("rsautil: padded block is not smaller than the modulus")
	}

	e := big.NewInt(int64(p.key.E))
	c := new(big.Int).Exp(m, e, p.key.N)

	out := make([]byte, size)
	cBytes := c.Bytes()
	copy(out[size-len(cBytes):], cBytes)
	return out, nil
}
