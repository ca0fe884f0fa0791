package rsautil

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
)

func genTestKey(t *testing.T) *PublicKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	pub, err := newPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("newPublicKey: %v", err)
	}
	return pub
}

func TestParsePublicKeyPEMPKCS1(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})

	pub, err := ParsePublicKeyPEM(block)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	if pub.Fingerprint() == 0 {
		t.Fatal("fingerprint is zero")
	}
}

func TestFingerprintIsStableForSameKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	pub1, err := newPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("newPublicKey: %v", err)
	}
	pub2, err := newPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("newPublicKey: %v", err)
	}
	if pub1.Fingerprint() != pub2.Fingerprint() {
		t.Fatal("fingerprint is not deterministic for the same key")
	}
}

func TestEncryptWithHashRoundTrips(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	pub, err := newPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("newPublicKey: %v", err)
	}

	body := []byte("p_q_inner_data payload bytes go here for the test case")
	ct, err := pub.EncryptWithHash(body)
	if err != nil {
		t.Fatalf("EncryptWithHash: %v", err)
	}
	if len(ct) != 256 {
		t.Fatalf("ciphertext length = %d, want 256", len(ct))
	}

	// Undo the raw RSA step by hand (private key decrypt via modexp) and
	// check the SHA1 prefix matches the body, proving EncryptWithHash
	// built the expected plaintext block rather than some other layout.
	c := new(big.Int).SetBytes(ct)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	padded := make([]byte, 256)
	mb := m.Bytes()
	copy(padded[256-len(mb):], mb)

	wantHash := sha1.Sum(body)
	if !bytes.Equal(padded[:20], wantHash[:]) {
		t.Fatalf("decrypted prefix = %x, want sha1(body) = %x", padded[:20], wantHash)
	}
	if !bytes.Equal(padded[20:20+len(body)], body) {
		t.Fatalf("decrypted body = %q, want %q", padded[20:20+len(body)], body)
	}
}

func TestEncryptWithHashRejectsOversizedBody(t *testing.T) {
	pub := genTestKey(t)
	if _, err := pub.EncryptWithHash(make([]byte, 1024)); err != ErrBodyTooLarge {
		t.Fatalf("EncryptWithHash() error = %v, want ErrBodyTooLarge", err)
	}
}
