package authkey

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func fakeKey(fill byte) [Size]byte {
	var k [Size]byte
	for i := range k {
		k[i] = fill
	}
	return k
}

func TestObtainRunsHandshakeOnce(t *testing.T) {
	a := New()
	calls := 0
	err := a.Obtain(func() ([Size]byte, int64, uint64, error) {
		calls++
		return fakeKey(7), 42, 99, nil
	})
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handshake called %d times, want 1", calls)
	}

	if err := a.Obtain(func() ([Size]byte, int64, uint64, error) {
		calls++
		return [Size]byte{}, 0, 0, nil
	}); err != nil {
		t.Fatalf("second Obtain: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handshake called again after key was obtained: calls=%d", calls)
	}

	if salt := a.ServerSalt(); salt != 42 {
		t.Fatalf("ServerSalt() = %d, want 42", salt)
	}
	if sid := a.SessionID(); sid != 99 {
		t.Fatalf("SessionID() = %d, want 99", sid)
	}
}

func TestObtainPropagatesHandshakeError(t *testing.T) {
	a := New()
	wantErr := errors.New("dial failed")
	err := a.Obtain(func() ([Size]byte, int64, uint64, error) {
		return [Size]byte{}, 0, 0, wantErr
	})
	if err == nil {
		t.Fatal("Obtain() error = nil, want non-nil")
	}
	if _, have := a.Key(); have {
		t.Fatal("Key() have=true after failed handshake")
	}
}

func TestResetClearsState(t *testing.T) {
	a := New()
	if err := a.Obtain(func() ([Size]byte, int64, uint64, error) {
		return fakeKey(3), 1, 2, nil
	}); err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	a.Reset()
	if _, have := a.Key(); have {
		t.Fatal("Key() have=true after Reset")
	}
	if salt := a.ServerSalt(); salt != 0 {
		t.Fatalf("ServerSalt() = %d after Reset, want 0", salt)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := New()
	if err := a.Obtain(func() ([Size]byte, int64, uint64, error) {
		return fakeKey(9), 5, 6, nil
	}); err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	clone := a.Clone()
	a.Reset()

	if _, have := clone.Key(); !have {
		t.Fatal("clone lost its key after original was reset")
	}
	if salt := clone.ServerSalt(); salt != 5 {
		t.Fatalf("clone ServerSalt() = %d, want 5", salt)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := New()
	if err := a.Obtain(func() ([Size]byte, int64, uint64, error) {
		return fakeKey(0xAB), 123, 456, nil
	}); err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	path := filepath.Join(t.TempDir(), "authkey.yaml")
	if err := a.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := New()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantKey, _ := a.Key()
	gotKey, have := loaded.Key()
	if !have {
		t.Fatal("loaded key not present")
	}
	if !bytes.Equal(gotKey[:], wantKey[:]) {
		t.Fatal("loaded auth_key does not match saved auth_key")
	}
	if loaded.ServerSalt() != 123 {
		t.Fatalf("loaded ServerSalt() = %d, want 123", loaded.ServerSalt())
	}
	if loaded.SessionID() == a.SessionID() {
		t.Fatal("loaded SessionID() reused the saved session's id, want fresh randomness")
	}

	reloaded := New()
	if err := reloaded.Load(path); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if reloaded.SessionID() == loaded.SessionID() {
		t.Fatal("two loads of the same file produced the same SessionID()")
	}
}

func TestLoadAcceptsLegacyBareBlob(t *testing.T) {
	key := fakeKey(0x42)
	legacy := []byte("\n  " + base64.StdEncoding.EncodeToString(key[:]) + "  \n")

	path := filepath.Join(t.TempDir(), "legacy.blob")
	if err := os.WriteFile(path, legacy, 0o600); err != nil {
		t.Fatalf("write legacy fixture: %v", err)
	}

	a := New()
	if err := a.Load(path); err != nil {
		t.Fatalf("Load legacy blob: %v", err)
	}
	got, have := a.Key()
	if !have {
		t.Fatal("key not present after loading legacy blob")
	}
	if !bytes.Equal(got[:], key[:]) {
		t.Fatal("legacy-loaded key mismatch")
	}
	if salt := a.ServerSalt(); salt < 0 || salt > 0xff {
		t.Fatalf("legacy blob ServerSalt() = %d, want an 8-bit seed in [0,255]", salt)
	}
}
