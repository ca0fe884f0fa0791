// Package authkey holds the per-connection authorization key state:
// auth_key/auth_key_id, the session's server_salt and session_id, and a
// seq_no slot that is reset on handshake, clone and reset (the write path
// stamps the caller-supplied seq_no onto each frame).
//
// A fresh AuthKey starts empty; Obtain runs the handshake exactly once per
// AuthKey, guarded so concurrent writers block on the same in-flight
// attempt instead of racing two handshakes.
package authkey

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
)

// Size is the length of auth_key in bytes (2048-bit DH secret).
const Size = 256

// ErrNotObtained is returned by operations that require an established
// auth_key when none is present.
var ErrNotObtained = errors.New("authkey: not obtained")

// Handshaker performs the three-round DH exchange and returns the
// resulting authkey/salt/session id, or an error. The session package
// supplies the concrete implementation; this package only depends on the
// shape, so it has no import on the transport or TL packages.
type Handshaker func() (key [Size]byte, serverSalt int64, sessionID uint64, err error)

// seqNoUnset is the sentinel stored in seqNo until a caller sends a
// message; seq_no is caller-managed (see spec §9), this package only
// carries the slot so it resets correctly across handshake/clone/reset.
const seqNoUnset = -1

// AuthKey is the mutable cryptographic state of one MTProto connection.
// All fields are guarded by mu; after construction they are mutated only
// by Obtain, Load, Reset and SetServerSalt.
type AuthKey struct {
	mu sync.Mutex

	key         [Size]byte
	keyID       uint64
	haveKey     bool
	serverSalt  int64
	sessionID   uint64
	seqNo       int32
	handshaking bool
	handshakeCh chan struct{}
}

// New returns an empty AuthKey ready for Obtain.
func New() *AuthKey {
	return &AuthKey{}
}

// Obtain ensures a_key is present, running handshake once if necessary.
// Concurrent callers while a handshake is in flight block until it
// finishes and then observe its outcome, rather than starting a second
// handshake.
func (a *AuthKey) Obtain(handshake Handshaker) error {
	a.mu.Lock()
	if a.haveKey {
		a.mu.Unlock()
		return nil
	}
	if a.handshaking {
		ch := a.handshakeCh
		a.mu.Unlock()
		<-ch
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.haveKey {
			return errors.New("authkey: handshake performed by another caller failed")
		}
		return nil
	}
	a.handshaking = true
	a.handshakeCh = make(chan struct{})
	a.mu.Unlock()

	key, salt, sessionID, err := handshake()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.handshaking = false
	close(a.handshakeCh)
	a.handshakeCh = nil

	if err != nil {
		return fmt.Errorf("authkey: handshake: %w", err)
	}

	a.key = key
	a.keyID = keyID(key)
	a.haveKey = true
	a.serverSalt = salt
	a.sessionID = sessionID
	a.seqNo = seqNoUnset
	return nil
}

func keyID(key [Size]byte) uint64 {
	sum := sha1.Sum(key[:])
	tail := sum[len(sum)-8:]
	var id uint64
	for _, b := range tail {
		id = id<<8 | uint64(b)
	}
	return id
}

// Key returns the raw auth_key bytes and whether one has been obtained.
func (a *AuthKey) Key() ([Size]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key, a.haveKey
}

// ID returns auth_key_id, the last 8 bytes of SHA1(auth_key).
func (a *AuthKey) ID() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keyID, a.haveKey
}

// ServerSalt returns the session's current server_salt.
func (a *AuthKey) ServerSalt() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverSalt
}

// SetServerSalt updates server_salt, e.g. after the server rotates it via
// a new_session_created or bad_server_salt notification carried at a
// higher layer than this core.
func (a *AuthKey) SetServerSalt(salt int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serverSalt = salt
}

// SessionID returns the session id chosen at handshake time.
func (a *AuthKey) SessionID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Clone returns an independent copy of the current auth_key state, used
// when a higher layer wants to hand a fresh connection the same
// authorization without re-running the handshake. The clone gets a freshly
// randomized session_id and an unset seq_no. It panics if crypto/rand fails.
func (a *AuthKey) Clone() *AuthKey {
	sessionID, err := newSessionID()
	if err != nil {
		panic(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	clone := &AuthKey{
		key:        a.key,
		keyID:      a.keyID,
		haveKey:    a.haveKey,
		serverSalt: a.serverSalt,
		sessionID:  sessionID,
		seqNo:      seqNoUnset,
	}
	return clone
}

// Reset clears the auth_key state, forcing the next Obtain to run a fresh
// handshake. Nothing in this module calls it; the session pipeline does not
// reset the key on read or write errors.
func (a *AuthKey) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.key {
		a.key[i] = 0
	}
	a.keyID = 0
	a.haveKey = false
	a.serverSalt = 0
	a.sessionID = 0
	a.seqNo = seqNoUnset
}

// newSessionID returns a fresh random session id, used by Load, Clone and
// (through NewSessionID) the session package once a handshake completes.
func newSessionID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("authkey: session id: %w", err)
	}
	var id uint64
	for _, v := range b {
		id = id<<8 | uint64(v)
	}
	return id, nil
}

// NewSessionID exposes newSessionID to the session package.
func NewSessionID() (uint64, error) {
	return newSessionID()
}
