package authkey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// persisted is the on-disk envelope for a saved auth_key plus its
// server_salt, so a restarted client can skip the handshake entirely.
type persisted struct {
	AuthKey    string `yaml:"auth_key"`
	ServerSalt int64  `yaml:"server_salt"`
}

// Save writes the current auth_key and server_salt to path as YAML,
// atomically via a temp-file-then-rename, matching the data-directory
// persistence pattern used elsewhere in this codebase.
func (a *AuthKey) Save(path string) error {
	a.mu.Lock()
	key, have, salt := a.key, a.haveKey, a.serverSalt
	a.mu.Unlock()

	if !have {
		return ErrNotObtained
	}

	doc := persisted{
		AuthKey:    base64.StdEncoding.EncodeToString(key[:]),
		ServerSalt: salt,
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("authkey: marshal: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("authkey: create directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("authkey: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("authkey: persist: %w", err)
	}
	return nil
}

// Load reads an auth_key and server_salt previously written by Save, and
// installs them without running a handshake. session_id is regenerated
// fresh on every load and seq_no reset to its unset sentinel, matching a
// freshly handshaked AuthKey. It also accepts a legacy bare-base64 blob
// (just the auth_key, no salt, no YAML wrapper) for clients migrating
// from an older on-disk format; server_salt is seeded with 8 random bits
// in that case, and the session pipeline logs (does not fail) every
// inbound frame whose salt differs from it. Nothing in this module
// updates the salt from those frames.
func (a *AuthKey) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("authkey: read: %w", err)
	}

	var doc persisted
	if err := yaml.Unmarshal(raw, &doc); err != nil || doc.AuthKey == "" {
		return a.loadLegacyBlob(raw)
	}

	key, err := decodeKey(doc.AuthKey)
	if err != nil {
		return err
	}

	sessionID, err := newSessionID()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.key = key
	a.keyID = keyID(key)
	a.haveKey = true
	a.serverSalt = doc.ServerSalt
	a.sessionID = sessionID
	a.seqNo = seqNoUnset
	return nil
}

// loadLegacyBlob handles a file that is just base64(auth_key) with no
// YAML structure around it, trimmed of surrounding whitespace.
func (a *AuthKey) loadLegacyBlob(raw []byte) error {
	key, err := decodeKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("authkey: not a valid persisted key (tried YAML and legacy blob): %w", err)
	}

	salt, err := randomSaltSeed()
	if err != nil {
		return err
	}

	sessionID, err := newSessionID()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.key = key
	a.keyID = keyID(key)
	a.haveKey = true
	a.serverSalt = salt
	a.sessionID = sessionID
	a.seqNo = seqNoUnset
	return nil
}

// randomSaltSeed returns an 8-bit random value to seed server_salt for a
// legacy auth_key blob that carries no salt of its own.
func randomSaltSeed() (int64, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("authkey: salt seed: %w", err)
	}
	return int64(b[0]), nil
}

func decodeKey(s string) ([Size]byte, error) {
	var key [Size]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("authkey: base64 decode: %w", err)
	}
	if len(raw) != Size {
		return key, fmt.Errorf("%w: got %d bytes, want %d", errBadKeyLength, len(raw), Size)
	}
	copy(key[:], raw)
	return key, nil
}

var errBadKeyLength = errors.New("authkey: wrong key length")
