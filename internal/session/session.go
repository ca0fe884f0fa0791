// Package session implements the encrypted message pipeline (C8): the
// write path (pad, derive msg_key, AES-IGE encrypt, emit) and the read
// path (verify auth_key_id, stream-decrypt, verify msg_key, replay and
// clock-skew checks), both driven over one Transport and one AuthKey.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/arcwire/mtproto-core/internal/authkey"
	"github.com/arcwire/mtproto-core/internal/byteutil"
	"github.com/arcwire/mtproto-core/internal/handshake"
	"github.com/arcwire/mtproto-core/internal/ige"
	"github.com/arcwire/mtproto-core/internal/logging"
	"github.com/arcwire/mtproto-core/internal/msgid"
	"github.com/arcwire/mtproto-core/internal/rsautil"
	"github.com/arcwire/mtproto-core/internal/tl"
	"github.com/arcwire/mtproto-core/internal/transport"
)

// replayWindowSize is the number of most-recent server msg_ids this
// session remembers for duplicate rejection.
const replayWindowSize = 64

var (
	// sentinelCorrupted is the server's "your auth_key was rejected"
	// reply, repeated twice as an 8-byte auth_key_id.
	sentinelCorrupted = []byte{0x6c, 0xfe, 0xff, 0xff, 0x6c, 0xfe, 0xff, 0xff}
	// sentinelFlood is the server's rate-limit reply.
	sentinelFlood = []byte{0x53, 0xfe, 0xff, 0xff, 0x53, 0xfe, 0xff, 0xff}

	// ErrCorruptedAuthorization is fatal: the server rejected our auth_key.
	ErrCorruptedAuthorization = errors.New("session: corrupted authorization")
	// ErrFlood is fatal: the server is rate-limiting this connection.
	ErrFlood = errors.New("session: too many requests")
	// ErrUnknownAuthKeyID is fatal: the frame's auth_key_id matches neither
	// sentinel nor our own key.
	ErrUnknownAuthKeyID = errors.New("session: unknown auth_key_id")
	// ErrBadPaddingLength is fatal: the decrypted frame's trailing padding
	// falls outside [12, 1024) bytes.
	ErrBadPaddingLength = errors.New("session: wrong padding length")
	// ErrUnknownMsgKey is fatal: the received msg_key does not match the
	// MAC computed over the decrypted plaintext.
	ErrUnknownMsgKey = errors.New("session: unknown msg_key")
	// ErrWrongSessionID is fatal: the decoded message's session_id does
	// not match this session's.
	ErrWrongSessionID = errors.New("session: wrong session_id")
	// ErrEvenMsgID is fatal: a server->client message must have an odd
	// msg_id.
	ErrEvenMsgID = errors.New("session: message id has even parity")
	// ErrDuplicateMsgID is fatal: the msg_id was already seen in the
	// replay window.
	ErrDuplicateMsgID = errors.New("session: duplicated message")
	// ErrClockUnsynchronised is fatal: the message id is too far from
	// what our own clock would generate right now.
	ErrClockUnsynchronised = errors.New("session: client time is not synchronised with the server")
)

// Message is the decoded inner server message handed back by Read.
type Message struct {
	MsgID int64
	SeqNo int32
	Body  []byte
}

// Session wraps a Transport and an AuthKey with the encrypted message
// pipeline. The zero value is not usable; construct with New.
type Session struct {
	transport transport.Transport
	authKey   *authkey.AuthKey
	publicKey *rsautil.PublicKey
	clock     msgid.Clock

	// traceID correlates this Session's log lines across a connection's
	// lifetime; it never touches the wire.
	traceID string

	readMu  sync.Mutex
	replay  [replayWindowSize]int64
	replayN int
}

// New constructs a Session over an already-dialed Transport, reusing or
// lazily populating authKey via the handshake engine.
func New(t transport.Transport, authKey *authkey.AuthKey, publicKey *rsautil.PublicKey) *Session {
	return &Session{transport: t, authKey: authKey, publicKey: publicKey, traceID: uuid.NewString()}
}

// Stop closes the underlying transport; any reader or writer blocked on it
// observes a transport-fatal error.
func (s *Session) Stop() error {
	return s.transport.Close()
}

func (s *Session) ensureAuthKey() error {
	return s.authKey.Obtain(func() ([authkey.Size]byte, int64, uint64, error) {
		eng := handshake.New(s.transport, s.publicKey)
		result, err := eng.Run(context.Background())
		if err != nil {
			return [authkey.Size]byte{}, 0, 0, err
		}
		sessionID, err := authkey.NewSessionID()
		if err != nil {
			return [authkey.Size]byte{}, 0, 0, err
		}
		return result.AuthKey, result.ServerSalt, sessionID, nil
	})
}

// BoxedMessage is the plaintext envelope BoxMessage assigns a msg_id to
// and Write later encrypts and sends unchanged.
type BoxedMessage struct {
	inner []byte
	msgID int64
	seqNo int32
}

// MsgID returns the msg_id BoxMessage assigned to this envelope, the same
// value Write will stamp on the wire.
func (b BoxedMessage) MsgID() int64 { return b.msgID }

// BoxMessage builds the plaintext message envelope for body, stamping it
// with a fresh msg_id from this session's clock and the given seq_no. The
// caller supplies seq_no directly; this core never increments seq_no
// itself. The returned BoxedMessage carries the assigned msg_id so Write
// reuses the exact value instead of minting a second one.
func (s *Session) BoxMessage(seqNo int32, body []byte) (BoxedMessage, error) {
	if err := s.ensureAuthKey(); err != nil {
		return BoxedMessage{}, fmt.Errorf("session: box message: %w", err)
	}

	salt := s.authKey.ServerSalt()
	sessionID := s.authKey.SessionID()
	msgID := s.clock.Next()

	inner := tl.MessageInnerData(tl.MessageInnerDataFields{
		Salt:      salt,
		SessionID: sessionID,
		MsgID:     msgID,
		SeqNo:     seqNo,
		Body:      body,
	})

	return BoxedMessage{inner: inner, msgID: msgID, seqNo: seqNo}, nil
}

// Write encrypts and sends a message envelope previously built by
// BoxMessage, reusing its msg_id and seq_no rather than assigning new ones.
func (s *Session) Write(boxed BoxedMessage) error {
	if err := s.ensureAuthKey(); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}

	key, _ := s.authKey.Key()
	keyID, _ := s.authKey.ID()
	msgID := boxed.msgID
	seqNo := boxed.seqNo
	inner := boxed.inner

	padLen := (-(len(inner) + 12)) % 16
	if padLen < 0 {
		padLen += 16
	}
	padLen += 12

	padding := make([]byte, padLen)
	if _, err := rand.Read(padding); err != nil {
		return fmt.Errorf("session: padding: %w", err)
	}

	plaintext := append(inner, padding...)

	mac := sha256.New()
	mac.Write(key[88:120])
	mac.Write(plaintext)
	msgKey := mac.Sum(nil)[8:24]

	aesKey, aesIV := ige.DeriveKeyIV(key[:], msgKey, true)
	cipher, err := ige.New(aesKey, aesIV)
	if err != nil {
		return fmt.Errorf("session: cipher: %w", err)
	}
	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("session: encrypt: %w", err)
	}

	frame := make([]byte, 0, 8+16+len(ciphertext))
	var idBuf [8]byte
	byteutil.PutUint64LE(idBuf[:], keyID)
	frame = append(frame, idBuf[:]...)
	frame = append(frame, msgKey...)
	frame = append(frame, ciphertext...)

	slog.Debug("session: wrote frame",
		logging.KeyTraceID, s.traceID,
		logging.KeyMsgID, msgID,
		logging.KeySeqNo, seqNo,
		"size", humanize.Bytes(uint64(len(frame))),
	)

	return s.transport.Write(frame)
}

// Read blocks for, decrypts, and validates the next inbound frame,
// returning the decoded inner message. Exactly one Read runs at a time
// per Session.
func (s *Session) Read() (*Message, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if err := s.ensureAuthKey(); err != nil {
		return nil, fmt.Errorf("session: read: %w", err)
	}

	key, _ := s.authKey.Key()
	ourKeyID, _ := s.authKey.ID()
	authKeyPart := key[96:128]

	idBytes, err := s.transport.ReadExact(8)
	if err != nil {
		return nil, fmt.Errorf("session: read auth_key_id: %w", err)
	}
	switch {
	case bytes.Equal(idBytes, sentinelCorrupted):
		return nil, ErrCorruptedAuthorization
	case bytes.Equal(idBytes, sentinelFlood):
		return nil, ErrFlood
	}
	gotKeyID := byteutil.Uint64LE(idBytes)
	if gotKeyID != ourKeyID {
		return nil, ErrUnknownAuthKeyID
	}

	msgKey, err := s.transport.ReadExact(16)
	if err != nil {
		return nil, fmt.Errorf("session: read msg_key: %w", err)
	}

	aesKey, aesIV := ige.DeriveKeyIV(key[:], msgKey, false)
	cipher, err := ige.New(aesKey, aesIV)
	if err != nil {
		return nil, fmt.Errorf("session: cipher: %w", err)
	}

	mac := sha256.New()
	mac.Write(authKeyPart)

	source := frameChunkSource(s.transport)
	decrypter := ige.NewStreamDecrypter(cipher, source, mac)

	inner, err := tl.DecodeMessageInnerDataFromServer(tl.NewReader(decrypter))
	if err != nil {
		return nil, fmt.Errorf("session: decode message: %w", err)
	}

	padding, err := decrypter.RemainingPadding()
	if err != nil {
		return nil, fmt.Errorf("session: read padding: %w", err)
	}
	if len(padding) < 12 || len(padding) >= 1024 {
		return nil, ErrBadPaddingLength
	}

	computed := mac.Sum(nil)[8:24]
	if subtle.ConstantTimeCompare(computed, msgKey) != 1 {
		return nil, ErrUnknownMsgKey
	}

	if inner.SessionID != s.authKey.SessionID() {
		return nil, ErrWrongSessionID
	}
	if inner.MsgID%2 == 0 {
		return nil, ErrEvenMsgID
	}
	if s.seenReplay(inner.MsgID) {
		return nil, ErrDuplicateMsgID
	}
	s.recordReplay(inner.MsgID)

	current := s.clock.Peek()
	delta := inner.MsgID - current
	const past = -300 * (1 << 32)
	const future = 30 * (1 << 32)
	if delta < past || delta >= future {
		return nil, ErrClockUnsynchronised
	}

	if inner.Salt != s.authKey.ServerSalt() {
		slog.Error("session: received message with unknown salt",
			logging.KeyTraceID, s.traceID, "got", inner.Salt, "want", s.authKey.ServerSalt())
	}

	slog.Debug("session: read frame",
		logging.KeyTraceID, s.traceID,
		logging.KeyMsgID, inner.MsgID,
		logging.KeySeqNo, inner.SeqNo,
		"size", humanize.Bytes(uint64(len(inner.Body))),
	)

	return &Message{MsgID: inner.MsgID, SeqNo: inner.SeqNo, Body: inner.Body}, nil
}

func (s *Session) seenReplay(id int64) bool {
	for i := 0; i < s.replayN; i++ {
		if s.replay[i] == id {
			return true
		}
	}
	return false
}

func (s *Session) recordReplay(id int64) {
	if s.replayN < replayWindowSize {
		s.replay[s.replayN] = id
		s.replayN++
		return
	}
	copy(s.replay[:], s.replay[1:])
	s.replay[replayWindowSize-1] = id
}

// frameChunkSource adapts a Transport's ReadSome into an ige.ChunkSource,
// reading ciphertext one IGE block at a time so the streaming decrypter
// never needs more than a block in flight.
func frameChunkSource(t transport.Transport) ige.ChunkSource {
	return func() ([]byte, bool, error) {
		chunk, err := t.ReadSome(ige.BlockSize)
		if errors.Is(err, transport.ErrFrameExhausted) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		return chunk, false, nil
	}
}
