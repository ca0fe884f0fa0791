package session

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/arcwire/mtproto-core/internal/authkey"
	"github.com/arcwire/mtproto-core/internal/byteutil"
	"github.com/arcwire/mtproto-core/internal/ige"
	"github.com/arcwire/mtproto-core/internal/msgid"
	"github.com/arcwire/mtproto-core/internal/tl"
	"github.com/arcwire/mtproto-core/internal/transport"
)

// currentMsgID returns a realistic, present-moment message id so frames
// built for a test pass the read path's clock-skew check.
func currentMsgID() int64 {
	var c msgid.Clock
	return c.Next()
}

// fakeTransport is an in-memory Transport that lets a test hand-feed frames
// to the read path and inspect frames the write path emitted, without any
// real network or handshake round trip.
type fakeTransport struct {
	inbound  [][]byte
	inboundN int
	current  []byte

	written [][]byte
}

func (f *fakeTransport) ReadExact(n int) ([]byte, error) {
	if len(f.current) == 0 {
		if f.inboundN >= len(f.inbound) {
			return nil, errors.New("fakeTransport: no more frames")
		}
		f.current = f.inbound[f.inboundN]
		f.inboundN++
	}
	if len(f.current) < n {
		return nil, errors.New("fakeTransport: short frame")
	}
	out := f.current[:n]
	f.current = f.current[n:]
	return out, nil
}

func (f *fakeTransport) ReadSome(max int) ([]byte, error) {
	if len(f.current) == 0 {
		return nil, transport.ErrFrameExhausted
	}
	n := max
	if n > len(f.current) {
		n = len(f.current)
	}
	out := f.current[:n]
	f.current = f.current[n:]
	return out, nil
}

func (f *fakeTransport) Write(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

// preEstablishedAuthKey returns an AuthKey already populated via Obtain, so
// tests never invoke the real handshake engine.
func preEstablishedAuthKey(t *testing.T) *authkey.AuthKey {
	t.Helper()
	a := authkey.New()
	var key [authkey.Size]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	sessionID, err := authkey.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	err = a.Obtain(func() ([authkey.Size]byte, int64, uint64, error) {
		return key, 12345, sessionID, nil
	})
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	return a
}

func TestWriteEmitsFrameAddressedToOurAuthKey(t *testing.T) {
	a := preEstablishedAuthKey(t)
	ft := &fakeTransport{}

	writer := New(ft, a, nil)
	body := []byte("hello, server")
	boxed, err := writer.BoxMessage(3, body)
	if err != nil {
		t.Fatalf("BoxMessage: %v", err)
	}
	if err := writer.Write(boxed); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(ft.written) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(ft.written))
	}

	frame := ft.written[0]
	if len(frame) < 8+16 {
		t.Fatalf("frame too short: %d bytes", len(frame))
	}

	wantID, _ := a.ID()
	gotID := frame[:8]
	var idCheck [8]byte
	for i := range idCheck {
		idCheck[i] = byte(wantID >> (8 * i))
	}
	if !bytes.Equal(gotID, idCheck[:]) {
		t.Fatalf("frame auth_key_id mismatch")
	}
}

func TestWriteReusesBoxMessageMsgID(t *testing.T) {
	a := preEstablishedAuthKey(t)
	ft := &fakeTransport{}

	s := New(ft, a, nil)
	boxed, err := s.BoxMessage(5, []byte("hello"))
	if err != nil {
		t.Fatalf("BoxMessage: %v", err)
	}
	if boxed.MsgID() == 0 {
		t.Fatal("BoxMessage() assigned a zero msg_id")
	}
	if err := s.Write(boxed); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Decrypt the emitted frame and check the msg_id inside it is the one
	// BoxMessage assigned.
	frame := ft.written[0]
	key, _ := a.Key()
	aesKey, aesIV := ige.DeriveKeyIV(key[:], frame[8:24], true)
	dec, err := ige.New(aesKey, aesIV)
	if err != nil {
		t.Fatalf("ige.New: %v", err)
	}
	plain, err := dec.Decrypt(frame[24:])
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got := int64(byteutil.Uint64LE(plain[16:24])); got != boxed.MsgID() {
		t.Fatalf("written frame msg_id = %d, want BoxMessage's %d", got, boxed.MsgID())
	}

	// A second BoxMessage call must assign a different msg_id, since each
	// BoxMessage mints a fresh one from the session clock.
	again, err := s.BoxMessage(5, []byte("hello"))
	if err != nil {
		t.Fatalf("second BoxMessage: %v", err)
	}
	if again.MsgID() == boxed.MsgID() {
		t.Fatal("two BoxMessage calls produced the same msg_id")
	}
}

// buildServerFrame encrypts an inner server message the same way a real
// server would, so Read can be exercised without a live handshake.
func buildServerFrame(t *testing.T, a *authkey.AuthKey, salt int64, msgID int64, seqNo int32, body []byte) []byte {
	t.Helper()

	key, _ := a.Key()
	keyID, _ := a.ID()

	inner := tl.MessageInnerData(tl.MessageInnerDataFields{
		Salt:      salt,
		SessionID: a.SessionID(),
		MsgID:     msgID,
		SeqNo:     seqNo,
		Body:      body,
	})
	padLen := (-(len(inner) + 12)) % 16
	if padLen < 0 {
		padLen += 16
	}
	padLen += 12
	padding := make([]byte, padLen)
	if _, err := rand.Read(padding); err != nil {
		t.Fatalf("rand: %v", err)
	}
	plaintext := append(inner, padding...)

	mac := sha256.New()
	mac.Write(key[96:128])
	mac.Write(plaintext)
	msgKey := mac.Sum(nil)[8:24]

	aesKey, aesIV := ige.DeriveKeyIV(key[:], msgKey, false)
	cipher, err := ige.New(aesKey, aesIV)
	if err != nil {
		t.Fatalf("ige.New: %v", err)
	}
	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	frame := make([]byte, 0, 8+16+len(ciphertext))
	var idBuf [8]byte
	byteutil.PutUint64LE(idBuf[:], keyID)
	frame = append(frame, idBuf[:]...)
	frame = append(frame, msgKey...)
	frame = append(frame, ciphertext...)
	return frame
}

func TestReadDecodesAWellFormedServerFrame(t *testing.T) {
	a := preEstablishedAuthKey(t)
	body := []byte("pong")
	msgID := currentMsgID() | 1 // server ids are odd
	frame := buildServerFrame(t, a, a.ServerSalt(), msgID, 7, body)
	ft := &fakeTransport{inbound: [][]byte{frame}}

	s := New(ft, a, nil)
	msg, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.MsgID != msgID || msg.SeqNo != 7 || !bytes.Equal(msg.Body, body) {
		t.Fatalf("Read() = %+v, want msg_id=%d seq_no=7 body=%q", msg, msgID, body)
	}
}

func TestReadRejectsEvenMsgID(t *testing.T) {
	a := preEstablishedAuthKey(t)
	evenID := currentMsgID() &^ 1
	frame := buildServerFrame(t, a, a.ServerSalt(), evenID, 7, []byte("x"))
	ft := &fakeTransport{inbound: [][]byte{frame}}

	s := New(ft, a, nil)
	if _, err := s.Read(); !errors.Is(err, ErrEvenMsgID) {
		t.Fatalf("Read() error = %v, want ErrEvenMsgID", err)
	}
}

func TestReadRejectsDuplicateMsgID(t *testing.T) {
	a := preEstablishedAuthKey(t)
	msgID := currentMsgID() | 1
	frame1 := buildServerFrame(t, a, a.ServerSalt(), msgID, 1, []byte("x"))
	frame2 := buildServerFrame(t, a, a.ServerSalt(), msgID, 1, []byte("x"))
	ft := &fakeTransport{inbound: [][]byte{frame1, frame2}}

	s := New(ft, a, nil)
	if _, err := s.Read(); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if _, err := s.Read(); !errors.Is(err, ErrDuplicateMsgID) {
		t.Fatalf("second Read() error = %v, want ErrDuplicateMsgID", err)
	}
}

func TestReadRejectsSentinelCorrupted(t *testing.T) {
	a := preEstablishedAuthKey(t)
	frame := append([]byte{}, sentinelCorrupted...)
	frame = append(frame, make([]byte, 16+32)...)
	ft := &fakeTransport{inbound: [][]byte{frame}}

	s := New(ft, a, nil)
	_, err := s.Read()
	if !errors.Is(err, ErrCorruptedAuthorization) {
		t.Fatalf("Read() error = %v, want ErrCorruptedAuthorization", err)
	}
}

func TestReadRejectsSentinelFlood(t *testing.T) {
	a := preEstablishedAuthKey(t)
	frame := append([]byte{}, sentinelFlood...)
	frame = append(frame, make([]byte, 16+32)...)
	ft := &fakeTransport{inbound: [][]byte{frame}}

	s := New(ft, a, nil)
	_, err := s.Read()
	if !errors.Is(err, ErrFlood) {
		t.Fatalf("Read() error = %v, want ErrFlood", err)
	}
}

func TestReadRejectsUnknownAuthKeyID(t *testing.T) {
	a := preEstablishedAuthKey(t)
	frame := make([]byte, 8+16+32)
	frame[0] = 0x01 // neither sentinel nor our real key id (all zero key unlikely to collide)
	ft := &fakeTransport{inbound: [][]byte{frame}}

	s := New(ft, a, nil)
	_, err := s.Read()
	if !errors.Is(err, ErrUnknownAuthKeyID) {
		t.Fatalf("Read() error = %v, want ErrUnknownAuthKeyID", err)
	}
}

func TestReplayWindowDetectsDuplicate(t *testing.T) {
	a := preEstablishedAuthKey(t)
	s := &Session{authKey: a}

	if s.seenReplay(42) {
		t.Fatal("seenReplay(42) = true before any record")
	}
	s.recordReplay(42)
	if !s.seenReplay(42) {
		t.Fatal("seenReplay(42) = false after record")
	}
}

func TestReplayWindowEvictsOldest(t *testing.T) {
	a := preEstablishedAuthKey(t)
	s := &Session{authKey: a}

	for i := 0; i < replayWindowSize; i++ {
		s.recordReplay(int64(i))
	}
	if !s.seenReplay(0) {
		t.Fatal("id 0 should still be in a freshly filled window")
	}
	s.recordReplay(int64(replayWindowSize))
	if s.seenReplay(0) {
		t.Fatal("id 0 should have been evicted once the window overflowed")
	}
	if !s.seenReplay(int64(replayWindowSize)) {
		t.Fatal("most recently recorded id should be present")
	}
}
