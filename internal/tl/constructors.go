package tl

import (
	"bytes"
	"fmt"
)

// Constructor magic numbers, taken from MTProto's public schema for the
// handshake and message envelope constructors this core drives.
const (
	ConsReqPQ                      = 0x60469778
	ConsResPQ                      = 0x05162463
	ConsPQInnerData                = 0x83c95aec
	ConsReqDHParams                = 0xd712e4be
	ConsServerDHParamsOk           = 0xd0e8075c
	ConsServerDHParamsFail         = 0x79cb045d
	ConsServerDHInnerData          = 0xb5890dba
	ConsClientDHInnerData          = 0x6643b654
	ConsSetClientDHParams          = 0xf5045f1f
	ConsDHGenOK                    = 0x3bcbf734
	ConsDHGenRetry                 = 0x46dc1fb9
	ConsDHGenFail                  = 0xa69dae02
	ConsMessage                    = 0x5bb8e511
	ConsMessageInnerDataFromServer = 0x2e55c3b1
	ConsPing                       = 0x7abe77ec
	ConsPong                       = 0x347773c5
)

// ReqPQ serializes req_pq#60469778 nonce:int128 = ResPQ.
func ReqPQ(nonce [16]byte) []byte {
	w := NewWriter()
	w.Uint32(ConsReqPQ)
	w.Raw(nonce[:])
	return w.Bytes()
}

// ResPQ is the decoded resPQ#05162463 response.
type ResPQ struct {
	Nonce                      [16]byte
	ServerNonce                [16]byte
	PQ                         []byte
	ServerPublicKeyFingerprints []uint64
}

// DecodeResPQ parses a resPQ body (constructor magic already consumed by
// the caller via ExpectConstructor, matching this package's convention of
// leaving the boxed/bare distinction to the call site).
func DecodeResPQ(r *Reader) (*ResPQ, error) {
	var out ResPQ
	copy(out.Nonce[:], r.Raw(16))
	copy(out.ServerNonce[:], r.Raw(16))
	out.PQ = r.Bytes()

	if err := r.ExpectConstructor(vectorMagic); err != nil {
		return nil, fmt.Errorf("tl: resPQ fingerprints vector: %w", err)
	}
	count := r.Int32()
	out.ServerPublicKeyFingerprints = make([]uint64, count)
	for i := range out.ServerPublicKeyFingerprints {
		out.ServerPublicKeyFingerprints[i] = r.Uint64()
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return &out, nil
}

// PQInnerDataFields holds the fields of p_q_inner_data#83c95aec.
type PQInnerDataFields struct {
	PQ          []byte
	P           []byte
	Q           []byte
	Nonce       [16]byte
	ServerNonce [16]byte
	NewNonce    [32]byte
}

// PQInnerData serializes p_q_inner_data#83c95aec.
func PQInnerData(f PQInnerDataFields) []byte {
	w := NewWriter()
	w.Uint32(ConsPQInnerData)
	w.String(f.PQ)
	w.String(f.P)
	w.String(f.Q)
	w.Raw(f.Nonce[:])
	w.Raw(f.ServerNonce[:])
	w.Raw(f.NewNonce[:])
	return w.Bytes()
}

// ReqDHParamsFields holds the fields of req_DH_params#d712e4be.
type ReqDHParamsFields struct {
	Nonce                  [16]byte
	ServerNonce            [16]byte
	P                      []byte
	Q                      []byte
	PublicKeyFingerprint   uint64
	EncryptedData          []byte
}

// ReqDHParams serializes req_DH_params#d712e4be.
func ReqDHParams(f ReqDHParamsFields) []byte {
	w := NewWriter()
	w.Uint32(ConsReqDHParams)
	w.Raw(f.Nonce[:])
	w.Raw(f.ServerNonce[:])
	w.String(f.P)
	w.String(f.Q)
	w.Uint64(f.PublicKeyFingerprint)
	w.String(f.EncryptedData)
	return w.Bytes()
}

// ServerDHParamsOk is the decoded server_DH_params_ok#d0e8075c response.
type ServerDHParamsOk struct {
	Nonce           [16]byte
	ServerNonce     [16]byte
	EncryptedAnswer []byte
}

// DecodeServerDHParamsOk parses a server_DH_params_ok body.
func DecodeServerDHParamsOk(r *Reader) (*ServerDHParamsOk, error) {
	var out ServerDHParamsOk
	copy(out.Nonce[:], r.Raw(16))
	copy(out.ServerNonce[:], r.Raw(16))
	out.EncryptedAnswer = r.Bytes()
	if r.Err() != nil {
		return nil, r.Err()
	}
	return &out, nil
}

// ServerDHInnerData is the decoded server_DH_inner_data#b5890dba payload
// (found inside the decrypted encrypted_answer).
type ServerDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	G           int32
	DHPrime     []byte
	GA          []byte
	ServerTime  int32
}

// DecodeServerDHInnerData parses a server_DH_inner_data body.
func DecodeServerDHInnerData(r *Reader) (*ServerDHInnerData, error) {
	var out ServerDHInnerData
	copy(out.Nonce[:], r.Raw(16))
	copy(out.ServerNonce[:], r.Raw(16))
	out.G = r.Int32()
	out.DHPrime = r.Bytes()
	out.GA = r.Bytes()
	out.ServerTime = r.Int32()
	if r.Err() != nil {
		return nil, r.Err()
	}
	return &out, nil
}

// ClientDHInnerDataFields holds the fields of client_DH_inner_data#6643b654.
type ClientDHInnerDataFields struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	RetryID     int64
	GB          []byte
}

// ClientDHInnerData serializes client_DH_inner_data#6643b654.
func ClientDHInnerData(f ClientDHInnerDataFields) []byte {
	w := NewWriter()
	w.Uint32(ConsClientDHInnerData)
	w.Raw(f.Nonce[:])
	w.Raw(f.ServerNonce[:])
	w.Int64(f.RetryID)
	w.String(f.GB)
	return w.Bytes()
}

// SetClientDHParamsFields holds the fields of set_client_DH_params#f5045f1f.
type SetClientDHParamsFields struct {
	Nonce         [16]byte
	ServerNonce   [16]byte
	EncryptedData []byte
}

// SetClientDHParams serializes set_client_DH_params#f5045f1f.
func SetClientDHParams(f SetClientDHParamsFields) []byte {
	w := NewWriter()
	w.Uint32(ConsSetClientDHParams)
	w.Raw(f.Nonce[:])
	w.Raw(f.ServerNonce[:])
	w.String(f.EncryptedData)
	return w.Bytes()
}

// DHGenResult is the decoded outcome of round 3: which of dh_gen_ok,
// dh_gen_retry, or dh_gen_fail the server returned, plus its nonces.
type DHGenResult struct {
	Constructor uint32
	Nonce       [16]byte
	ServerNonce [16]byte
	NewNonceHash []byte // first 16 bytes of the relevant new_nonce_hash field
}

// DecodeDHGenResult parses whichever of the three dh_gen_* constructors
// the caller has already matched via ExpectConstructor-style peeking; cons
// must be one of ConsDHGenOK/Retry/Fail.
func DecodeDHGenResult(cons uint32, r *Reader) (*DHGenResult, error) {
	out := &DHGenResult{Constructor: cons}
	copy(out.Nonce[:], r.Raw(16))
	copy(out.ServerNonce[:], r.Raw(16))
	out.NewNonceHash = r.Raw(16)
	if r.Err() != nil {
		return nil, r.Err()
	}
	return out, nil
}

// UnencryptedFrame wraps a handshake payload in the fixed unencrypted
// envelope: auth_key_id=0, message_id=0, length, payload.
func UnencryptedFrame(payload []byte) []byte {
	w := NewWriter()
	w.Uint64(0)
	w.Uint64(0)
	w.Int32(int32(len(payload)))
	w.Raw(payload)
	return w.Bytes()
}

// DecodeUnencryptedFrame strips the fixed unencrypted envelope and returns
// a Reader positioned at the start of the payload.
func DecodeUnencryptedFrame(body []byte) (*Reader, error) {
	r := NewReader(bytes.NewReader(body))
	authKeyID := r.Uint64()
	_ = r.Int64() // message_id, unused by this core's handshake
	length := r.Int32()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if authKeyID != 0 {
		return nil, fmt.Errorf("tl: unencrypted frame has nonzero auth_key_id")
	}
	if int(length) != len(body)-20 {
		return nil, fmt.Errorf("tl: unencrypted frame length %d does not match remaining %d bytes", length, len(body)-20)
	}
	return r, nil
}

// MessageInnerDataFields holds the fields of the plaintext envelope the
// write path builds: message_inner_data (bare, not message#5bb8e511,
// which names the inner TL message; the outer wrapper the spec calls
// "message" is this salt/session/msg_id/seqno/length/body tuple).
type MessageInnerDataFields struct {
	Salt      int64
	SessionID uint64
	MsgID     int64
	SeqNo     int32
	Body      []byte
}

// MessageInnerData serializes the plaintext frame built by the write
// path, before padding is appended.
func MessageInnerData(f MessageInnerDataFields) []byte {
	w := NewWriter()
	w.Int64(f.Salt)
	w.Uint64(f.SessionID)
	w.Int64(f.MsgID)
	w.Int32(f.SeqNo)
	w.Int32(int32(len(f.Body)))
	w.Raw(f.Body)
	return w.Bytes()
}

// MessageInnerDataFromServer is the decoded form the read path parses:
// session_id, an inner message (msg_id, seqno, body), matching
// message_inner_data_from_server#2e55c3b1.
type MessageInnerDataFromServer struct {
	Salt      int64
	SessionID uint64
	MsgID     int64
	SeqNo     int32
	Body      []byte
}

// DecodeMessageInnerDataFromServer parses the plaintext envelope streamed
// off the IGE decryptor, leaving Body undecoded (second-stage TL decode is
// the caller's job, offloadable to a worker pool per spec.md §9).
func DecodeMessageInnerDataFromServer(r *Reader) (*MessageInnerDataFromServer, error) {
	var out MessageInnerDataFromServer
	out.Salt = r.Int64()
	out.SessionID = r.Uint64()
	out.MsgID = r.Int64()
	out.SeqNo = r.Int32()
	length := r.Int32()
	out.Body = r.Raw(int(length))
	if r.Err() != nil {
		return nil, r.Err()
	}
	return &out, nil
}

// Ping serializes ping#7abe77ec ping_id:long = Pong.
func Ping(pingID int64) []byte {
	w := NewWriter()
	w.Uint32(ConsPing)
	w.Int64(pingID)
	return w.Bytes()
}

// Pong is the decoded pong#347773c5 msg_id:long ping_id:long = Pong.
type Pong struct {
	MsgID  int64
	PingID int64
}

// DecodePong parses a pong body, including its leading constructor magic.
func DecodePong(r *Reader) (*Pong, error) {
	if err := r.ExpectConstructor(ConsPong); err != nil {
		return nil, fmt.Errorf("tl: pong: %w", err)
	}
	var out Pong
	out.MsgID = r.Int64()
	out.PingID = r.Int64()
	if r.Err() != nil {
		return nil, r.Err()
	}
	return &out, nil
}
