// Package handshake drives the three-round DH exchange (C7) that
// establishes an AuthKey: req_pq, req_DH_params, set_client_DH_params.
// Every step that the Python original offloads to a thread pool and runs
// concurrently via asyncio.gather is offloaded here to the shared
// workerpool.Pool and run concurrently via errgroup.Group, so a slow RSA
// modexp or factorization doesn't block other independent CPU work.
package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/arcwire/mtproto-core/internal/byteutil"
	"github.com/arcwire/mtproto-core/internal/dhprime"
	"github.com/arcwire/mtproto-core/internal/ige"
	"github.com/arcwire/mtproto-core/internal/rsautil"
	"github.com/arcwire/mtproto-core/internal/tl"
	"github.com/arcwire/mtproto-core/internal/transport"
	"github.com/arcwire/mtproto-core/internal/workerpool"
)

// Result is everything the handshake hands back to populate an AuthKey.
type Result struct {
	AuthKey    [256]byte
	ServerSalt int64
}

// Engine runs the handshake over one transport using one trusted RSA key.
type Engine struct {
	Transport transport.Transport
	PublicKey *rsautil.PublicKey
	Pool      *workerpool.Pool
}

// New constructs an Engine with the process-wide worker pool.
func New(t transport.Transport, pub *rsautil.PublicKey) *Engine {
	return &Engine{Transport: t, PublicKey: pub, Pool: workerpool.Default()}
}

// Run executes the full three-round exchange and returns the resulting
// auth_key and server_salt, or the first fatal error encountered — every
// branch here is a deliberate protocol rejection, not a recoverable retry.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	nonce, err := randomBytes16()
	if err != nil {
		return nil, err
	}

	resPQ, err := e.round1(ctx, nonce)
	if err != nil {
		return nil, fmt.Errorf("handshake: round 1: %w", err)
	}

	newNonce, p, q, err := e.factorAndNonce(ctx, resPQ.PQ)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	dhOk, err := e.round2(ctx, nonce, resPQ, p, q, newNonce)
	if err != nil {
		return nil, fmt.Errorf("handshake: round 2: %w", err)
	}
	if !ctEqual(dhOk.Nonce[:], nonce[:]) {
		return nil, errors.New("handshake: params nonce mismatch")
	}
	if !ctEqual(dhOk.ServerNonce[:], resPQ.ServerNonce[:]) {
		return nil, errors.New("handshake: params server_nonce mismatch")
	}

	tmpKey, tmpIV, err := deriveTmpKeyIV(ctx, e.Pool, newNonce, resPQ.ServerNonce)
	if err != nil {
		return nil, fmt.Errorf("handshake: tmp key derivation: %w", err)
	}

	inner, err := decryptAnswer(tmpKey, tmpIV, dhOk.EncryptedAnswer)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if !ctEqual(inner.Nonce[:], nonce[:]) {
		return nil, errors.New("handshake: server_DH_inner_data nonce mismatch")
	}
	if !ctEqual(inner.ServerNonce[:], resPQ.ServerNonce[:]) {
		return nil, errors.New("handshake: server_DH_inner_data server_nonce mismatch")
	}

	dhPrime := new(big.Int).SetBytes(inner.DHPrime)
	gA := new(big.Int).SetBytes(inner.GA)

	if !dhprime.IsSafe(inner.G, dhPrime) {
		return nil, errors.New("handshake: unknown dh_prime")
	}
	if err := validateDHRange(gA, dhPrime); err != nil {
		return nil, fmt.Errorf("handshake: g_a: %w", err)
	}

	b, err := randomBig2048()
	if err != nil {
		return nil, err
	}

	gB, authKeyInt, err := completeDH(ctx, e.Pool, int64(inner.G), b, gA, dhPrime)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := validateDHRange(gB, dhPrime); err != nil {
		return nil, fmt.Errorf("handshake: g_b: %w", err)
	}

	var authKey [256]byte
	copy(authKey[:], byteutil.FixedBytes(authKeyInt, 256))

	serverSalt := deriveServerSalt(newNonce, resPQ.ServerNonce)

	if err := e.round3(ctx, nonce, resPQ.ServerNonce, tmpKey, tmpIV, gB); err != nil {
		return nil, fmt.Errorf("handshake: round 3: %w", err)
	}

	return &Result{AuthKey: authKey, ServerSalt: serverSalt}, nil
}

func randomBytes16() ([16]byte, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, fmt.Errorf("handshake: nonce: %w", err)
	}
	return b, nil
}

func randomBytes32() ([32]byte, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, fmt.Errorf("handshake: new_nonce: %w", err)
	}
	return b, nil
}

func randomBig2048() (*big.Int, error) {
	var b [256]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("handshake: dh secret: %w", err)
	}
	return new(big.Int).SetBytes(b[:]), nil
}

func ctEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// round1 sends req_pq and parses resPQ, failing if our key's fingerprint
// is absent from the server's offered list.
func (e *Engine) round1(ctx context.Context, nonce [16]byte) (*tl.ResPQ, error) {
	if err := e.writeUnencrypted(tl.ReqPQ(nonce)); err != nil {
		return nil, err
	}
	r, cons, err := e.readUnencrypted()
	if err != nil {
		return nil, err
	}
	if cons != tl.ConsResPQ {
		return nil, fmt.Errorf("unexpected constructor %#x, want resPQ", cons)
	}
	resPQ, err := tl.DecodeResPQ(r)
	if err != nil {
		return nil, err
	}

	found := false
	for _, fp := range resPQ.ServerPublicKeyFingerprints {
		if fp == e.PublicKey.Fingerprint() {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("our RSA public key is not supported by the server")
	}
	return resPQ, nil
}

// factorAndNonce runs pq factorization and new_nonce generation
// concurrently, mirroring asyncio.gather(token_bytes, factorize) in the
// original.
func (e *Engine) factorAndNonce(ctx context.Context, pqBytes []byte) (newNonce [32]byte, p, q []byte, err error) {
	pq := bigEndianUint64(pqBytes)

	g, gctx := errgroup.WithContext(ctx)
	var pFactor, qFactor uint64

	g.Go(func() error {
		return e.Pool.Run(gctx, func() error {
			pf, qf, ok := dhprime.Factorize(pq)
			if !ok {
				return errors.New("could not factor pq")
			}
			pFactor, qFactor = pf, qf
			return nil
		})
	})
	g.Go(func() error {
		nn, nerr := randomBytes32()
		newNonce = nn
		return nerr
	})

	if err := g.Wait(); err != nil {
		return newNonce, nil, nil, err
	}

	p = byteutil.ToBytes(new(big.Int).SetUint64(pFactor))
	q = byteutil.ToBytes(new(big.Int).SetUint64(qFactor))
	return newNonce, p, q, nil
}

func bigEndianUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// round2 builds p_q_inner_data, RSA-encrypts it, sends req_DH_params, and
// parses server_DH_params_ok.
func (e *Engine) round2(ctx context.Context, nonce [16]byte, resPQ *tl.ResPQ, p, q []byte, newNonce [32]byte) (*tl.ServerDHParamsOk, error) {
	inner := tl.PQInnerData(tl.PQInnerDataFields{
		PQ:          resPQ.PQ,
		P:           p,
		Q:           q,
		Nonce:       nonce,
		ServerNonce: resPQ.ServerNonce,
		NewNonce:    newNonce,
	})

	var encrypted []byte
	if err := e.Pool.Run(ctx, func() error {
		enc, err := e.PublicKey.EncryptWithHash(inner)
		if err != nil {
			return err
		}
		encrypted = enc
		return nil
	}); err != nil {
		return nil, fmt.Errorf("rsa encrypt-with-hash: %w", err)
	}

	payload := tl.ReqDHParams(tl.ReqDHParamsFields{
		Nonce:                nonce,
		ServerNonce:          resPQ.ServerNonce,
		P:                    p,
		Q:                    q,
		PublicKeyFingerprint: e.PublicKey.Fingerprint(),
		EncryptedData:        encrypted,
	})
	if err := e.writeUnencrypted(payload); err != nil {
		return nil, err
	}

	r, cons, err := e.readUnencrypted()
	if err != nil {
		return nil, err
	}
	if cons != tl.ConsServerDHParamsOk {
		return nil, fmt.Errorf("unexpected constructor %#x, want server_DH_params_ok", cons)
	}
	return tl.DecodeServerDHParamsOk(r)
}

// deriveTmpKeyIV computes the four SHA1 digests that build tmp_key/tmp_iv,
// run concurrently as in the original's asyncio.gather of four hashes.
func deriveTmpKeyIV(ctx context.Context, pool *workerpool.Pool, newNonce [32]byte, serverNonce [16]byte) (key, iv []byte, err error) {
	var h1, h2, h3, h4 [20]byte

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx, func() error { h1 = sha1.Sum(append(append([]byte{}, newNonce[:]...), serverNonce[:]...)); return nil })
	})
	g.Go(func() error {
		return pool.Run(gctx, func() error { h2 = sha1.Sum(append(append([]byte{}, serverNonce[:]...), newNonce[:]...)); return nil })
	})
	g.Go(func() error {
		return pool.Run(gctx, func() error { h3 = sha1.Sum(append(append([]byte{}, serverNonce[:]...), newNonce[:]...)); return nil })
	})
	g.Go(func() error {
		return pool.Run(gctx, func() error { h4 = sha1.Sum(append(append([]byte{}, newNonce[:]...), newNonce[:]...)); return nil })
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	key = append(append([]byte{}, h1[:]...), h2[:12]...)
	iv = append(append([]byte{}, h3[12:]...), h4[:]...)
	iv = append(iv, newNonce[:4]...)
	return key, iv, nil
}

// decryptAnswer AES-IGE-decrypts encrypted_answer with the temporary key,
// parses server_DH_inner_data from the bytes after the leading 20-byte
// SHA1 answer_hash, and verifies that hash over exactly the bytes the
// parse consumed (excluding the block-padding tail).
func decryptAnswer(tmpKey, tmpIV, encryptedAnswer []byte) (*tl.ServerDHInnerData, error) {
	c, err := ige.New(tmpKey, tmpIV)
	if err != nil {
		return nil, err
	}
	plain, err := c.Decrypt(encryptedAnswer)
	if err != nil {
		return nil, fmt.Errorf("decrypt encrypted_answer: %w", err)
	}
	if len(plain) < 20 {
		return nil, errors.New("encrypted_answer too short")
	}

	answerHash := plain[:20]
	rest := plain[20:]

	// Measure exactly how many bytes server_DH_inner_data's TL structure
	// consumes, so the SHA1 answer_hash is computed over that span alone
	// and not the IGE block-padding tail appended after it.
	counter := &countingReader{Reader: bytes.NewReader(rest)}
	r := tl.NewReader(counter)
	if err := r.ExpectConstructor(tl.ConsServerDHInnerData); err != nil {
		return nil, err
	}
	inner, err := tl.DecodeServerDHInnerData(r)
	if err != nil {
		return nil, err
	}

	computed := sha1.Sum(rest[:counter.n])
	if !ctEqual(answerHash, computed[:]) {
		return nil, errors.New("answer hash mismatch")
	}
	return inner, nil
}

type countingReader struct {
	*bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.n += n
	return n, err
}

func validateDHRange(v, dhPrime *big.Int) error {
	one := big.NewInt(1)
	if v.Cmp(one) <= 0 {
		return errors.New("value <= 1")
	}
	upperBound := new(big.Int).Sub(dhPrime, one)
	if v.Cmp(upperBound) >= 0 {
		return errors.New("value >= dh_prime-1")
	}
	lo := new(big.Int).Lsh(big.NewInt(1), 2048-64)
	if v.Cmp(lo) < 0 {
		return errors.New("value < 2^(2048-64)")
	}
	hi := new(big.Int).Sub(dhPrime, lo)
	if v.Cmp(hi) > 0 {
		return errors.New("value > dh_prime-2^(2048-64)")
	}
	return nil
}

// completeDH computes g^b mod dh_prime and g_a^b mod dh_prime
// concurrently, matching asyncio.gather(pow(g,b,p), pow(g_a,b,p)).
func completeDH(ctx context.Context, pool *workerpool.Pool, g int64, b, gA, dhPrime *big.Int) (gB, authKey *big.Int, err error) {
	g2, gctx := errgroup.WithContext(ctx)
	g2.Go(func() error {
		return pool.Run(gctx, func() error {
			gB = new(big.Int).Exp(big.NewInt(g), b, dhPrime)
			return nil
		})
	})
	g2.Go(func() error {
		return pool.Run(gctx, func() error {
			authKey = new(big.Int).Exp(gA, b, dhPrime)
			return nil
		})
	})
	if err := g2.Wait(); err != nil {
		return nil, nil, err
	}
	return gB, authKey, nil
}

func deriveServerSalt(newNonce [32]byte, serverNonce [16]byte) int64 {
	x := byteutil.XOR(newNonce[:8], serverNonce[:8])
	return byteutil.Int64LE(x)
}

// round3 serializes client_DH_inner_data, IGE-encrypts it with a fresh
// cipher seeded from the same (tmpKey, tmpIV), sends set_client_DH_params,
// and requires dh_gen_ok.
func (e *Engine) round3(ctx context.Context, nonce, serverNonce [16]byte, tmpKey, tmpIV []byte, gB *big.Int) error {
	inner := tl.ClientDHInnerData(tl.ClientDHInnerDataFields{
		Nonce:       nonce,
		ServerNonce: serverNonce,
		RetryID:     0,
		GB:          byteutil.FixedBytes(gB, 256),
	})

	c, err := ige.New(tmpKey, tmpIV)
	if err != nil {
		return err
	}
	encrypted, err := encryptWithHash20(c, inner)
	if err != nil {
		return err
	}

	payload := tl.SetClientDHParams(tl.SetClientDHParamsFields{
		Nonce:         nonce,
		ServerNonce:   serverNonce,
		EncryptedData: encrypted,
	})
	if err := e.writeUnencrypted(payload); err != nil {
		return err
	}

	r, cons, err := e.readUnencrypted()
	if err != nil {
		return err
	}
	switch cons {
	case tl.ConsDHGenOK:
		res, err := tl.DecodeDHGenResult(cons, r)
		if err != nil {
			return err
		}
		if !ctEqual(res.Nonce[:], nonce[:]) || !ctEqual(res.ServerNonce[:], serverNonce[:]) {
			return errors.New("dh_gen_ok nonce mismatch")
		}
		return nil
	case tl.ConsDHGenRetry:
		return errors.New("server returned dh_gen_retry, which this core treats as fatal")
	case tl.ConsDHGenFail:
		return errors.New("server returned dh_gen_fail")
	default:
		return fmt.Errorf("unexpected constructor %#x after set_client_DH_params", cons)
	}
}

// encryptWithHash20 builds SHA1(data) || data, zero-pads to a multiple of
// 16 bytes, and IGE-encrypts it — the handshake's own encrypt-with-hash
// variant (20-byte SHA1 prefix, zero padding, AES-IGE), not the RSA
// encrypt-with-hash in internal/rsautil, which uses the same SHA1 prefix
// but random padding to the modulus size and raw RSA.
func encryptWithHash20(c *ige.Cipher, data []byte) ([]byte, error) {
	hash := sha1.Sum(data)
	block := append(append([]byte{}, hash[:]...), data...)
	for len(block)%ige.BlockSize != 0 {
		block = append(block, 0)
	}
	return c.Encrypt(block)
}

func (e *Engine) writeUnencrypted(payload []byte) error {
	frame := tl.UnencryptedFrame(payload)
	return e.Transport.Write(frame)
}

// readUnencrypted reads one unencrypted handshake response frame and
// returns the boxed constructor magic it starts with plus a Reader
// positioned just after that magic (so callers branch on the constructor
// and then decode the rest of the body).
func (e *Engine) readUnencrypted() (*tl.Reader, uint32, error) {
	header, err := e.Transport.ReadExact(20)
	if err != nil {
		return nil, 0, fmt.Errorf("read unencrypted envelope: %w", err)
	}
	length := int32(header[16]) | int32(header[17])<<8 | int32(header[18])<<16 | int32(header[19])<<24
	body, err := e.Transport.ReadExact(int(length))
	if err != nil {
		return nil, 0, fmt.Errorf("read unencrypted body: %w", err)
	}

	full := append(header, body...)
	r, err := tl.DecodeUnencryptedFrame(full)
	if err != nil {
		return nil, 0, err
	}

	cons := r.Uint32()
	if r.Err() != nil {
		return nil, 0, r.Err()
	}
	return r, cons, nil
}
