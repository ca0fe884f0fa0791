package transport

import (
	"context"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// wsSubprotocol is the MTProto-over-WebSocket subprotocol identifier, mirrored
// from Telegram's web client transport so a server can distinguish this
// traffic from generic WebSocket usage.
const wsSubprotocol = "binary"

// WSTransport implements Transport over a WebSocket connection, each binary
// message carrying exactly one abridged-transport frame's payload (no
// length prefix needed on the wire, since WebSocket already frames
// messages).
type WSTransport struct {
	conn *websocket.Conn
	ctx  context.Context

	mu      sync.Mutex
	pending []byte // unread tail of the current inbound message
	active  bool   // true while pending belongs to a message still being drained
}

// DialWS connects to a ws(s):// URL and negotiates the MTProto binary
// subprotocol.
func DialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: ws dial %s: %w", url, err)
	}
	conn.SetReadLimit(2 << 20)
	return &WSTransport{conn: conn, ctx: ctx}, nil
}

// startMessage blocks for the next WebSocket binary message and makes it the
// current frame. Only called when no frame is active, mirroring
// TCPTransport's remFrame == -1 sentinel.
func (t *WSTransport) startMessage() error {
	_, data, err := t.conn.Read(t.ctx)
	if err != nil {
		return fmt.Errorf("transport: ws read: %w", err)
	}
	t.pending = data
	t.active = true
	return nil
}

// ReadExact implements Transport.
func (t *WSTransport) ReadExact(n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		if err := t.startMessage(); err != nil {
			return nil, err
		}
	}
	if n > len(t.pending) {
		return nil, fmt.Errorf("transport: requested %d bytes, only %d available in ws message", n, len(t.pending))
	}
	out := t.pending[:n]
	t.pending = t.pending[n:]
	if len(t.pending) == 0 {
		t.active = false
	}
	return out, nil
}

// ReadSome implements Transport.
func (t *WSTransport) ReadSome(max int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		if err := t.startMessage(); err != nil {
			return nil, err
		}
	}
	if len(t.pending) == 0 {
		t.active = false
		return nil, ErrFrameExhausted
	}
	n := max
	if n > len(t.pending) {
		n = len(t.pending)
	}
	out := t.pending[:n]
	t.pending = t.pending[n:]
	return out, nil
}

// Write implements Transport, sending b as one binary WebSocket message.
func (t *WSTransport) Write(b []byte) error {
	return t.conn.Write(t.ctx, websocket.MessageBinary, b)
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
