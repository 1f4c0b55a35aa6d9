package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"

	"github.com/codewiresh/hopwire/internal/protocol"
)

// WSTransport sends each encoded message as one binary WebSocket message.
// It is safe for concurrent use.
type WSTransport struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

// NewWSTransport wraps conn.
func NewWSTransport(ctx context.Context, conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn, ctx: ctx}
}

// Send writes msg as a binary message.
func (t *WSTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(t.ctx, websocket.MessageBinary, msg)
}

// Close sends a normal closure message and closes the WebSocket.
func (t *WSTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// WSReader decodes one protocol message per WebSocket message.
type WSReader struct {
	conn  *websocket.Conn
	ctx   context.Context
	codec protocol.Codec
}

// NewWSReader creates a WSReader decoding with codec.
func NewWSReader(ctx context.Context, conn *websocket.Conn, codec protocol.Codec) *WSReader {
	return &WSReader{conn: conn, ctx: ctx, codec: codec}
}

func (r *WSReader) next(v any) (bool, error) {
	msgType, data, err := r.conn.Read(r.ctx)
	if err != nil {
		// Normal close is treated as a clean EOF.
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return false, nil
		}
		return false, err
	}
	if msgType != websocket.MessageBinary && msgType != websocket.MessageText {
		return false, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	if err := r.codec.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return false, fmt.Errorf("decoding websocket message: %w", err)
	}
	return true, nil
}

// ReadRequest reads the next request. Returns (nil, nil) on normal close.
func (r *WSReader) ReadRequest() (*protocol.Request, error) {
	var req protocol.Request
	ok, err := r.next(&req)
	if !ok {
		return nil, err
	}
	return &req, nil
}

// ReadResponse reads the next response. Returns (nil, nil) on normal close.
func (r *WSReader) ReadResponse() (*protocol.Response, error) {
	var resp protocol.Response
	ok, err := r.next(&resp)
	if !ok {
		return nil, err
	}
	return &resp, nil
}

// Close sends a normal closure message and closes the WebSocket.
func (r *WSReader) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}
