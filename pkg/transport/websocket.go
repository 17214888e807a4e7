package transport

import (
	"context"

	"nhooyr.io/websocket"
)

// Conn is the minimal duplex connection the channel drives.
// The production implementation wraps a WebSocket; tests use fakes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a Conn to the given endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// WebSocketDialer returns the production dialer.
func WebSocketDialer() Dialer {
	return func(ctx context.Context, endpoint string) (Conn, error) {
		c, _, err := websocket.Dial(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		// Generated artifacts can be large HTML documents.
		c.SetReadLimit(8 << 20)
		return &wsConn{conn: c}, nil
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
