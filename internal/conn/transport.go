package conn

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is a single established transport connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes transport connections. The production implementation
// speaks WebSocket; tests substitute a scripted fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NewWSDialer returns the WebSocket dialer used in production.
func NewWSDialer() Dialer {
	return wsDialer{}
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
