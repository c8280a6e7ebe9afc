package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeFrameTimeout = time.Second

// Transport carries whole JSON frames. Implementations must allow one
// concurrent reader and one concurrent writer, and Close must be safe to
// call while either is in progress. WriteMessage gives up at the
// context's deadline.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// DialTransport opens a WebSocket to a tab's debugger URL.
func DialTransport(ctx context.Context, wsURL string) (Transport, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 16,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to WebSocket: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage must not be called concurrently with itself. A write that
// misses its deadline leaves the connection unusable.
func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends the close frame as a control message, which gorilla allows
// alongside an in-flight WriteMessage.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
