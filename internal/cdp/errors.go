package cdp

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrTransportLost is returned to every outstanding waiter when the
	// WebSocket closes or fails underneath a session.
	ErrTransportLost = errors.New("transport lost")
	// ErrBrowserGone is returned when the renderer behind the session died.
	ErrBrowserGone = errors.New("browser gone")
	// ErrSessionClosed is returned after Close has been called.
	ErrSessionClosed = errors.New("session closed")
	// ErrOperationTimeout is returned when a deadline elapses before the
	// response or event arrives.
	ErrOperationTimeout = errors.New("operation timeout")
	ErrProtocol         = errors.New("protocol error")
)

// ProtocolError represents an error returned by the Chrome DevTools Protocol.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("protocol error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// IsTransient reports whether err means the session itself is unusable, as
// opposed to a single command failing.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransportLost) || errors.Is(err, ErrBrowserGone) || errors.Is(err, ErrSessionClosed)
}
