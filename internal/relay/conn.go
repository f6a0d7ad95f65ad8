package relay

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/coder/websocket"
)

// Conn is the message-oriented connection a [Session] relays between. It is
// satisfied by [*websocket.Conn]; tests supply in-memory fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens the upstream AI connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Sentinel errors.
var (
	// ErrUpstream reports that the AI connection could not be opened or
	// configured. The telephony side is closed when it occurs.
	ErrUpstream = errors.New("relay: upstream unavailable")
)

// isGracefulClose reports whether err is an orderly end of a connection
// rather than a transport or protocol failure.
func isGracefulClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
