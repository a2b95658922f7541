package voicegateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn abstracts the subset of *websocket.Conn this package needs, so
// tests can substitute an in-memory fake instead of dialing a real
// websocket server. *websocket.Conn satisfies this interface directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
}

// DialFunc dials a signalling-channel transport. The default uses
// gorilla/websocket; tests override this package variable.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial is the DialFunc this package uses to open the signalling channel.
// Overridable for tests.
var Dial DialFunc = dialWebsocket

func dialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CloseError is satisfied by *websocket.CloseError; extracted so callers
// (and fakes) don't need to import gorilla/websocket directly to report a
// close code.
type CloseError interface {
	error
	CloseCode() int
}

// wsCloseError adapts *websocket.CloseError to CloseError.
type wsCloseError struct{ *websocket.CloseError }

func (w wsCloseError) CloseCode() int { return w.Code }

// AsCloseError extracts a close code from err, if it is (or wraps) a
// websocket close error. ok is false for any other error, including a
// plain read error from a dropped connection.
func AsCloseError(err error) (code int, ok bool) {
	if ce, isCE := err.(CloseError); isCE {
		return ce.CloseCode(), true
	}
	if wsce, isWS := err.(*websocket.CloseError); isWS {
		return wsce.Code, true
	}
	return 0, false
}
