// Package udp implements the data-plane transport: a UDP socket bound for
// send and receive to a single voice-server peer, plus the IP-discovery
// handshake (Discover) that runs once a socket is open. It knows nothing
// about RTP framing or encryption — that's the rtp and crypto packages,
// wired together by voice.player and voice.demux.
package udp

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned from Send after the socket has been closed.
var ErrClosed = errors.New("udp: socket closed")

// MaxDatagramSize is the largest inbound datagram this socket will read in
// one call. 1400 comfortably covers a 12-byte RTP header, a ~1300-byte
// worst-case Opus frame, and any mode trailer.
const MaxDatagramSize = 1400

// Dialer is the dialer used by Dial; overridable in tests.
var Dialer = net.Dialer{}

// Socket is a connected UDP socket to a single voice-server peer. It is
// safe to call Send and Close from any goroutine; the receive loop started
// by Listen runs on its own goroutine and delivers each inbound datagram to
// the handler passed to Listen.
type Socket struct {
	conn net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a UDP socket to addr. The returned Socket is not yet
// listening for inbound datagrams; call Listen to start the receive loop.
func Dial(ctx context.Context, addr string) (*Socket, error) {
	conn, err := Dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "udp: failed to dial voice server")
	}
	return &Socket{
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

// Conn returns the underlying net.Conn, primarily so Discover can be run
// against it before Listen is started.
func (s *Socket) Conn() net.Conn { return s.conn }

// Listen starts a background goroutine that reads datagrams off the socket
// and invokes handler with each one longer than 0 bytes. handler is called
// synchronously from the receive goroutine; it must not block. Listen
// returns immediately; the loop exits when the socket is closed or a read
// error occurs, at which point onError (if non-nil) is called once.
func (s *Socket) Listen(handler func([]byte), onError func(error)) {
	go s.readLoop(handler, onError)
}

func (s *Socket) readLoop(handler func([]byte), onError func(error)) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if onError != nil {
				onError(errors.Wrap(err, "udp: read error"))
			}
			return
		}
		if n > 0 {
			handler(buf[:n])
		}
	}
}

// Send writes a single datagram to the peer.
func (s *Socket) Send(b []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if _, err := s.conn.Write(b); err != nil {
		return errors.Wrap(err, "udp: write error")
	}
	return nil
}

// Close closes the socket. It is idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
