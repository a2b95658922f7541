package udp

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// discoveryRequestSize and discoveryResponseSize are the fixed sizes of the
// IP-discovery request/response datagrams.
const (
	discoveryRequestSize  = 74
	discoveryResponseSize = 74
)

// ErrProtocolViolation is returned when a 74-byte IP-discovery response of
// type 2 has no NUL terminator in its IP field. (Datagrams of another size
// or type are discarded, not reported.) The voice package surfaces this as
// a ProtocolViolation that fails the connect attempt; it does not
// reconnect on its own.
var ErrProtocolViolation = errors.New("udp: malformed IP discovery response")

// Discovered is the NAT-observed public endpoint learned via IP discovery.
type Discovered struct {
	IP   string
	Port uint16
}

// Discover performs the one-shot IP-discovery handshake over an
// already-connected UDP socket: it writes one 74-byte request carrying
// ssrc, then reads datagrams until it sees one whose
// first big-endian uint16 is 2 (discarding anything else), and parses the
// NUL-terminated IP and trailing port out of it. There is no retry; on any
// read error the caller is expected to reconnect from scratch.
func Discover(conn net.Conn, ssrc uint32) (Discovered, error) {
	var req [discoveryRequestSize]byte
	binary.BigEndian.PutUint16(req[0:2], 1)  // type = request
	binary.BigEndian.PutUint16(req[2:4], 70) // length
	binary.BigEndian.PutUint32(req[4:8], ssrc)
	// req[8:74] is already zero.

	if _, err := conn.Write(req[:]); err != nil {
		return Discovered{}, errors.Wrap(err, "udp: failed to write discovery request")
	}

	var resp [discoveryResponseSize]byte
	for {
		// One Read per datagram: UDP reads are datagram-atomic, so unlike
		// io.ReadFull this never splices bytes from two unrelated datagrams
		// into resp if a stray, shorter-than-74-byte datagram arrives while
		// discovery is in flight. A short or long stray datagram is just
		// discarded by the size check below.
		n, err := conn.Read(resp[:])
		if err != nil {
			return Discovered{}, errors.Wrap(err, "udp: failed to read discovery response")
		}
		if n != discoveryResponseSize {
			continue
		}
		if binary.BigEndian.Uint16(resp[0:2]) != 2 {
			// Not a discovery response; discard and keep waiting.
			continue
		}

		body := resp[8:72]
		nullPos := bytes.IndexByte(body, 0)
		if nullPos < 0 {
			return Discovered{}, ErrProtocolViolation
		}

		return Discovered{
			IP:   string(body[:nullPos]),
			Port: binary.LittleEndian.Uint16(resp[72:74]),
		}, nil
	}
}
