package udp

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDiscoveryServer answers exactly one IP discovery request on a UDP
// socket bound to 127.0.0.1, then stops.
func fakeDiscoveryServer(t *testing.T, ip string, port uint16) *net.UDPAddr {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		defer pc.Close()
		buf := make([]byte, discoveryRequestSize)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil || n != discoveryRequestSize {
			return
		}

		var resp [discoveryResponseSize]byte
		binary.BigEndian.PutUint16(resp[0:2], 2)
		binary.BigEndian.PutUint16(resp[2:4], 70)
		copy(resp[8:], ip)
		binary.LittleEndian.PutUint16(resp[72:74], port)

		pc.WriteTo(resp[:], addr)
	}()

	return pc.LocalAddr().(*net.UDPAddr)
}

func TestDiscover(t *testing.T) {
	addr := fakeDiscoveryServer(t, "203.0.113.7", 51234)

	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	discovered, err := Discover(conn, 1)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", discovered.IP)
	require.Equal(t, uint16(51234), discovered.Port)
}

func TestDiscoverRequestShape(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	conn, err := net.DialUDP("udp", nil, pc.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	go Discover(conn, 0xAABBCCDD)

	buf := make([]byte, discoveryRequestSize+1)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, discoveryRequestSize, n)

	require.Equal(t, uint16(1), binary.BigEndian.Uint16(buf[0:2]))
	require.Equal(t, uint16(70), binary.BigEndian.Uint16(buf[2:4]))
	require.Equal(t, uint32(0xAABBCCDD), binary.BigEndian.Uint32(buf[4:8]))
	require.True(t, bytes.Equal(buf[8:74], make([]byte, 66)))
}

// TestDiscoverDiscardsStrayShortDatagram guards against a stray datagram
// shorter than discoveryResponseSize, arriving while discovery is still in
// flight, getting spliced together with the real response into one
// corrupted 74-byte buffer.
func TestDiscoverDiscardsStrayShortDatagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		defer pc.Close()
		buf := make([]byte, discoveryRequestSize)
		_, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}

		pc.WriteTo([]byte("short"), addr)

		var resp [discoveryResponseSize]byte
		binary.BigEndian.PutUint16(resp[0:2], 2)
		copy(resp[8:], "203.0.113.1")
		binary.LittleEndian.PutUint16(resp[72:74], 9999)
		pc.WriteTo(resp[:], addr)
	}()

	conn, err := net.DialUDP("udp", nil, pc.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	discovered, err := Discover(conn, 1)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.1", discovered.IP)
	require.Equal(t, uint16(9999), discovered.Port)
}

func TestDiscoverDiscardsNonResponseType(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		defer pc.Close()
		buf := make([]byte, discoveryRequestSize)
		_, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}

		var junk [discoveryResponseSize]byte
		binary.BigEndian.PutUint16(junk[0:2], 99) // not a discovery response
		pc.WriteTo(junk[:], addr)

		var resp [discoveryResponseSize]byte
		binary.BigEndian.PutUint16(resp[0:2], 2)
		copy(resp[8:], "198.51.100.2")
		binary.LittleEndian.PutUint16(resp[72:74], 4000)
		pc.WriteTo(resp[:], addr)
	}()

	conn, err := net.DialUDP("udp", nil, pc.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	discovered, err := Discover(conn, 1)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.2", discovered.IP)
	require.Equal(t, uint16(4000), discovered.Port)
}
