// Package rtp implements the fixed 12-byte RTP header this voice client
// reads and writes, plus the one-byte-extension stripping rule a
// Discord-style voice server's audio frames carry. Sender and Receiver
// (framing.go) combine the header with the crypto package's seal/open and
// the per-mode nonce and trailer; sending the datagrams is udp's job.
package rtp

import "encoding/binary"

// HeaderSize is the size, in bytes, of the fixed RTP header this client
// sends and expects to receive. No CSRC list or generic extension is ever
// sent by this client, though received extensions are tolerated and
// stripped (see StripExtension).
const HeaderSize = 12

// versionFlags is the first header byte this client always sends: RTP
// version 2, no padding, no extension, no CSRC.
const versionFlags = 0x80

// payloadType is the second header byte: Discord's voice payload type.
const payloadType = 0x78

// SamplesPerFrame is the number of audio samples represented by one Opus
// frame at 48kHz/20ms, i.e. the amount the RTP timestamp advances per frame.
const SamplesPerFrame = 960

// extensionMagic is the marker the one-byte RTP header extension profile
// (RFC 5285) starts with.
var extensionMagic = [2]byte{0xBE, 0xDE}

// SilenceFrame is the 3-byte "fake" Opus frame Discord expects as an
// end-of-transmission cue, sent as the plaintext payload of a handful of
// ordinary (headered, encrypted) RTP packets before the sender goes idle.
var SilenceFrame = [3]byte{0xF8, 0xFF, 0xFE}

// Header is the fixed 12-byte RTP header used by every datagram this client
// sends. VersionFlags and Type are only populated by Parse, for callers
// inspecting a received packet; Encode always writes this client's own
// fixed versionFlags/payloadType bytes regardless of what these fields
// hold.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32

	VersionFlags byte
	Type         byte
}

// Encode writes the header into dst, which must be at least HeaderSize
// bytes. It returns dst[:HeaderSize] for convenience.
func (h Header) Encode(dst []byte) []byte {
	dst[0] = versionFlags
	dst[1] = payloadType
	binary.BigEndian.PutUint16(dst[2:4], h.Sequence)
	binary.BigEndian.PutUint32(dst[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(dst[8:12], h.SSRC)
	return dst[:HeaderSize]
}

// Parse reads a Header out of the first HeaderSize bytes of b. The caller
// must have already validated that len(b) >= HeaderSize.
func Parse(b []byte) Header {
	return Header{
		Sequence:     binary.BigEndian.Uint16(b[2:4]),
		Timestamp:    binary.BigEndian.Uint32(b[4:8]),
		SSRC:         binary.BigEndian.Uint32(b[8:12]),
		VersionFlags: b[0],
		Type:         b[1],
	}
}

// SSRCOf reads just the SSRC field out of a raw datagram without parsing
// the rest of the header, for error paths that need to tag a
// CryptoFailure with its SSRC before the header can be trusted as valid.
func SSRCOf(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[8:12])
}

// HasExtension reports whether the version/flags byte has the RTP header
// extension bit (bit 0x10) set.
func HasExtension(versionFlagsByte byte) bool {
	return versionFlagsByte&0x10 == 0x10
}

// IsRTCP reports whether the packet-type byte looks like an RTCP packet
// rather than an RTP data packet: RTCP packet types all fall in 200-204,
// which collides with the high bit of this byte being set.
func IsRTCP(payloadTypeByte byte) bool {
	return payloadTypeByte&0x80 != 0x0
}

// StripExtension removes a one-byte RTP header extension (RFC 5285,
// profile 0xBEDE) from the front of plaintext, if present. plaintext must
// already be decrypted RTP payload (no RTP header). If no extension magic
// is present, plaintext is returned unchanged.
func StripExtension(plaintext []byte) []byte {
	if len(plaintext) < 4 {
		return plaintext
	}
	if plaintext[0] != extensionMagic[0] || plaintext[1] != extensionMagic[1] {
		return plaintext
	}

	length := binary.BigEndian.Uint16(plaintext[2:4])
	shift := 4 + 4*int(length)

	if shift > len(plaintext) {
		return plaintext
	}
	return plaintext[shift:]
}
