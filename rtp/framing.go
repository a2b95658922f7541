package rtp

import (
	"encoding/binary"

	"github.com/UnschooledGamer/voice/crypto"
	"github.com/pkg/errors"
)

// ErrShortDatagram is returned by Receiver.Open when a datagram is too
// short to contain even a bare RTP header plus the mode's trailer.
var ErrShortDatagram = errors.New("rtp: datagram too short")

// Sender builds and encrypts outgoing RTP datagrams for one Connection's
// data-plane send direction. It owns a send-side scratch buffer that is
// never shared with a Receiver, so send and receive framing can never
// alias the same backing array.
type Sender struct {
	SSRC uint32
	Mode crypto.Mode
	Key  *crypto.Key

	buf [HeaderSize + 1400 + crypto.NonceSize]byte
}

// NewSender creates a Sender for ssrc, sealing with the given mode and key.
func NewSender(ssrc uint32, mode crypto.Mode, key *crypto.Key) *Sender {
	return &Sender{SSRC: ssrc, Mode: mode, Key: key}
}

// Frame builds one complete outgoing datagram: the 12-byte RTP header
// carrying sequence/timestamp/ssrc, followed by the ciphertext of
// plaintext, followed by any mode-specific trailer. counter is the
// send_nonce_counter value for this frame; it is only meaningful (and only
// advances the wire trailer) in lite mode. The returned slice aliases the
// Sender's internal buffer and is only valid until the next call to Frame.
func (s *Sender) Frame(seq uint16, timestamp uint32, counter uint32, plaintext []byte) ([]byte, error) {
	header := Header{Sequence: seq, Timestamp: timestamp, SSRC: s.SSRC}
	header.Encode(s.buf[:HeaderSize])

	var nonce *[crypto.NonceSize]byte
	switch s.Mode {
	case crypto.ModeLite:
		nonce = crypto.LiteNonce(counter)
	case crypto.ModeSuffix:
		var err error
		nonce, err = crypto.RandomNonce()
		if err != nil {
			return nil, err
		}
	case crypto.ModeNormal, crypto.ModeAEADAES256GCM:
		var hdr [HeaderSize]byte
		copy(hdr[:], s.buf[:HeaderSize])
		nonce = crypto.HeaderNonce(hdr)
	default:
		return nil, errors.Errorf("rtp: unsupported send mode %q", s.Mode)
	}

	sealed, err := crypto.Seal(s.Mode, s.buf[:HeaderSize], plaintext, nonce, s.Key)
	if err != nil {
		return nil, errors.Wrap(err, "rtp: seal failed")
	}

	switch s.Mode {
	case crypto.ModeLite:
		var counterBytes [4]byte
		binary.LittleEndian.PutUint32(counterBytes[:], counter)
		sealed = append(sealed, counterBytes[:]...)
	case crypto.ModeSuffix:
		sealed = append(sealed, nonce[:]...)
	}

	return sealed, nil
}

// Receiver parses and decrypts incoming RTP datagrams for one Connection's
// data-plane receive direction. Like Sender, it owns its own scratch
// buffer, distinct from any Sender's.
type Receiver struct {
	Mode crypto.Mode
	Key  *crypto.Key

	buf [1400]byte
}

// NewReceiver creates a Receiver decrypting with the given mode and key.
func NewReceiver(mode crypto.Mode, key *crypto.Key) *Receiver {
	return &Receiver{Mode: mode, Key: key}
}

// Open parses the RTP header out of datagram, decrypts the remainder
// according to r.Mode, and strips a one-byte RTP extension if present. The
// returned plaintext aliases the Receiver's internal buffer and is only
// valid until the next call to Open.
func (r *Receiver) Open(datagram []byte) (Header, []byte, error) {
	trailer := r.Mode.TrailerSize()
	if len(datagram) < HeaderSize+trailer {
		return Header{}, nil, ErrShortDatagram
	}

	header := Parse(datagram)
	body := datagram[HeaderSize : len(datagram)-trailer]

	var nonce [crypto.NonceSize]byte
	switch r.Mode {
	case crypto.ModeLite:
		copy(nonce[0:4], datagram[len(datagram)-trailer:])
	case crypto.ModeSuffix:
		copy(nonce[:], datagram[len(datagram)-trailer:])
	case crypto.ModeNormal, crypto.ModeAEADAES256GCM:
		copy(nonce[:HeaderSize], datagram[:HeaderSize])
	default:
		return Header{}, nil, errors.Errorf("rtp: unsupported receive mode %q", r.Mode)
	}

	plain, err := crypto.Open(r.Mode, r.buf[:0], body, &nonce, r.Key)
	if err != nil {
		return Header{}, nil, err
	}

	return header, StripExtension(plain), nil
}
