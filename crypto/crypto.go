// Package crypto wraps the authenticated-encryption primitives used by the
// voice data plane behind a small seal/open/random interface, and
// implements the nonce-construction rule for each of Discord's voice
// encryption modes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the size, in bytes, of the shared secret key delivered in the
// Session Description payload (opcode 4).
const KeySize = 32

// NonceSize is the size, in bytes, of every nonce used by this package,
// regardless of mode. Modes that need fewer meaningful bytes (lite, and the
// RTP-header-derived modes) zero-pad up to this size.
const NonceSize = 24

// Key is the 32-byte shared secret negotiated over the signalling channel.
type Key [KeySize]byte

// ErrOpenFailed is returned by Open when authentication fails, i.e. the
// ciphertext was corrupted or the wrong key/nonce was used.
var ErrOpenFailed = errors.New("crypto: open failed authentication")

// Mode identifies one of the voice encryption modes Discord supports. Only
// ModeLite is ever negotiated by this client (see voice's SelectProtocol
// call), but the
// others are implemented so the codec can interoperate with a server that
// picked something else, and so the nonce-construction matrix can be
// exercised directly in tests.
type Mode string

const (
	// ModeLite uses a 24-byte nonce whose first 4 bytes are a little-endian
	// monotonically increasing counter; the same 4 bytes are appended to the
	// datagram as a trailer so the receiver can reconstruct the nonce.
	ModeLite Mode = "xsalsa20_poly1305_lite"
	// ModeSuffix appends 24 random nonce bytes after the ciphertext.
	ModeSuffix Mode = "xsalsa20_poly1305_suffix"
	// ModeNormal derives the nonce from the 12-byte RTP header, zero-padded.
	ModeNormal Mode = "xsalsa20_poly1305"
	// ModeAEADAES256GCM derives the nonce the same way as ModeNormal, but
	// authenticates with AES-256-GCM instead of secretbox.
	ModeAEADAES256GCM Mode = "aead_aes256_gcm"
)

// TrailerSize returns the number of trailing bytes a sealed packet carries
// for the given mode, beyond the ciphertext itself: 4 for lite (the nonce
// counter), 24 for suffix (the full random nonce), 0 otherwise.
func (m Mode) TrailerSize() int {
	switch m {
	case ModeLite:
		return 4
	case ModeSuffix:
		return NonceSize
	default:
		return 0
	}
}

// RandomNonce fills a fresh 24-byte nonce using a CSPRNG. Used by
// ModeSuffix.
func RandomNonce() (*[NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "crypto: failed to read random nonce")
	}
	return &nonce, nil
}

// LiteNonce builds the 24-byte nonce for ModeLite from a little-endian
// 32-bit counter: the counter occupies the first 4 bytes, the rest are
// zero.
func LiteNonce(counter uint32) *[NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint32(nonce[0:4], counter)
	return &nonce
}

// HeaderNonce builds the 24-byte nonce for ModeNormal and
// ModeAEADAES256GCM by zero-padding the 12-byte RTP header.
func HeaderNonce(header [12]byte) *[NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:12], header[:])
	return &nonce
}

// Seal encrypts plaintext under key and nonce for the given mode, returning
// the raw ciphertext (and, for AEAD AES-256-GCM, its appended authentication
// tag). The caller is responsible for appending any mode-specific trailer
// (handled by the rtp package's Sender, which owns the wire framing).
func Seal(mode Mode, dst, plaintext []byte, nonce *[NonceSize]byte, key *Key) ([]byte, error) {
	switch mode {
	case ModeLite, ModeSuffix, ModeNormal:
		return secretbox.Seal(dst, plaintext, nonce, (*[KeySize]byte)(key)), nil
	case ModeAEADAES256GCM:
		return sealGCM(dst, plaintext, nonce, key)
	default:
		return nil, errors.Errorf("crypto: unsupported mode %q", mode)
	}
}

// Open decrypts ciphertext under key and nonce for the given mode. Returns
// ErrOpenFailed if authentication fails.
func Open(mode Mode, dst, ciphertext []byte, nonce *[NonceSize]byte, key *Key) ([]byte, error) {
	switch mode {
	case ModeLite, ModeSuffix, ModeNormal:
		plain, ok := secretbox.Open(dst, ciphertext, nonce, (*[KeySize]byte)(key))
		if !ok {
			return nil, ErrOpenFailed
		}
		return plain, nil
	case ModeAEADAES256GCM:
		return openGCM(dst, ciphertext, nonce, key)
	default:
		return nil, errors.Errorf("crypto: unsupported mode %q", mode)
	}
}

// sealGCM and openGCM implement the aead_aes256_gcm mode using the standard
// library's AES-GCM; no third-party AEAD-GCM primitive exercises a 32-byte
// key the way this mode needs without pulling in an entire unrelated
// transport stack (see DESIGN.md).
func sealGCM(dst, plaintext []byte, nonce *[NonceSize]byte, key *Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	// GCM nonces are conventionally 12 bytes; Discord's aead_aes256_gcm mode
	// uses the low 12 bytes of the 24-byte nonce buffer (which is exactly
	// the zero-padded RTP header for the modes that use this construction).
	return gcm.Seal(dst, nonce[:gcm.NonceSize()], plaintext, nil), nil
}

func openGCM(dst, ciphertext []byte, nonce *[NonceSize]byte, key *Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(dst, nonce[:gcm.NonceSize()], ciphertext, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

func newGCM(key *Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: failed to create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: failed to create GCM AEAD")
	}
	return gcm, nil
}
