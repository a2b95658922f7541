package voice

import "github.com/pkg/errors"

// Sentinel errors surfaced by the public API, covering the precondition
// failures (already playing, not ready, destroyed, and so on) a caller
// can match with errors.Is.
var (
	// ErrAlreadyPlaying is returned by Play when the connection is already
	// playing or paused. Callers that want to switch sources call Stop then
	// Play; Play never silently swaps the active source.
	ErrAlreadyPlaying = errors.New("voice: already playing")

	// ErrNotPlaying is returned by Pause, Unpause, and Stop when there is no
	// active player.
	ErrNotPlaying = errors.New("voice: not playing")

	// ErrAlreadyPaused and ErrNotPaused guard Pause/Unpause against
	// no-op transitions.
	ErrAlreadyPaused = errors.New("voice: already paused")
	ErrNotPaused     = errors.New("voice: not paused")

	// ErrNotReady is returned by Play before the connection has completed
	// its handshake. Pause, Unpause, and Stop return ErrNotPlaying then,
	// since nothing can be playing yet.
	ErrNotReady = errors.New("voice: connection not ready")

	// ErrDestroyed is returned by any public method called after Destroy.
	ErrDestroyed = errors.New("voice: connection destroyed")

	// ErrNoSessionID is returned by Connect when VoiceStateUpdate has not
	// yet supplied a session ID.
	ErrNoSessionID = errors.New("voice: no session id")

	// ErrNoServer is returned by Connect when VoiceServerUpdate has not yet
	// supplied an endpoint and token.
	ErrNoServer = errors.New("voice: no voice server assigned")

	// ErrPreconditionFailed is returned when an operation is attempted in a
	// connection state that doesn't support it, outside the more specific
	// sentinels above.
	ErrPreconditionFailed = errors.New("voice: precondition failed")
)

// CryptoFailure wraps a decryption failure encountered while demultiplexing
// inbound audio. It is non-fatal: the offending datagram is dropped and the
// connection keeps running.
type CryptoFailure struct {
	SSRC uint32
	Err  error
}

func (e *CryptoFailure) Error() string {
	return errors.Wrapf(e.Err, "voice: crypto failure on ssrc %d", e.SSRC).Error()
}

func (e *CryptoFailure) Unwrap() error { return e.Err }

// ProtocolViolation wraps a malformed or unexpected message on either the
// signalling channel or the data plane. Whether it is fatal depends on
// where it was observed; see connection.go.
type ProtocolViolation struct {
	Detail string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return errors.Wrapf(e.Err, "voice: protocol violation: %s", e.Detail).Error()
	}
	return "voice: protocol violation: " + e.Detail
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// TransportClosed wraps the signalling or data-plane transport closing,
// carrying whether the closure is resumable.
type TransportClosed struct {
	Resumable bool
	Err       error
}

func (e *TransportClosed) Error() string {
	return errors.Wrap(e.Err, "voice: transport closed").Error()
}

func (e *TransportClosed) Unwrap() error { return e.Err }
