package voice

// Status is a Connection's position in its state machine: disconnected ->
// connecting -> ready -> destroyed, with ready additionally tracking a
// PlayerStatus.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusReady
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// PlayerStatus is the player sub-state, meaningful only while Status is
// StatusReady.
type PlayerStatus int

const (
	PlayerIdle PlayerStatus = iota
	PlayerPlaying
	PlayerPaused
)

func (s PlayerStatus) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Event is the single typed channel every Connection delivers observer
// notifications on, favoring typed fields over an untyped event-name
// string. Exactly one of the typed fields is non-nil.
type Event struct {
	StateChange       *StateChangeEvent
	PlayerStateChange *PlayerStateChangeEvent
	SpeakStart        *SpeakStartEvent
	SpeakEnd          *SpeakEndEvent
	Error             *ErrorEvent
}

// StateChangeEvent reports a Connection state-machine transition.
type StateChangeEvent struct {
	Old, New Status
}

// PlayerStateChangeEvent reports a player sub-state transition.
type PlayerStateChangeEvent struct {
	Old, New PlayerStatus
}

// SpeakStartEvent reports a remote SSRC has started transmitting audio: its
// first datagram since its last speak-end (or ever) has arrived. An opcode-5
// announcement on the signalling channel only registers the speaker and
// does not emit this event.
type SpeakStartEvent struct {
	SSRC   uint32
	UserID string
}

// SpeakEndEvent reports a remote SSRC has gone silent for at least
// SilenceTimeout.
type SpeakEndEvent struct {
	SSRC   uint32
	UserID string
}

// ErrorEvent reports an error encountered while running the connection: a
// CryptoFailure, a ProtocolViolation, a TransportClosed (resumable or not),
// a failed resume or auto-connect, or a failed signalling/UDP send.
type ErrorEvent struct {
	Err error
}
