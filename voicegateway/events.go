package voicegateway

import (
	"net"
	"strconv"
)

// HelloEvent is opcode 8: the first message the server sends.
type HelloEvent struct {
	HeartbeatIntervalMs float64 `json:"heartbeat_interval"`
}

// ReadyEvent is opcode 2: the UDP connection parameters.
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// Addr joins IP and Port into the address string net.Dial expects.
func (r *ReadyEvent) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// SessionDescriptionEvent is opcode 4: the negotiated mode and secret key.
// SecretKey is delivered on the wire as a JSON array of 32 numbers.
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// SpeakingEvent is opcode 5 received from the server: a remote user
// started or stopped transmitting on the given ssrc.
type SpeakingEvent struct {
	UserID   string       `json:"user_id"`
	SSRC     uint32       `json:"ssrc"`
	Speaking SpeakingFlag `json:"speaking"`
}

// HeartbeatACKEvent is opcode 6: echoes back the nonce sent in the last
// Heartbeat payload.
type HeartbeatACKEvent struct {
	Nonce int64
}

// ResumedEvent is opcode 9: acknowledges a successful Resume, no payload.
type ResumedEvent struct{}
