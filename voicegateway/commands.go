package voicegateway

// SpeakingFlag is the bitset carried by opcode 5. Only Microphone is ever
// set by this client, but the full bitset is modeled since the wire
// format defines it generically.
type SpeakingFlag int

const (
	Microphone SpeakingFlag = 1 << 0
	Soundshare SpeakingFlag = 1 << 1
	Priority   SpeakingFlag = 1 << 2
)

// IdentifyCommand is opcode 0.
type IdentifyCommand struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// ResumeCommand is opcode 7.
type ResumeCommand struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// SelectProtocolCommand is opcode 1.
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

// SelectProtocolData is the embedded payload of SelectProtocolCommand.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// HeartbeatCommand is opcode 3; d carries the current wall-clock in
// milliseconds, echoed back in HeartbeatACKEvent.
type HeartbeatCommand struct {
	Nonce int64
}

// SpeakingCommand is opcode 5, sent by this client on play/unpause (1) and
// stop/pause (0).
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}
