// Package voicegateway implements the signalling channel: a persistent,
// JSON-framed websocket connection to a Discord-style voice server. It
// handles the handshake, heartbeat, identify/resume, session-description
// key delivery, and remote-speaker announcements, but knows nothing about
// UDP or encryption.
package voicegateway

// OPCode identifies a signalling-channel message type.
type OPCode int

const (
	// OPIdentify is sent once, right after the socket opens, unless this is
	// a resume.
	OPIdentify OPCode = 0
	// OPSelectProtocol is sent once IP discovery has completed.
	OPSelectProtocol OPCode = 1
	// OPReady is received with {ssrc, ip, port}.
	OPReady OPCode = 2
	// OPHeartbeat is sent at the server-supplied interval.
	OPHeartbeat OPCode = 3
	// OPSessionDescription is received with the 32-byte secret key.
	OPSessionDescription OPCode = 4
	// OPSpeaking is sent on play/unpause/stop/pause, and received when a
	// remote speaker starts or stops transmitting.
	OPSpeaking OPCode = 5
	// OPHeartbeatACK is received in reply to a heartbeat.
	OPHeartbeatACK OPCode = 6
	// OPResume is sent instead of Identify on reconnect.
	OPResume OPCode = 7
	// OPHello is received right after the socket opens, carrying the
	// heartbeat interval.
	OPHello OPCode = 8
	// OPResumed is received in reply to a successful Resume.
	OPResumed OPCode = 9
)

// CodeSessionInvalidated is the websocket close code that means the
// session can be resumed.
const CodeSessionInvalidated = 4015

// Payload is the wire envelope every signalling message uses:
// {"op": <int>, "d": <any>}.
type Payload struct {
	Op OPCode `json:"op"`
	D  any    `json:"d,omitempty"`
}
