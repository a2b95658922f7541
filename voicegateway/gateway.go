package voicegateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Version is the voice-gateway wire version this client speaks.
const Version = "4"

// UserAgent identifies this implementation to the voice server.
const UserAgent = "DiscordBot (voicecore, 1.0)"

// DefaultTimeout bounds dial and send operations that don't already carry
// a context deadline.
const DefaultTimeout = 15 * time.Second

// textMessage is gorilla/websocket's websocket.TextMessage value; kept as
// a local constant so this file doesn't need to import gorilla/websocket
// directly (transport.go is the only file that does).
const textMessage = 1

var (
	// ErrMissingForIdentify is returned when the Identify payload's
	// required fields (guild, user, session, token) aren't all set.
	ErrMissingForIdentify = errors.New("voicegateway: missing guild, user, session, or token for identify")
	// ErrMissingForResume is returned when the Resume payload's required
	// fields (guild, session, token) aren't all set.
	ErrMissingForResume = errors.New("voicegateway: missing guild, session, or token for resume")
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("voicegateway: not connected")
)

// State is the identity and session information this gateway identifies
// or resumes with.
type State struct {
	GuildID   string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// CloseInfo is delivered on the event channel when the signalling channel
// closes, for any reason.
type CloseInfo struct {
	Code      int
	Err       error
	Resumable bool // true iff Code == CodeSessionInvalidated
}

// Event wraps one decoded inbound opcode. Data holds a pointer to one of
// the typed event structs in events.go, or *CloseInfo when the channel
// closes.
type Event struct {
	Op   OPCode
	Data any
}

// Gateway is a client of the voice signalling channel. A Gateway is used
// for exactly one connect attempt; reconnects (including resume) construct
// a new Gateway sharing the same State.
type Gateway struct {
	state State

	timeout     time.Duration
	sendLimiter *rate.Limiter

	mu      sync.Mutex
	conn    Conn
	readySSRC uint32

	resume bool

	events  chan Event
	lastErr error // written only by readLoop, read only after it returns
}

// New creates a Gateway for the given state. resume is recorded on the
// Gateway but not acted on: the Gateway never sends Identify or Resume by
// itself, so the caller chooses which one to send after Hello.
func New(state State, resume bool) *Gateway {
	return &Gateway{
		state:       state,
		timeout:     DefaultTimeout,
		sendLimiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 10),
		resume:      resume,
		events:      make(chan Event, 16),
	}
}

// endpointURL builds the wss:// URL the voice server's endpoint resolves to.
func (g *Gateway) endpointURL() string {
	ep := strings.TrimSuffix(g.state.Endpoint, ":80")
	return "wss://" + ep + "/?v=" + Version
}

// Connect dials the signalling channel and starts the background read
// loop. It sends nothing itself; the caller sends Identify or Resume once
// the Hello event arrives. The returned
// channel carries every subsequently decoded Event, terminated by one
// final Event{Data: *CloseInfo} when the channel closes.
func (g *Gateway) Connect(ctx context.Context) (<-chan Event, error) {
	header := http.Header{"User-Agent": []string{UserAgent}}

	dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	conn, err := Dial(dialCtx, g.endpointURL(), header)
	if err != nil {
		return nil, errors.Wrap(err, "voicegateway: failed to dial")
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	go g.readLoop(conn)

	return g.events, nil
}

// Send marshals v as the payload of a message with the given opcode and
// writes it to the signalling channel.
func (g *Gateway) Send(ctx context.Context, op OPCode, v any) error {
	if err := g.sendLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "voicegateway: send rate limiter")
	}

	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	b, err := json.Marshal(Payload{Op: op, D: v})
	if err != nil {
		return errors.Wrap(err, "voicegateway: failed to encode payload")
	}

	if err := conn.WriteMessage(textMessage, b); err != nil {
		return errors.Wrap(err, "voicegateway: failed to write message")
	}
	return nil
}

// Identify sends opcode 0.
func (g *Gateway) Identify(ctx context.Context) error {
	if g.state.GuildID == "" || g.state.UserID == "" || g.state.SessionID == "" || g.state.Token == "" {
		return ErrMissingForIdentify
	}
	return g.Send(ctx, OPIdentify, IdentifyCommand{
		ServerID:  g.state.GuildID,
		UserID:    g.state.UserID,
		SessionID: g.state.SessionID,
		Token:     g.state.Token,
	})
}

// Resume sends opcode 7.
func (g *Gateway) Resume(ctx context.Context) error {
	if g.state.GuildID == "" || g.state.SessionID == "" || g.state.Token == "" {
		return ErrMissingForResume
	}
	return g.Send(ctx, OPResume, ResumeCommand{
		ServerID:  g.state.GuildID,
		SessionID: g.state.SessionID,
		Token:     g.state.Token,
	})
}

// SelectProtocol sends opcode 1 over "udp", advertising the given
// encryption mode (the voice package always passes the lite mode).
func (g *Gateway) SelectProtocol(ctx context.Context, address string, port uint16, mode string) error {
	return g.Send(ctx, OPSelectProtocol, SelectProtocolCommand{
		Protocol: "udp",
		Data: SelectProtocolData{
			Address: address,
			Port:    port,
			Mode:    mode,
		},
	})
}

// Heartbeat sends opcode 3 carrying the current wall-clock in
// milliseconds.
func (g *Gateway) Heartbeat(ctx context.Context, nowMs int64) error {
	return g.Send(ctx, OPHeartbeat, nowMs)
}

// Speaking sends opcode 5 for this client's own SSRC.
func (g *Gateway) Speaking(ctx context.Context, ssrc uint32, flag SpeakingFlag) error {
	return g.Send(ctx, OPSpeaking, SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     ssrc,
	})
}

// ReadySSRC returns the SSRC learned from the last Ready event, or 0 if
// none has been received yet.
func (g *Gateway) ReadySSRC() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readySSRC
}

// Close closes the underlying transport. It is idempotent.
func (g *Gateway) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// rawPayload is the wire envelope used when decoding, with D left as raw
// JSON so it can be unmarshaled into the opcode-specific type.
type rawPayload struct {
	Op OPCode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (g *Gateway) readLoop(conn Conn) {
	defer g.emitClose(conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.lastErr = err
			return
		}

		var raw rawPayload
		if err := json.Unmarshal(msg, &raw); err != nil {
			// Malformed frame: non-fatal, skipped. It is neither logged
			// nor reported on the event channel.
			continue
		}

		ev, ok := decode(raw)
		if !ok {
			// Unrecognized opcode: skip, don't tear down the connection.
			continue
		}

		if ev.Op == OPReady {
			if ready, isReady := ev.Data.(*ReadyEvent); isReady {
				g.mu.Lock()
				g.readySSRC = ready.SSRC
				g.mu.Unlock()
			}
		}

		g.events <- ev
	}
}

func (g *Gateway) emitClose(conn Conn) {
	code, _ := AsCloseError(g.lastErr)
	info := &CloseInfo{
		Code:      code,
		Err:       g.lastErr,
		Resumable: code == CodeSessionInvalidated,
	}

	g.events <- Event{Data: info}
	close(g.events)
}

func decode(raw rawPayload) (Event, bool) {
	switch raw.Op {
	case OPHello:
		var v HelloEvent
		if json.Unmarshal(raw.D, &v) != nil {
			return Event{}, false
		}
		return Event{Op: raw.Op, Data: &v}, true
	case OPReady:
		var v ReadyEvent
		if json.Unmarshal(raw.D, &v) != nil {
			return Event{}, false
		}
		return Event{Op: raw.Op, Data: &v}, true
	case OPSessionDescription:
		var v SessionDescriptionEvent
		if json.Unmarshal(raw.D, &v) != nil {
			return Event{}, false
		}
		return Event{Op: raw.Op, Data: &v}, true
	case OPSpeaking:
		var v SpeakingEvent
		if json.Unmarshal(raw.D, &v) != nil {
			return Event{}, false
		}
		return Event{Op: raw.Op, Data: &v}, true
	case OPHeartbeatACK:
		var nonce int64
		if json.Unmarshal(raw.D, &nonce) != nil {
			return Event{}, false
		}
		return Event{Op: raw.Op, Data: &HeartbeatACKEvent{Nonce: nonce}}, true
	case OPResumed:
		return Event{Op: raw.Op, Data: &ResumedEvent{}}, true
	default:
		return Event{}, false
	}
}
