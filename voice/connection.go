package voice

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/UnschooledGamer/voice/crypto"
	"github.com/UnschooledGamer/voice/internal/lazytime"
	"github.com/UnschooledGamer/voice/rtp"
	"github.com/UnschooledGamer/voice/udp"
	"github.com/UnschooledGamer/voice/voicegateway"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Connection is one guild/user voice session: the signalling channel, the
// UDP data plane, and the send/receive framing state. Every field below
// this point in the struct is owned exclusively by the run goroutine
// started in newConnection; nothing outside this package touches them
// directly, and nothing inside this package touches them from any other
// goroutine. That's what makes the rest of this file safe to write
// without a mutex per field.
type Connection struct {
	guildID, userID string
	cfg             config
	log             Logger
	onDestroyed     func()

	commands chan command
	events   chan Event

	// destroyed is checked lock-free by submit's fast path before falling
	// back to destroyMu for the authoritative check; many background
	// goroutines (pacer, heartbeat, UDP listener, gateway forwarder) can
	// race to submit against a Connection mid-teardown, and the common
	// case there is "already destroyed".
	destroyed atomic.Bool
	destroyMu sync.Mutex

	// --- actor-owned state; read/written only inside run() and its callees ---

	status       Status
	playerStatus PlayerStatus

	state  voicegateway.State
	resume bool

	connectCtx   context.Context
	connectReply chan error
	onReady      func()

	gw            *voicegateway.Gateway
	heartbeatStop chan struct{}
	pingMs        int64

	sock         *udp.Socket
	ssrc         uint32
	remoteAddr   string

	sender   *rtp.Sender
	receiver *rtp.Receiver
	mode     crypto.Mode
	key      crypto.Key

	seq          uint16
	timestamp    uint32
	nonceCounter uint32

	source    AudioSource
	frameBuf  [FrameSize]byte
	pacerStop chan struct{}

	speakers map[uint32]*remoteSpeaker
}

func newConnection(guildID, userID string, cfg config, onDestroyed func()) *Connection {
	c := &Connection{
		guildID:     guildID,
		userID:      userID,
		cfg:         cfg,
		log:         cfg.logger,
		onDestroyed: onDestroyed,
		commands:    make(chan command, 128),
		events:      make(chan Event, 32),
		speakers:    make(map[uint32]*remoteSpeaker),
		state:       voicegateway.State{GuildID: guildID, UserID: userID},
	}
	go c.run()
	return c
}

// submit hands cmd to the actor goroutine, returning ErrDestroyed instead
// of sending if Destroy has already completed. Holding destroyMu across
// both the destroyed check and the channel send is what makes this race
// free against handleDestroy, which sets destroyed (under the same lock)
// strictly before closing commands.
func (c *Connection) submit(cmd command) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	c.destroyMu.Lock()
	defer c.destroyMu.Unlock()
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	c.commands <- cmd
	return nil
}

// Events returns the channel every StateChange, PlayerStateChange,
// SpeakStart, SpeakEnd, and Error is delivered on. The channel is closed
// after Destroy completes; events emitted before the close stay buffered
// and are received first.
func (c *Connection) Events() <-chan Event { return c.events }

// Connect runs the signalling handshake (Identify or Resume, IP discovery,
// SelectProtocol, SessionDescription) and blocks until the connection
// reaches StatusReady or the handshake fails. onReady, if non-nil, is
// invoked from the actor goroutine once the handshake reaches StatusReady,
// just after Connect's successful reply has been sent; it is not invoked
// when the connection was already ready at the time of the call. It must
// not call back into this Connection synchronously, or it will deadlock
// against the actor it's running on.
func (c *Connection) Connect(ctx context.Context, onReady func(), resume bool) error {
	reply := make(chan error, 1)
	if err := c.submit(cmdConnect{ctx: ctx, onReady: onReady, resume: resume, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy tears down the signalling channel and UDP socket, stops every
// background goroutine owned by this Connection, and removes it from its
// Registry. It blocks until teardown is complete and is safe to call more
// than once.
func (c *Connection) Destroy() {
	reply := make(chan struct{})
	if err := c.submit(cmdDestroy{reply: reply}); err != nil {
		return
	}
	<-reply
}

func (c *Connection) run() {
	for cmd := range c.commands {
		if d, ok := cmd.(cmdDestroy); ok {
			c.handleDestroy(d)
			return
		}
		c.dispatch(cmd)
	}
}

func (c *Connection) dispatch(cmd command) {
	switch cmd := cmd.(type) {
	case cmdConnect:
		c.handleConnect(cmd)
	case cmdVoiceStateUpdate:
		c.handleVoiceStateUpdate(cmd)
	case cmdVoiceServerUpdate:
		c.handleVoiceServerUpdate(cmd)
	case cmdGatewayEvent:
		c.handleGatewayEvent(cmd)
	case cmdGatewaySendError:
		c.emitError(errors.Wrap(cmd.err, "voice: signalling send failed"))
	case cmdGatewayResumed:
		c.gw = cmd.gw
		c.resume = true
		go c.forwardGatewayEvents(cmd.events)
	case cmdGatewayResumeFailed:
		c.teardown()
		c.setStatus(StatusDisconnected)
		c.emitError(cmd.err)
	case cmdUDPHandshakeResult:
		c.handleUDPHandshakeResult(cmd)
	case cmdUDPDatagram:
		c.handleUDPDatagram(cmd)
	case cmdHeartbeatTick:
		c.handleHeartbeatTick(cmd)
	case cmdPacerTick:
		c.handlePacerTick(cmd)
	case cmdSilenceTimeout:
		c.handleSilenceTimeout(cmd)
	case cmdPlay:
		c.handlePlay(cmd)
	case cmdStop:
		c.handleStop(cmd)
	case cmdPause:
		c.handlePause(cmd)
	case cmdUnpause:
		c.handleUnpause(cmd)
	case cmdGetSpeakStream:
		c.handleGetSpeakStream(cmd)
	case cmdGetPingMS:
		c.handleGetPingMS(cmd)
	}
}

func (c *Connection) handleVoiceStateUpdate(cmd cmdVoiceStateUpdate) {
	c.state.SessionID = cmd.update.SessionID
	c.maybeAutoConnect()
}

func (c *Connection) handleVoiceServerUpdate(cmd cmdVoiceServerUpdate) {
	c.state.Token = cmd.update.Token
	c.state.Endpoint = cmd.update.Endpoint
	c.maybeAutoConnect()
}

// maybeAutoConnect starts the signalling handshake the first time a session
// ID and a server (token + endpoint) are both known and there's no live
// signalling channel yet, so a caller feeding VoiceStateUpdate/
// VoiceServerUpdate through a Registry doesn't also need to call Connect
// itself. It's a no-op once a handshake is already underway or done.
func (c *Connection) maybeAutoConnect() {
	if c.status != StatusDisconnected {
		return
	}
	if c.state.SessionID == "" || c.state.Token == "" || c.state.Endpoint == "" {
		return
	}
	c.startConnect(context.Background(), nil, nil, false)
}

func (c *Connection) handleConnect(cmd cmdConnect) {
	if c.status == StatusReady {
		cmd.reply <- nil
		return
	}
	if c.status == StatusConnecting {
		cmd.reply <- ErrPreconditionFailed
		return
	}
	if c.state.SessionID == "" {
		cmd.reply <- ErrNoSessionID
		return
	}
	if c.state.Endpoint == "" || c.state.Token == "" {
		cmd.reply <- ErrNoServer
		return
	}

	c.startConnect(cmd.ctx, cmd.reply, cmd.onReady, cmd.resume)
}

// startConnect moves the state machine to connecting and dials the
// signalling channel. reply is nil when driven by maybeAutoConnect rather
// than an explicit Connect call; failConnect accounts for that.
func (c *Connection) startConnect(ctx context.Context, reply chan error, onReady func(), resume bool) {
	c.connectCtx = ctx
	c.connectReply = reply
	c.onReady = onReady
	c.resume = resume
	c.setStatus(StatusConnecting)

	c.gw = voicegateway.New(c.state, resume)
	gwEvents, err := c.gw.Connect(ctx)
	if err != nil {
		c.failConnect(errors.Wrap(err, "voice: failed to dial signalling channel"))
		return
	}
	go c.forwardGatewayEvents(gwEvents)
}

// failConnect aborts an in-flight Connect attempt, returning the state
// machine to disconnected. If a caller is blocked in Connect, the error is
// replied to them; otherwise (the maybeAutoConnect path has no caller to
// reply to) it's surfaced as an Error event instead.
func (c *Connection) failConnect(err error) {
	c.setStatus(StatusDisconnected)
	if c.connectReply != nil {
		c.connectReply <- err
		c.connectReply = nil
		return
	}
	c.emitError(err)
}

func (c *Connection) forwardGatewayEvents(events <-chan voicegateway.Event) {
	for ev := range events {
		if c.submit(cmdGatewayEvent{event: ev}) != nil {
			return
		}
	}
}

func (c *Connection) handleGatewayEvent(cmd cmdGatewayEvent) {
	switch data := cmd.event.Data.(type) {
	case *voicegateway.HelloEvent:
		c.startHeartbeat(time.Duration(data.HeartbeatIntervalMs) * time.Millisecond)
		c.sendIdentifyOrResume()
	case *voicegateway.ReadyEvent:
		c.ssrc = data.SSRC
		c.remoteAddr = data.Addr()
		c.startUDPHandshake(c.remoteAddr, c.ssrc)
	case *voicegateway.SessionDescriptionEvent:
		c.handleSessionDescription(data)
	case *voicegateway.SpeakingEvent:
		c.handleRemoteSpeakingEvent(data)
	case *voicegateway.HeartbeatACKEvent:
		c.pingMs = time.Now().UnixMilli() - data.Nonce
		c.log.Debugf("voice: heartbeat ack ping_ms=%d", c.pingMs)
	case *voicegateway.ResumedEvent:
		c.setStatus(StatusReady)
		if c.connectReply != nil {
			c.connectReply <- nil
			c.connectReply = nil
			if c.onReady != nil {
				c.onReady()
			}
		}
	case *voicegateway.CloseInfo:
		c.handleGatewayClosed(data)
	}
}

func (c *Connection) sendIdentifyOrResume() {
	ctx := c.connectCtx
	if ctx == nil {
		ctx = context.Background()
	}
	gw, resume := c.gw, c.resume
	go func() {
		var err error
		if resume {
			err = gw.Resume(ctx)
		} else {
			err = gw.Identify(ctx)
		}
		if err != nil {
			c.submit(cmdGatewaySendError{err: err})
		}
	}()
}

func (c *Connection) startHeartbeat(interval time.Duration) {
	c.stopHeartbeat()
	stop := make(chan struct{})
	c.heartbeatStop = stop

	jitter := time.Duration(0)
	if c.cfg.heartbeatJitter > 0 {
		jitter = time.Duration(float64(interval) * c.cfg.heartbeatJitter * rand.Float64())
	}

	go func() {
		if jitter > 0 {
			select {
			case <-time.After(jitter):
			case <-stop:
				return
			}
		}
		var t lazytime.Ticker
		t.Reset(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.submit(cmdHeartbeatTick{})
			case <-stop:
				return
			}
		}
	}()
}

func (c *Connection) stopHeartbeat() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Connection) handleHeartbeatTick(cmdHeartbeatTick) {
	gw := c.gw
	if gw == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.wsTimeout)
		defer cancel()
		if err := gw.Heartbeat(ctx, time.Now().UnixMilli()); err != nil {
			c.submit(cmdGatewaySendError{err: err})
		}
	}()
}

// PingMS returns the round-trip time, in milliseconds, measured from the
// most recent heartbeat ACK. It's 0 before the first ACK has been received.
func (c *Connection) PingMS() int64 {
	reply := make(chan int64, 1)
	if err := c.submit(cmdGetPingMS{reply: reply}); err != nil {
		return 0
	}
	return <-reply
}

func (c *Connection) handleGetPingMS(cmd cmdGetPingMS) {
	cmd.reply <- c.pingMs
}

func (c *Connection) startUDPHandshake(addr string, ssrc uint32) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.wsTimeout)
		defer cancel()

		sock, err := udp.Dial(ctx, addr)
		if err != nil {
			c.submit(cmdUDPHandshakeResult{err: errors.Wrap(err, "voice: udp dial failed")})
			return
		}
		discovered, err := udp.Discover(sock.Conn(), ssrc)
		if err != nil {
			sock.Close()
			if errors.Is(err, udp.ErrProtocolViolation) {
				err = &ProtocolViolation{Detail: "malformed IP discovery response", Err: err}
			} else {
				err = errors.Wrap(err, "voice: ip discovery failed")
			}
			c.submit(cmdUDPHandshakeResult{err: err})
			return
		}
		c.submit(cmdUDPHandshakeResult{sock: sock, discovered: discovered})
	}()
}

func (c *Connection) handleUDPHandshakeResult(cmd cmdUDPHandshakeResult) {
	if cmd.err != nil {
		c.failConnect(cmd.err)
		return
	}

	c.sock = cmd.sock
	c.sock.Listen(func(b []byte) {
		data := append([]byte(nil), b...)
		c.submit(cmdUDPDatagram{data: data})
	}, func(err error) {
		c.submit(cmdGatewaySendError{err: errors.Wrap(err, "voice: udp read loop stopped")})
	})

	ctx := c.connectCtx
	if ctx == nil {
		ctx = context.Background()
	}
	gw := c.gw
	addr, port := cmd.discovered.IP, cmd.discovered.Port
	go func() {
		if err := gw.SelectProtocol(ctx, addr, port, string(crypto.ModeLite)); err != nil {
			c.submit(cmdGatewaySendError{err: err})
		}
	}()
}

func (c *Connection) handleSessionDescription(data *voicegateway.SessionDescriptionEvent) {
	mode := crypto.Mode(data.Mode)
	if mode != crypto.ModeLite {
		c.log.Errorf("voice: server negotiated mode %q, expected %q", data.Mode, crypto.ModeLite)
	}

	c.mode = mode
	c.key = crypto.Key(data.SecretKey)
	c.sender = rtp.NewSender(c.ssrc, mode, &c.key)
	c.receiver = rtp.NewReceiver(mode, &c.key)
	c.seq = 0
	c.timestamp = 0
	c.nonceCounter = 0

	c.setStatus(StatusReady)
	if c.connectReply != nil {
		c.connectReply <- nil
		c.connectReply = nil
		if c.onReady != nil {
			c.onReady()
		}
	}
}

func (c *Connection) handleRemoteSpeakingEvent(data *voicegateway.SpeakingEvent) {
	speaker := c.speakerFor(data.SSRC)
	speaker.userID = data.UserID
}

func (c *Connection) handleGatewayClosed(info *voicegateway.CloseInfo) {
	c.stopHeartbeat()

	if c.connectReply != nil {
		// The channel closed before an in-flight Connect ever reached
		// StatusReady; report the failure there instead of silently
		// resuming behind the caller's back.
		c.failConnect(errors.Wrap(info.Err, "voice: signalling channel closed during handshake"))
		return
	}

	if info.Resumable && c.status == StatusReady {
		c.setStatus(StatusConnecting)
		c.emitError(&TransportClosed{Resumable: true, Err: info.Err})

		ctx := c.connectCtx
		if ctx == nil {
			ctx = context.Background()
		}
		state := c.state
		go func() {
			gw, events, err := dialWithRetry(ctx, state)
			if err != nil {
				c.submit(cmdGatewayResumeFailed{err: errors.Wrap(err, "voice: resume dial failed")})
				return
			}
			c.submit(cmdGatewayResumed{gw: gw, events: events})
		}()
		return
	}

	c.teardown()
	c.setStatus(StatusDisconnected)
	c.emitError(&TransportClosed{Resumable: false, Err: info.Err})
}

// resumeDialAttempts and resumeDialBackoff bound the retry the resume path
// gives the dial itself: a 4015 close promises the session survives, not
// that the first reconnect attempt lands, so transient dial failures get a
// few quick retries before giving up and surfacing cmdGatewayResumeFailed.
const resumeDialAttempts = 3
const resumeDialBackoff = 500 * time.Millisecond

func dialWithRetry(ctx context.Context, state voicegateway.State) (*voicegateway.Gateway, <-chan voicegateway.Event, error) {
	var lastErr error
	for attempt := 0; attempt < resumeDialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(resumeDialBackoff):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		gw := voicegateway.New(state, true)
		events, err := gw.Connect(ctx)
		if err == nil {
			return gw, events, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func (c *Connection) teardown() {
	c.stopHeartbeat()
	c.stopPacer()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	if c.gw != nil {
		c.gw.Close()
		c.gw = nil
	}
	for _, sp := range c.speakers {
		sp.stopTimer()
	}
	c.speakers = make(map[uint32]*remoteSpeaker)
}

func (c *Connection) handleDestroy(cmd cmdDestroy) {
	c.teardown()
	c.setStatus(StatusDestroyed)

	c.destroyMu.Lock()
	c.destroyed.Store(true)
	c.destroyMu.Unlock()

	close(c.commands)
	close(c.events)

	if c.onDestroyed != nil {
		c.onDestroyed()
	}
	close(cmd.reply)
}

func (c *Connection) setStatus(s Status) {
	if c.status == s {
		return
	}
	old := c.status
	c.status = s
	c.emit(Event{StateChange: &StateChangeEvent{Old: old, New: s}})
}

func (c *Connection) setPlayerStatus(s PlayerStatus) {
	if c.playerStatus == s {
		return
	}
	old := c.playerStatus
	c.playerStatus = s
	c.emit(Event{PlayerStateChange: &PlayerStateChangeEvent{Old: old, New: s}})
}

func (c *Connection) emitError(err error) {
	c.log.Errorf("%v", err)
	c.emit(Event{Error: &ErrorEvent{Err: err}})
}

// emit delivers ev without blocking the actor: a slow or absent consumer
// drops events rather than stalling signalling/heartbeat/audio processing.
func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Errorf("voice: event channel full, dropping event")
	}
}
