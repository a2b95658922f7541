package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/UnschooledGamer/voice/voicegateway"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeGatewayConn is a minimal in-memory voicegateway.Conn, duplicated
// from voicegateway's own test helper since it's unexported there.
type fakeGatewayConn struct {
	mu     sync.Mutex
	inbox  [][]byte
	outbox chan []byte
	closed bool
	code   int
}

func newFakeGatewayConn() *fakeGatewayConn {
	return &fakeGatewayConn{outbox: make(chan []byte, 32)}
}

func (f *fakeGatewayConn) push(op voicegateway.OPCode, d any) {
	b, _ := json.Marshal(voicegateway.Payload{Op: op, D: d})
	f.mu.Lock()
	f.inbox = append(f.inbox, b)
	f.mu.Unlock()
}

func (f *fakeGatewayConn) ReadMessage() (int, []byte, error) {
	for {
		f.mu.Lock()
		if f.closed {
			code := f.code
			if code == 0 {
				code = 4014
			}
			f.mu.Unlock()
			return 0, nil, &websocket.CloseError{Code: code}
		}
		if len(f.inbox) > 0 {
			msg := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return websocket.TextMessage, msg, nil
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeGatewayConn) WriteMessage(messageType int, data []byte) error {
	f.outbox <- append([]byte(nil), data...)
	return nil
}

func (f *fakeGatewayConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeGatewayConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeGatewayConn) closeWithCode(code int) {
	f.mu.Lock()
	f.closed = true
	f.code = code
	f.mu.Unlock()
}

func withFakeGatewayDial(t *testing.T, conn *fakeGatewayConn) {
	t.Helper()
	prev := voicegateway.Dial
	voicegateway.Dial = func(ctx context.Context, url string, header http.Header) (voicegateway.Conn, error) {
		return conn, nil
	}
	t.Cleanup(func() { voicegateway.Dial = prev })
}

// withFakeGatewayDialSequence hands out conns in order, one per Dial call,
// staying on the last one once exhausted. Used to simulate a resume's
// redial landing on a fresh signalling connection.
func withFakeGatewayDialSequence(t *testing.T, conns ...*fakeGatewayConn) {
	t.Helper()
	prev := voicegateway.Dial
	var mu sync.Mutex
	idx := 0
	voicegateway.Dial = func(ctx context.Context, url string, header http.Header) (voicegateway.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := conns[idx]
		if idx < len(conns)-1 {
			idx++
		}
		return c, nil
	}
	t.Cleanup(func() { voicegateway.Dial = prev })
}

func nextOutbound(t *testing.T, conn *fakeGatewayConn) voicegateway.Payload {
	t.Helper()
	select {
	case raw := <-conn.outbox:
		var p voicegateway.Payload
		require.NoError(t, json.Unmarshal(raw, &p))
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound signalling message")
		return voicegateway.Payload{}
	}
}

// fakeVoiceServer answers the IP discovery handshake and then counts
// inbound RTP datagrams on a real loopback UDP socket.
type fakeVoiceServer struct {
	pc net.PacketConn

	mu         sync.Mutex
	packets    [][]byte
	clientAddr net.Addr
}

func newFakeVoiceServer(t *testing.T) *fakeVoiceServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeVoiceServer{pc: pc}
	go s.run()
	t.Cleanup(func() { pc.Close() })
	return s
}

func (s *fakeVoiceServer) addr() *net.UDPAddr {
	return s.pc.LocalAddr().(*net.UDPAddr)
}

func (s *fakeVoiceServer) run() {
	buf := make([]byte, 1500)
	discoveryDone := false
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if !discoveryDone && n == 74 && binary.BigEndian.Uint16(buf[0:2]) == 1 {
			s.mu.Lock()
			s.clientAddr = addr
			s.mu.Unlock()

			var resp [74]byte
			binary.BigEndian.PutUint16(resp[0:2], 2)
			binary.BigEndian.PutUint16(resp[2:4], 70)
			copy(resp[8:], s.addr().IP.String())
			binary.LittleEndian.PutUint16(resp[72:74], uint16(s.addr().Port))
			s.pc.WriteTo(resp[:], addr)
			discoveryDone = true
			continue
		}

		s.mu.Lock()
		s.packets = append(s.packets, append([]byte(nil), buf[:n]...))
		s.mu.Unlock()
	}
}

func (s *fakeVoiceServer) packetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

// sendRaw writes data straight to the client's discovered UDP endpoint,
// bypassing RTP framing entirely, for tests exercising malformed inbound
// datagrams.
func (s *fakeVoiceServer) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	s.mu.Lock()
	addr := s.clientAddr
	s.mu.Unlock()
	require.NotNil(t, addr, "discovery must have completed before sending raw datagrams")

	_, err := s.pc.WriteTo(data, addr)
	require.NoError(t, err)
}

// fakeAudioSource yields n frames of data then io.EOF.
type fakeAudioSource struct {
	remaining int
	resumed   chan struct{}
}

func newFakeAudioSource(frames int) *fakeAudioSource {
	return &fakeAudioSource{remaining: frames, resumed: make(chan struct{}, 1)}
}

func (s *fakeAudioSource) Read(p []byte) (int, error) {
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	s.remaining--
	n := copy(p, []byte("opus-frame-payload"))
	return n, nil
}

func (s *fakeAudioSource) Resume() {
	select {
	case s.resumed <- struct{}{}:
	default:
	}
}

// connectTestConnection drives the fake signalling channel through a
// handshake that was already kicked off by submitTestState's auto-connect
// (VoiceStateUpdate + VoiceServerUpdate both present, no live channel),
// then waits for the resulting StateChange to StatusReady.
func connectTestConnection(t *testing.T, c *Connection, server *fakeVoiceServer, conn *fakeGatewayConn) {
	t.Helper()

	events := c.Events()

	conn.push(voicegateway.OPHello, voicegateway.HelloEvent{HeartbeatIntervalMs: 30000})
	require.Equal(t, voicegateway.OPIdentify, nextOutbound(t, conn).Op)

	conn.push(voicegateway.OPReady, voicegateway.ReadyEvent{
		SSRC: 555,
		IP:   server.addr().IP.String(),
		Port: server.addr().Port,
	})
	require.Equal(t, voicegateway.OPSelectProtocol, nextOutbound(t, conn).Op)

	conn.push(voicegateway.OPSessionDescription, voicegateway.SessionDescriptionEvent{
		Mode:      "xsalsa20_poly1305_lite",
		SecretKey: [32]byte(testSessionKey),
	})

	waitForReady(t, events)
}

func waitForReady(t *testing.T, events <-chan Event) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.StateChange != nil && ev.StateChange.New == StatusReady {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for connection to become ready")
		}
	}
}

func TestConnectionConnectHandshake(t *testing.T) {
	conn := newFakeGatewayConn()
	withFakeGatewayDial(t, conn)
	server := newFakeVoiceServer(t)

	r := NewRegistry(WithDialTimeout(2 * time.Second))
	c := r.Join(context.Background(), "guild", "user")
	c.submitTestState(t, voicegateway.State{SessionID: "session", Token: "token", Endpoint: server.addr().String()})

	connectTestConnection(t, c, server, conn)
	defer c.Destroy()

	// Calling Connect once already Ready (auto-connect having done the
	// work) is a no-op success, matching an explicit caller racing the
	// VoiceStateUpdate/VoiceServerUpdate-driven auto-connect.
	require.NoError(t, c.Connect(context.Background(), nil, false))
}

func TestAutoConnectWithoutExplicitConnect(t *testing.T) {
	conn := newFakeGatewayConn()
	withFakeGatewayDial(t, conn)
	server := newFakeVoiceServer(t)

	r := NewRegistry(WithDialTimeout(2 * time.Second))
	c := r.Join(context.Background(), "guild", "user")
	defer c.Destroy()

	events := c.Events()

	r.VoiceStateUpdate(VoiceStateUpdate{GuildID: "guild", UserID: "user", SessionID: "session"})
	r.VoiceServerUpdate(VoiceServerUpdate{GuildID: "guild", UserID: "user", Token: "token", Endpoint: server.addr().String()})

	conn.push(voicegateway.OPHello, voicegateway.HelloEvent{HeartbeatIntervalMs: 30000})
	require.Equal(t, voicegateway.OPIdentify, nextOutbound(t, conn).Op)

	conn.push(voicegateway.OPReady, voicegateway.ReadyEvent{
		SSRC: 555,
		IP:   server.addr().IP.String(),
		Port: server.addr().Port,
	})
	require.Equal(t, voicegateway.OPSelectProtocol, nextOutbound(t, conn).Op)

	conn.push(voicegateway.OPSessionDescription, voicegateway.SessionDescriptionEvent{
		Mode:      "xsalsa20_poly1305_lite",
		SecretKey: [32]byte(testSessionKey),
	})

	waitForReady(t, events)
}

// submitTestState feeds session/token/endpoint directly through the same
// command path VoiceStateUpdate/VoiceServerUpdate use, without requiring a
// Registry round trip in tests that already hold the Connection.
func (c *Connection) submitTestState(t *testing.T, s voicegateway.State) {
	t.Helper()
	require.NoError(t, c.submit(cmdVoiceStateUpdate{update: VoiceStateUpdate{SessionID: s.SessionID}}))
	require.NoError(t, c.submit(cmdVoiceServerUpdate{update: VoiceServerUpdate{Token: s.Token, Endpoint: s.Endpoint}}))
	time.Sleep(10 * time.Millisecond)
}

func TestPlayStopSendsFramesAndSilence(t *testing.T) {
	conn := newFakeGatewayConn()
	withFakeGatewayDial(t, conn)
	server := newFakeVoiceServer(t)

	r := NewRegistry(WithDialTimeout(2 * time.Second))
	c := r.Join(context.Background(), "guild", "user")
	c.submitTestState(t, voicegateway.State{SessionID: "session", Token: "token", Endpoint: server.addr().String()})
	connectTestConnection(t, c, server, conn)
	defer c.Destroy()

	src := newFakeAudioSource(1000)
	require.NoError(t, c.Play(src))
	require.ErrorIs(t, c.Play(src), ErrAlreadyPlaying)

	require.Equal(t, voicegateway.OPSpeaking, nextOutbound(t, conn).Op)

	time.Sleep(200 * time.Millisecond)
	countBeforeStop := server.packetCount()
	require.Greater(t, countBeforeStop, 0)

	require.NoError(t, c.Stop())

	select {
	case <-src.resumed:
	case <-time.After(time.Second):
		t.Fatal("Stop did not call Resume on the audio source")
	}

	require.Equal(t, voicegateway.OPSpeaking, nextOutbound(t, conn).Op)

	time.Sleep(50 * time.Millisecond)
	require.GreaterOrEqual(t, server.packetCount(), countBeforeStop+silenceFrameCount)
}

func TestPlayBeforeReadyFails(t *testing.T) {
	r := NewRegistry()
	c := r.Join(context.Background(), "guild", "user")
	defer c.Destroy()

	require.ErrorIs(t, c.Play(newFakeAudioSource(1)), ErrNotReady)
}

func TestPauseUnpause(t *testing.T) {
	conn := newFakeGatewayConn()
	withFakeGatewayDial(t, conn)
	server := newFakeVoiceServer(t)

	r := NewRegistry(WithDialTimeout(2 * time.Second))
	c := r.Join(context.Background(), "guild", "user")
	c.submitTestState(t, voicegateway.State{SessionID: "session", Token: "token", Endpoint: server.addr().String()})
	connectTestConnection(t, c, server, conn)
	defer c.Destroy()

	require.ErrorIs(t, c.Pause(), ErrNotPlaying)

	src := newFakeAudioSource(100)
	require.NoError(t, c.Play(src))
	nextOutbound(t, conn) // speaking(1)

	require.NoError(t, c.Pause())
	require.ErrorIs(t, c.Pause(), ErrAlreadyPaused)

	countAfterPause := server.packetCount()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, countAfterPause, server.packetCount())

	require.NoError(t, c.Unpause())
	time.Sleep(100 * time.Millisecond)
	require.Greater(t, server.packetCount(), countAfterPause)
}

// TestResumeRedialsAndSendsResumeOpcode exercises a 4015 (session
// invalidated) signalling close: the connection must surface a resumable
// TransportClosed, redial a fresh signalling channel behind the scenes,
// and send Resume (opcode 7) rather than Identify once the new channel's
// Hello arrives.
func TestResumeRedialsAndSendsResumeOpcode(t *testing.T) {
	conn1 := newFakeGatewayConn()
	conn2 := newFakeGatewayConn()
	withFakeGatewayDialSequence(t, conn1, conn2)
	server := newFakeVoiceServer(t)

	r := NewRegistry(WithDialTimeout(2 * time.Second))
	c := r.Join(context.Background(), "guild", "user")
	c.submitTestState(t, voicegateway.State{SessionID: "session", Token: "token", Endpoint: server.addr().String()})
	connectTestConnection(t, c, server, conn1)
	defer c.Destroy()

	events := c.Events()

	conn1.closeWithCode(voicegateway.CodeSessionInvalidated)
	waitForTransportClosed(t, events, true)

	conn2.push(voicegateway.OPHello, voicegateway.HelloEvent{HeartbeatIntervalMs: 30000})

	require.Equal(t, voicegateway.OPResume, nextOutbound(t, conn2).Op)
}

func waitForTransportClosed(t *testing.T, events <-chan Event, resumable bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Error == nil {
				continue
			}
			if tc, ok := ev.Error.Err.(*TransportClosed); ok && tc.Resumable == resumable {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for TransportClosed event")
		}
	}
}

func TestDestroyClosesEventsChannel(t *testing.T) {
	r := NewRegistry()
	c := r.Join(context.Background(), "guild", "user")

	c.Destroy()

	// The StateChange to StatusDestroyed emitted during teardown is still
	// buffered ahead of the close.
	ev, open := <-c.Events()
	require.True(t, open)
	require.NotNil(t, ev.StateChange)
	require.Equal(t, StatusDestroyed, ev.StateChange.New)

	_, stillOpen := <-c.Events()
	require.False(t, stillOpen)

	require.ErrorIs(t, c.Play(newFakeAudioSource(1)), ErrDestroyed)

	_, ok := r.Connection("guild", "user")
	require.False(t, ok)
}

// TestPingMSRecordedFromHeartbeatACK checks that the nonce a heartbeat ACK
// echoes back is turned into a round-trip time, not just logged.
func TestPingMSRecordedFromHeartbeatACK(t *testing.T) {
	conn := newFakeGatewayConn()
	withFakeGatewayDial(t, conn)
	server := newFakeVoiceServer(t)

	r := NewRegistry(WithDialTimeout(2 * time.Second))
	c := r.Join(context.Background(), "guild", "user")
	c.submitTestState(t, voicegateway.State{SessionID: "session", Token: "token", Endpoint: server.addr().String()})
	connectTestConnection(t, c, server, conn)
	defer c.Destroy()

	require.Equal(t, int64(0), c.PingMS())

	nonce := time.Now().UnixMilli() - 42
	// On the wire, an ACK's d is the bare nonce the heartbeat carried.
	conn.push(voicegateway.OPHeartbeatACK, nonce)

	require.Eventually(t, func() bool {
		return c.PingMS() >= 42
	}, 2*time.Second, 10*time.Millisecond)
}
