package voice

import (
	"context"

	"github.com/UnschooledGamer/voice/udp"
	"github.com/UnschooledGamer/voice/voicegateway"
)

// command is the sum type of every message the Connection actor goroutine
// processes. Each public method that touches actor-owned state builds one
// of these and hands it to submit; the actor is the only goroutine that
// ever reads or writes the fields referenced by a handler.
type command interface{}

type cmdConnect struct {
	ctx     context.Context
	onReady func()
	resume  bool
	reply   chan error
}

type cmdDestroy struct {
	reply chan struct{}
}

type cmdVoiceStateUpdate struct{ update VoiceStateUpdate }

type cmdVoiceServerUpdate struct{ update VoiceServerUpdate }

type cmdGatewayEvent struct{ event voicegateway.Event }

type cmdGatewaySendError struct{ err error }

// cmdGatewayResumed carries a freshly-dialed Gateway back to the actor
// after handleGatewayClosed spawned a resume attempt. The old Gateway
// (already closed by the server) is discarded in favor of this one.
type cmdGatewayResumed struct {
	gw     *voicegateway.Gateway
	events <-chan voicegateway.Event
}

// cmdGatewayResumeFailed reports that the redial spawned by
// handleGatewayClosed's resume branch could not even open a socket.
type cmdGatewayResumeFailed struct{ err error }

type cmdUDPHandshakeResult struct {
	sock       *udp.Socket
	discovered udp.Discovered
	err        error
}

type cmdUDPDatagram struct{ data []byte }

type cmdHeartbeatTick struct{}

type cmdPacerTick struct{}

type cmdSilenceTimeout struct {
	ssrc       uint32
	generation uint64
}

type cmdPlay struct {
	src   AudioSource
	reply chan error
}

type cmdStop struct{ reply chan error }

type cmdPause struct{ reply chan error }

type cmdUnpause struct{ reply chan error }

type cmdGetSpeakStream struct {
	ssrc  uint32
	reply chan *SpeakerStream
}

type cmdGetPingMS struct {
	reply chan int64
}
