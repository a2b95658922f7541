package voice

import (
	"time"

	"github.com/UnschooledGamer/voice/rtp"
)

// remoteSpeaker tracks one inbound SSRC's liveness and, while it is
// speaking, the decoded-frame stream handed out by GetSpeakStream.
// Like Connection, it's only ever touched from the actor goroutine, except
// for the timer callback below, which only ever calls submit.
type remoteSpeaker struct {
	ssrc       uint32
	userID     string
	active     bool
	generation uint64
	timer      *time.Timer
	stream     *SpeakerStream
}

func (s *remoteSpeaker) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// SpeakerStream is a live feed of decoded Opus frames received from one
// remote SSRC, obtained via Connection.GetSpeakStream.
type SpeakerStream struct {
	SSRC   uint32
	frames chan []byte
}

// Frames returns the channel carrying each decoded Opus frame as it
// arrives. A slow consumer loses frames rather than stalling the
// Connection: the channel is bounded and full sends are dropped.
func (s *SpeakerStream) Frames() <-chan []byte { return s.frames }

// GetSpeakStream returns the stream for ssrc, which is opened at the
// speaker's speak-start (its first datagram since the last speak-end) and
// carries every frame received from then on. ok is false, and the
// stream is nil, both before any speak-start for that SSRC has been seen and
// after its most recent speak-end: a speaker's byte stream only exists while
// it's actively speaking.
func (c *Connection) GetSpeakStream(ssrc uint32) (stream *SpeakerStream, ok bool) {
	reply := make(chan *SpeakerStream, 1)
	if err := c.submit(cmdGetSpeakStream{ssrc: ssrc, reply: reply}); err != nil {
		return nil, false
	}
	stream = <-reply
	return stream, stream != nil
}

func (c *Connection) handleGetSpeakStream(cmd cmdGetSpeakStream) {
	speaker, ok := c.speakers[cmd.ssrc]
	if !ok || !speaker.active {
		cmd.reply <- nil
		return
	}
	if speaker.stream == nil {
		speaker.stream = &SpeakerStream{SSRC: cmd.ssrc, frames: make(chan []byte, 32)}
	}
	cmd.reply <- speaker.stream
}

func (c *Connection) speakerFor(ssrc uint32) *remoteSpeaker {
	speaker, ok := c.speakers[ssrc]
	if !ok {
		speaker = &remoteSpeaker{ssrc: ssrc}
		c.speakers[ssrc] = speaker
	}
	return speaker
}

func (c *Connection) handleUDPDatagram(cmd cmdUDPDatagram) {
	datagram := cmd.data
	if len(datagram) < rtp.HeaderSize {
		return
	}
	if rtp.IsRTCP(datagram[1]) {
		return
	}

	header, plaintext, err := c.receiver.Open(datagram)
	if err != nil {
		c.emitError(&CryptoFailure{SSRC: rtp.SSRCOf(datagram), Err: err})
		return
	}

	c.dispatchSpeaker(header.SSRC, plaintext)
}

// dispatchSpeaker feeds an inbound datagram to the remoteSpeaker already
// registered for ssrc. It never creates one: a speaker only comes into
// existence via an opcode-5 announcement (handleRemoteSpeakingEvent), so a
// datagram for an SSRC that was never announced, spoofed, stray, or simply
// not yet announced, is dropped silently.
func (c *Connection) dispatchSpeaker(ssrc uint32, payload []byte) {
	speaker, ok := c.speakers[ssrc]
	if !ok {
		return
	}

	speaker.generation++
	gen := speaker.generation
	speaker.stopTimer()
	speaker.timer = time.AfterFunc(c.cfg.silenceTimeout, func() {
		c.submit(cmdSilenceTimeout{ssrc: ssrc, generation: gen})
	})

	if !speaker.active {
		speaker.active = true
		speaker.stream = &SpeakerStream{SSRC: ssrc, frames: make(chan []byte, 32)}
		c.emit(Event{SpeakStart: &SpeakStartEvent{SSRC: ssrc, UserID: speaker.userID}})
	}

	if speaker.stream != nil {
		frame := append([]byte(nil), payload...)
		select {
		case speaker.stream.frames <- frame:
		default:
		}
	}
}

func (c *Connection) handleSilenceTimeout(cmd cmdSilenceTimeout) {
	speaker, ok := c.speakers[cmd.ssrc]
	if !ok || !speaker.active || speaker.generation != cmd.generation {
		return
	}
	speaker.active = false
	speaker.stream = nil
	c.emit(Event{SpeakEnd: &SpeakEndEvent{SSRC: cmd.ssrc, UserID: speaker.userID}})
}
