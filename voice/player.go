package voice

import (
	"context"
	"io"
	"time"

	"github.com/UnschooledGamer/voice/internal/lazytime"
	"github.com/UnschooledGamer/voice/rtp"
	"github.com/UnschooledGamer/voice/voicegateway"
	"github.com/pkg/errors"
)

// pacerInterval is the per-frame send interval: one Opus frame's worth of
// audio at 48kHz.
const pacerInterval = 20 * time.Millisecond

// silenceFrameCount is how many RTP frames carrying rtp.SilenceFrame are
// sent before the pacer goes idle, so the decoder on the other end doesn't
// interpret the stream cutting off mid-frame as packet loss.
const silenceFrameCount = 5

// Play starts streaming src through the pacer. It returns ErrNotReady if
// the connection hasn't completed its handshake, and ErrAlreadyPlaying if
// a source is already playing or paused — Play never swaps the active
// source out from under a running pacer; callers that want to switch
// tracks call Stop first.
func (c *Connection) Play(src AudioSource) error {
	reply := make(chan error, 1)
	if err := c.submit(cmdPlay{src: src, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Stop halts playback, draining src via Resume, and sends the
// end-of-transmission silence frames and Speaking(0).
func (c *Connection) Stop() error {
	reply := make(chan error, 1)
	if err := c.submit(cmdStop{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Pause halts the pacer and sends Speaking(0), without the silence frames
// and without draining the source; Unpause resumes from where it left off.
func (c *Connection) Pause() error {
	reply := make(chan error, 1)
	if err := c.submit(cmdPause{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Unpause resumes a paused pacer and sends Speaking(1).
func (c *Connection) Unpause() error {
	reply := make(chan error, 1)
	if err := c.submit(cmdUnpause{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

func (c *Connection) handlePlay(cmd cmdPlay) {
	if c.status != StatusReady {
		cmd.reply <- ErrNotReady
		return
	}
	if c.playerStatus != PlayerIdle {
		cmd.reply <- ErrAlreadyPlaying
		return
	}

	c.source = cmd.src
	c.setPlayerStatus(PlayerPlaying)
	c.startPacer()
	c.sendSpeakingAsync(voicegateway.Microphone)
	cmd.reply <- nil
}

func (c *Connection) handleStop(cmd cmdStop) {
	if c.playerStatus == PlayerIdle {
		cmd.reply <- ErrNotPlaying
		return
	}
	c.finishPlayback()
	cmd.reply <- nil
}

func (c *Connection) handlePause(cmd cmdPause) {
	switch c.playerStatus {
	case PlayerIdle:
		cmd.reply <- ErrNotPlaying
	case PlayerPaused:
		cmd.reply <- ErrAlreadyPaused
	default:
		c.stopPacer()
		c.setPlayerStatus(PlayerPaused)
		c.sendSpeakingAsync(0)
		cmd.reply <- nil
	}
}

func (c *Connection) handleUnpause(cmd cmdUnpause) {
	switch c.playerStatus {
	case PlayerIdle:
		cmd.reply <- ErrNotPlaying
	case PlayerPlaying:
		cmd.reply <- ErrNotPaused
	default:
		c.startPacer()
		c.setPlayerStatus(PlayerPlaying)
		c.sendSpeakingAsync(voicegateway.Microphone)
		cmd.reply <- nil
	}
}

func (c *Connection) startPacer() {
	c.stopPacer()
	stop := make(chan struct{})
	c.pacerStop = stop

	go func() {
		var t lazytime.Ticker
		t.Reset(pacerInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.submit(cmdPacerTick{})
			case <-stop:
				return
			}
		}
	}()
}

func (c *Connection) stopPacer() {
	if c.pacerStop != nil {
		close(c.pacerStop)
		c.pacerStop = nil
	}
}

func (c *Connection) handlePacerTick(cmdPacerTick) {
	if c.playerStatus != PlayerPlaying {
		return
	}

	frame, err := c.readFrame()
	if err == io.EOF {
		c.finishPlayback()
		return
	}
	if err != nil {
		c.emitError(errors.Wrap(err, "voice: audio source read failed"))
		c.finishPlayback()
		return
	}

	if err := c.sendFrame(frame); err != nil {
		c.emitError(err)
	}
}

// readFrame reads one Opus frame from the active source into the reusable
// frame buffer. AudioSource implementations are expected to buffer ahead
// of the 20ms pacer deadline; a slow Read here stalls heartbeats and
// inbound processing for this Connection along with it, since all three
// run on the same actor goroutine.
func (c *Connection) readFrame() ([]byte, error) {
	n, err := c.source.Read(c.frameBuf[:])
	if err == io.EOF {
		// A partial frame returned together with io.EOF is discarded.
		return nil, io.EOF
	}
	if n > 0 {
		return c.frameBuf[:n], nil
	}
	if err == nil {
		return nil, errors.New("voice: audio source returned 0 bytes with a nil error")
	}
	return nil, err
}

func (c *Connection) sendFrame(plaintext []byte) error {
	datagram, err := c.sender.Frame(c.seq, c.timestamp, c.nonceCounter, plaintext)
	if err != nil {
		return errors.Wrap(err, "voice: rtp encode failed")
	}
	if err := c.sock.Send(datagram); err != nil {
		return errors.Wrap(err, "voice: udp send failed")
	}
	c.seq++
	c.timestamp += rtp.SamplesPerFrame
	c.nonceCounter++
	return nil
}

func (c *Connection) finishPlayback() {
	if c.source != nil {
		c.source.Resume()
		c.source = nil
	}
	c.stopPacer()
	c.setPlayerStatus(PlayerIdle)

	for i := 0; i < silenceFrameCount; i++ {
		if err := c.sendFrame(rtp.SilenceFrame[:]); err != nil {
			c.emitError(err)
			break
		}
	}
	c.sendSpeakingAsync(0)
}

func (c *Connection) sendSpeakingAsync(flag voicegateway.SpeakingFlag) {
	gw, ssrc := c.gw, c.ssrc
	if gw == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.wsTimeout)
		defer cancel()
		if err := gw.Speaking(ctx, ssrc, flag); err != nil {
			c.submit(cmdGatewaySendError{err: err})
		}
	}()
}
