package voice

import "io"

// FrameSize is the size of the buffer the player hands to Read on each
// 20ms tick, and so the largest Opus frame it accepts. AudioSource
// implementations decide their own internal framing; this is only the
// contract between player and source.
const FrameSize = 1275 // RFC 6716 worst-case Opus frame size.

// AudioSource is the interface a caller supplies to Play. Read is called
// once per 20ms tick; it must either return one Opus frame (any length up
// to FrameSize bytes), which is sent as one packet, or return io.EOF (any
// bytes returned together with io.EOF are discarded). A Read that blocks
// blocks the whole pacer loop for this
// Connection, so sources backed by I/O should buffer ahead of time.
type AudioSource interface {
	io.Reader

	// Resume is called once when the player stops reading from this
	// source, so a source that was blocking a producer on backpressure
	// (e.g. an internal channel or pipe) can drain and unblock it instead
	// of leaking a stuck writer.
	Resume()
}
