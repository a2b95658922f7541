// Package lazytime provides small timer/ticker wrappers that can be reset
// without leaking the previous timer or ticker: Timer is reset in place,
// while Ticker.Reset stops the old ticker and starts a new one. Ticker is
// used by the playback pacer and the signalling heartbeat.
package lazytime

import "time"

// Timer wraps a time.Timer that can be (re)started with Reset without
// leaking the previous timer's goroutine, and is safe to Reset before its
// first use.
type Timer struct {
	C <-chan time.Time

	timer *time.Timer
}

// Reset (re)starts the timer to fire after d.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		t.C = t.timer.C
		return
	}
	t.Stop()
	t.timer.Reset(d)
}

// Stop stops the timer, draining any pending fire so a subsequent Reset
// doesn't observe a stale tick. It is a no-op if the timer was never
// started.
func (t *Timer) Stop() {
	if t.timer == nil {
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// Ticker wraps a time.Ticker that can be (re)started at a new period
// without leaking the previous ticker's goroutine.
type Ticker struct {
	C <-chan time.Time

	ticker *time.Ticker
}

// Reset (re)starts the ticker at period d, stopping any previous ticker
// first.
func (t *Ticker) Reset(d time.Duration) {
	t.Stop()
	t.ticker = time.NewTicker(d)
	t.C = t.ticker.C
}

// Stop stops the ticker. It is a no-op if the ticker was never started.
func (t *Ticker) Stop() {
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	t.ticker = nil
	t.C = nil
}
