package voice

import "time"

// config holds the handful of tunables this core exposes. There is no
// file format for it; it's populated purely through functional options,
// the idiomatic shape for a small, code-supplied knob set.
type config struct {
	silenceTimeout  time.Duration
	wsTimeout       time.Duration
	heartbeatJitter float64
	logger          Logger
}

func defaultConfig() config {
	return config{
		silenceTimeout:  200 * time.Millisecond,
		wsTimeout:       15 * time.Second,
		heartbeatJitter: 0,
		logger:          newDefaultLogger(),
	}
}

// Option configures a Registry at construction time.
type Option func(*config)

// WithSilenceTimeout overrides how long a remote SSRC must go without a
// datagram before a SpeakEndEvent fires. The default of 200ms is chosen
// to comfortably exceed one missed 20ms frame without false-triggering
// mid-talk.
func WithSilenceTimeout(d time.Duration) Option {
	return func(c *config) { c.silenceTimeout = d }
}

// WithDialTimeout overrides the timeout applied to the UDP dial and to each
// heartbeat and Speaking send. It does not bound the signalling dial or
// how long Connect waits; Connect is bounded only by its context.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.wsTimeout = d }
}

// WithHeartbeatJitter adds up to the given fraction of the server-supplied
// heartbeat interval as random jitter to the first heartbeat, spreading
// reconnect storms across many connections started at once.
func WithHeartbeatJitter(fraction float64) Option {
	return func(c *config) { c.heartbeatJitter = fraction }
}

// WithLogger overrides the Logger used for every Connection created by a
// Registry.
func WithLogger(l Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithVerboseLogging wraps the default Logger so Debugf output also
// reaches stderr. No-op if combined with a WithLogger override applied
// after it.
func WithVerboseLogging() Option {
	return func(c *config) {
		if dl, ok := c.logger.(*defaultLogger); ok {
			c.logger = &verboseLogger{dl}
		}
	}
}
