package voice

import (
	"context"
	"sync"
)

// VoiceStateUpdate carries the session ID an orchestration layer learns
// from its own gateway's Voice State Update event, keyed by guild and the
// local user.
type VoiceStateUpdate struct {
	GuildID   string
	UserID    string
	ChannelID string
	SessionID string
}

// VoiceServerUpdate carries the endpoint and token an orchestration layer
// learns from its own gateway's Voice Server Update event. Unlike the
// gateway event itself, UserID is required here: Voice Server Update
// carries no user ID (a guild has one voice server shared by every
// connected user), so the caller supplies its own local user ID to route
// the update to the right Connection.
type VoiceServerUpdate struct {
	GuildID  string
	UserID   string
	Token    string
	Endpoint string
}

type connKey struct {
	guildID, userID string
}

// Registry owns every live Connection, keyed by (guildID, userID). Unlike
// Connection, whose internal state is only ever touched by its own actor
// goroutine, Registry is expected to be used concurrently (orchestration
// callbacks firing on arbitrary goroutines), so it's guarded by a plain
// sync.RWMutex.
type Registry struct {
	cfg config

	mu    sync.RWMutex
	conns map[connKey]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		cfg:   cfg,
		conns: make(map[connKey]*Connection),
	}
}

// Join creates (or returns the existing) Connection for (guildID, userID).
// The returned Connection starts in StatusDisconnected and connects itself
// automatically the first time VoiceStateUpdate and VoiceServerUpdate have
// both arrived; watch Events() for the resulting StateChange. An explicit
// Connect call is only needed to wait synchronously on the handshake or to
// get an onReady callback.
func (r *Registry) Join(ctx context.Context, guildID, userID string) *Connection {
	key := connKey{guildID, userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[key]; ok {
		return c
	}

	c := newConnection(guildID, userID, r.cfg, func() {
		r.mu.Lock()
		delete(r.conns, key)
		r.mu.Unlock()
	})
	r.conns[key] = c
	return c
}

// Connection looks up an existing Connection without creating one.
func (r *Registry) Connection(guildID, userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connKey{guildID, userID}]
	return c, ok
}

// VoiceStateUpdate feeds a session ID update to the named Connection, if
// one has been Join'd. It's a no-op otherwise, matching an orchestration
// layer's gateway dispatch firing before any voice.Join call has happened.
func (r *Registry) VoiceStateUpdate(update VoiceStateUpdate) {
	c, ok := r.Connection(update.GuildID, update.UserID)
	if !ok {
		return
	}
	c.submit(cmdVoiceStateUpdate{update})
}

// VoiceServerUpdate feeds an endpoint/token update to the named
// Connection, if one has been Join'd.
func (r *Registry) VoiceServerUpdate(update VoiceServerUpdate) {
	c, ok := r.Connection(update.GuildID, update.UserID)
	if !ok {
		return
	}
	c.submit(cmdVoiceServerUpdate{update})
}
