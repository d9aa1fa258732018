// Package presence tracks which users have a live connection and the channel
// their events should be pushed to.
package presence

import (
	"errors"
	"sync"
	"time"
)

// ErrChannelClosed is returned by Channel.Send once the transport is gone.
var ErrChannelClosed = errors.New("channel closed")

// Channel is the sink for pushing events to one transport session.
// Send must not block.
type Channel interface {
	ID() string
	Send(event []byte) error
}

// Connection is one live transport session for a user.
type Connection struct {
	UserID      int
	Channel     Channel
	ConnectedAt time.Time
}

// Registry maps an online user to their current connection.
// At most one connection per user is current; a newer one supersedes the older.
type Registry struct {
	mu    sync.RWMutex
	conns map[int]Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[int]Connection)}
}

// MarkOnline makes conn the current connection of its user. If another channel
// was current it is returned so the caller can drop state bound to it; the old
// transport itself is left open.
func (r *Registry) MarkOnline(conn Connection) (superseded Connection, ok bool) {
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.conns[conn.UserID]
	r.conns[conn.UserID] = conn
	if had && prev.Channel.ID() != conn.Channel.ID() {
		return prev, true
	}
	return Connection{}, false
}

// MarkOffline removes the user's entry only if channelID is still the current
// channel, so a late disconnect cannot evict a fresher session. It reports
// whether an entry was removed.
func (r *Registry) MarkOffline(userID int, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[userID]
	if !ok || cur.Channel.ID() != channelID {
		return false
	}
	delete(r.conns, userID)
	return true
}

func (r *Registry) IsOnline(userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

func (r *Registry) ChannelOf(userID int) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	if !ok {
		return nil, false
	}
	return c.Channel, true
}

// SnapshotOnlineSet returns the online users as of a single point in time.
func (r *Registry) SnapshotOnlineSet() map[int]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]struct{}, len(r.conns))
	for id := range r.conns {
		out[id] = struct{}{}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
