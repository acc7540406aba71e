// Package presence keeps the in-memory online index. A user is online while
// at least one of their connections is registered; persistence of last-seen
// timestamps is the caller's concern.
package presence

import (
	"sync"
	"time"
)

type record struct {
	conns      map[string]struct{}
	lastSeenAt time.Time
}

type Tracker struct {
	mu    sync.RWMutex
	users map[string]*record
	nowFn func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		users: make(map[string]*record),
		nowFn: time.Now,
	}
}

// MarkOnline registers one connection of a user. It reports whether the
// user came online with this connection (had none before).
func (t *Tracker) MarkOnline(userID, connID string) (cameOnline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok {
		rec = &record{conns: make(map[string]struct{})}
		t.users[userID] = rec
	}

	cameOnline = len(rec.conns) == 0
	rec.conns[connID] = struct{}{}
	return cameOnline
}

// MarkOffline removes one connection of a user. Dropping the last connection
// sets the user offline and stamps their last-seen time; the return value
// reports that edge.
func (t *Tracker) MarkOffline(userID, connID string) (wentOffline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok {
		return false
	}
	if _, ok := rec.conns[connID]; !ok {
		return false
	}

	delete(rec.conns, connID)
	if len(rec.conns) > 0 {
		return false
	}
	rec.lastSeenAt = t.nowFn()
	return true
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.users[userID]
	return ok && len(rec.conns) > 0
}

// LastSeen returns when the user last dropped their final connection. The
// second return value is false for users never seen or still online.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.users[userID]
	if !ok || len(rec.conns) > 0 || rec.lastSeenAt.IsZero() {
		return time.Time{}, false
	}
	return rec.lastSeenAt, true
}

// Connections returns a snapshot of the user's live connection ids.
func (t *Tracker) Connections(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.users[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rec.conns))
	for id := range rec.conns {
		ids = append(ids, id)
	}
	return ids
}

// OnlineUsers returns the ids of all users with at least one connection.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.users))
	for id, rec := range t.users {
		if len(rec.conns) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
