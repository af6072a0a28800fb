// Package liveness tracks the last-heartbeat time of every accepted
// connection and decides which ones have gone silent long enough to
// prune. It knows nothing about users or the chat protocol -- eviction
// of the bound user, if any, is the caller's job.
package liveness

import (
	"net"
	"sync"
	"time"
)

// Tracker records a last-heartbeat timestamp per connection.
type Tracker struct {
	mu        sync.Mutex
	lastSeen  map[net.Conn]time.Time
	deadAfter time.Duration
}

// New returns a Tracker that considers a connection dead once it has
// gone deadAfter without a Touch.
func New(deadAfter time.Duration) *Tracker {
	return &Tracker{
		lastSeen:  make(map[net.Conn]time.Time),
		deadAfter: deadAfter,
	}
}

// Add registers a newly accepted connection with the current time.
func (t *Tracker) Add(conn net.Conn) {
	t.Touch(conn)
}

// Touch refreshes conn's last-heartbeat time to now. Called on
// HEARTBEAT, and on every accepted opcode in general so that any client
// activity counts as liveness, not just explicit HEARTBEAT opcodes.
func (t *Tracker) Touch(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[conn] = time.Now()
}

// Remove drops conn from tracking, e.g. on GOODBYE or handler exit.
func (t *Tracker) Remove(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, conn)
}

// Contains reports whether conn is currently tracked.
func (t *Tracker) Contains(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lastSeen[conn]
	return ok
}

// All returns every currently tracked connection, regardless of age.
// Used for shutdown broadcast and Stats-style introspection.
func (t *Tracker) All() []net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := make([]net.Conn, 0, len(t.lastSeen))
	for conn := range t.lastSeen {
		conns = append(conns, conn)
	}
	return conns
}

// Sweep returns every tracked connection whose last heartbeat is older
// than deadAfter, and removes them from tracking. It does not close the
// sockets -- that's the caller's job, since closing may need to happen
// under the caller's own Store/Journal lock to update bound user state
// atomically.
func (t *Tracker) Sweep() []net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var dead []net.Conn
	for conn, last := range t.lastSeen {
		if now.Sub(last) > t.deadAfter {
			dead = append(dead, conn)
			delete(t.lastSeen, conn)
		}
	}
	return dead
}
