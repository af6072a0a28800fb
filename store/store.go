// Package store holds the in-memory graph of users, groups, and messages
// plus the shared ID counter. It has no internal locking: package server
// serializes every mutation with a single coarse mutex shared with the
// Journal.
package store

import (
	"net"

	"github.com/ToppleKek/chatd/protocol"
)

// User is a registered account. A name designates exactly one User for
// the lifetime of the journal -- no renames, no deletes.
type User struct {
	Name          string
	Status        string
	LoggedIn      bool
	SessionID     int64
	Conn          net.Conn
	LastHeartbeat int64 // unix seconds; superseded by the liveness package's own tracking
}

// Group is an immutable named list of member usernames, in the order
// given at REGISTER_GROUP time. Duplicates are preserved verbatim.
type Group struct {
	Name    string
	Members []string
}

// Message is a single stored chat message. Sender and Recipient are
// carried as stable names rather than pointers to avoid dangling
// references across slice growth.
type Message struct {
	ID            int64
	Content       string
	Sender        string
	RecipientType protocol.RecipientType
	Recipient     string
}

const offline = "Offline"

// Store is the process's entire chat graph.
type Store struct {
	users    []*User
	groups   []*Group
	messages []*Message
	nextID   int64
}

// New returns an empty Store with the ID counter at zero.
func New() *Store {
	return &Store{}
}

// FindUserByName returns the user with the given name, if any.
func (s *Store) FindUserByName(name string) (*User, bool) {
	for _, u := range s.users {
		if u.Name == name {
			return u, true
		}
	}
	return nil, false
}

// FindUserBySessionID returns the user currently holding sessionID.
func (s *Store) FindUserBySessionID(sessionID int64) (*User, bool) {
	if sessionID == -1 {
		return nil, false
	}
	for _, u := range s.users {
		if u.SessionID == sessionID {
			return u, true
		}
	}
	return nil, false
}

// FindUserByConn returns the user bound to conn, if any.
func (s *Store) FindUserByConn(conn net.Conn) (*User, bool) {
	for _, u := range s.users {
		if u.Conn == conn {
			return u, true
		}
	}
	return nil, false
}

// FindGroupByName returns the group with the given name, if any.
func (s *Store) FindGroupByName(name string) (*Group, bool) {
	for _, g := range s.groups {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// FindMessageByID returns the message with the given id, if any.
func (s *Store) FindMessageByID(id int64) (*Message, bool) {
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Users returns every registered user, in registration order. The
// returned slice is a live view and must not be mutated by the caller.
func (s *Store) Users() []*User {
	return s.users
}

// Groups returns every registered group, in registration order.
func (s *Store) Groups() []*Group {
	return s.groups
}

// MessagesFor returns every stored message addressed to name, either
// directly (recipient is that user) or via a group name would already
// have been expanded to a per-member message at send time, so this is
// simply an equality check against Recipient for user-typed messages.
func (s *Store) MessagesFor(name string) []*Message {
	var out []*Message
	for _, m := range s.messages {
		if m.RecipientType == protocol.RecipientUser && m.Recipient == name {
			out = append(out, m)
		}
	}
	return out
}

// AddUser registers a new user with default fields (Offline,
// logged-out). The caller is responsible for journaling NEW_USER first.
func (s *Store) AddUser(name string) *User {
	u := &User{
		Name:      name,
		Status:    offline,
		SessionID: -1,
	}
	s.users = append(s.users, u)
	return u
}

// AddGroup registers a new immutable group. The caller must have already
// verified every member exists and journaled NEW_GROUP.
func (s *Store) AddGroup(name string, members []string) *Group {
	g := &Group{Name: name, Members: append([]string(nil), members...)}
	s.groups = append(s.groups, g)
	return g
}

// AddMessage stores a message that already has an allocated ID.
func (s *Store) AddMessage(m *Message) {
	s.messages = append(s.messages, m)
}

// RemoveMessage deletes the message with the given id, reporting whether
// it was found.
func (s *Store) RemoveMessage(id int64) bool {
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// MessageCount returns the number of currently stored (non-deleted)
// messages.
func (s *Store) MessageCount() int {
	return len(s.messages)
}

// CurrentID returns the most recently allocated id without allocating a
// new one. Used during journal recovery, where a direct message's id is
// determined by the UPDATE_ID record that already preceded it in the
// file rather than by a fresh allocation.
func (s *Store) CurrentID() int64 {
	return s.nextID
}

// NextID allocates and returns the next value of the monotonic ID
// counter. The caller is responsible for journaling UPDATE_ID with the
// returned value before using it anywhere durable.
func (s *Store) NextID() int64 {
	s.nextID++
	return s.nextID
}

// SetIDFloor advances the counter to at least id, used during journal
// replay of UPDATE_ID records so recovered state never reissues an id.
func (s *Store) SetIDFloor(id int64) {
	if id > s.nextID {
		s.nextID = id
	}
}

// Authenticated returns the user bound to sessionID iff that user is
// logged in and its Conn matches conn. A session id alone is never
// sufficient: the bound socket must match too, which is what prevents a
// peer that merely learns another client's session id from hijacking it.
func (s *Store) Authenticated(sessionID int64, conn net.Conn) (*User, bool) {
	u, ok := s.FindUserBySessionID(sessionID)
	if !ok || !u.LoggedIn || u.Conn != conn {
		return nil, false
	}
	return u, true
}

// Logout reverts a user to the logged-out state: Offline status, no
// session id, no bound connection. Used by both LOGOUT and liveness
// eviction (though eviction never journals the change).
func (u *User) Logout() {
	u.Status = offline
	u.LoggedIn = false
	u.SessionID = -1
	u.Conn = nil
}
