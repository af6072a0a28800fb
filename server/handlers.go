package server

import (
	"net"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/ToppleKek/chatd/journal"
	"github.com/ToppleKek/chatd/protocol"
	"github.com/ToppleKek/chatd/store"
)

// Local aliases keep the switch in dispatch readable without repeating
// the protocol package prefix on every case.
const (
	opSendMessage   = protocol.SendMessage
	opDeleteMessage = protocol.DeleteMessage
	opGetMessages   = protocol.GetMessages
	opGetUsers      = protocol.GetUsers
	opSetStatus     = protocol.SetStatus
	opLogin         = protocol.Login
	opLogout        = protocol.Logout
	opRegister      = protocol.Register
	opGoodbye       = protocol.Goodbye
	opHeartbeat     = protocol.Heartbeat
	opGetGroups     = protocol.GetGroups
	opRegisterGroup = protocol.RegisterGroup
)

// readOpcode reads the single opcode byte that starts every request. It
// blocks with no deadline: an idle connection is reclaimed by the
// liveness sweep forcing the socket closed, not by this read timing out.
func readOpcode(conn net.Conn) (protocol.Opcode, error) {
	b, err := protocol.ReadByte(conn, 0)
	return protocol.Opcode(b), err
}

// dispatch routes one opcode to its handler. Called with s.mu held.
func (s *Server) dispatch(conn net.Conn, op protocol.Opcode) {
	switch op {
	case opSendMessage:
		s.handleSendMessage(conn)
	case opDeleteMessage:
		s.handleDeleteMessage(conn)
	case opGetMessages:
		s.handleGetMessages(conn)
	case opGetUsers:
		s.handleGetUsers(conn)
	case opSetStatus:
		s.handleSetStatus(conn)
	case opLogin:
		s.handleLogin(conn)
	case opLogout:
		s.handleLogout(conn)
	case opRegister:
		s.handleRegister(conn)
	case opGoodbye:
		s.handleGoodbye(conn)
	case opHeartbeat:
		s.handleHeartbeat(conn)
	case opGetGroups:
		s.handleGetGroups(conn)
	case opRegisterGroup:
		s.handleRegisterGroup(conn)
	default:
		jww.WARN.Printf("unknown opcode %d, ignoring", op)
	}
}

// allocateID journals UPDATE_ID for a freshly incremented counter value
// and returns it, mirroring the source's allocate_id(): journal first,
// then return.
func (s *Server) allocateID() int64 {
	id := s.store.NextID()
	s.journal.Append(journal.Record{Type: journal.UpdateID, ID: uint32(id)})
	return id
}

func (s *Server) timeout() time.Duration {
	return s.cfg.FieldReadTimeout
}

// REGISTER reads one unframed payload (up to MaxNameLength bytes) and
// treats it as the candidate name -- no length prefix, the read length
// is whatever arrived in the first packet. Duplicate names are rejected
// without journaling anything.
func (s *Server) handleRegister(conn net.Conn) {
	name, err := protocol.ReadUnframed(conn, s.cfg.MaxNameLength, s.timeout())
	if err != nil {
		return
	}

	if name == "" {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	if _, exists := s.store.FindUserByName(name); exists {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	s.journal.Append(journal.Record{Type: journal.NewUser, Name: name})
	s.store.AddUser(name)
	protocol.WriteStatus(conn, protocol.Success)
}

// LOGIN reads an unframed name using the same convention as REGISTER. A
// missing or already-logged-in user gets session id -1 and
// INVALID_REQUEST; otherwise a new session id is allocated and bound to
// this connection.
func (s *Server) handleLogin(conn net.Conn) {
	name, err := protocol.ReadUnframed(conn, s.cfg.MaxNameLength, s.timeout())
	if err != nil {
		return
	}

	u, ok := s.store.FindUserByName(name)
	if !ok || u.LoggedIn {
		protocol.WriteInt32(conn, -1)
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	id := s.allocateID()
	u.Status = "Online"
	u.LoggedIn = true
	u.SessionID = id
	u.Conn = conn

	protocol.WriteInt32(conn, int32(id))
	protocol.WriteStatus(conn, protocol.Success)
}

// LOGOUT releases the caller's session without touching the journal --
// login state is never durable, only the user/group/message graph is.
func (s *Server) handleLogout(conn net.Conn) {
	id, err := protocol.ReadInt32(conn, s.timeout())
	if err != nil {
		return
	}

	u, ok := s.store.Authenticated(int64(id), conn)
	if !ok {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	u.Logout()
	protocol.WriteStatus(conn, protocol.Success)
}

// SET_STATUS authenticates, replies SUCCESS to signal the client to
// send its payload, then validates the unframed status string's length.
func (s *Server) handleSetStatus(conn net.Conn) {
	id, err := protocol.ReadInt32(conn, s.timeout())
	if err != nil {
		return
	}

	u, ok := s.store.Authenticated(int64(id), conn)
	if !ok {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	protocol.WriteStatus(conn, protocol.Success)

	status, err := protocol.ReadUnframed(conn, s.cfg.MaxStatusLength+1, s.timeout())
	if err != nil {
		return
	}

	if len(status) == 0 || len(status) > s.cfg.MaxStatusLength {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	u.Status = status
	protocol.WriteStatus(conn, protocol.Success)
}

// SEND_MESSAGE authenticates, replies SUCCESS, then reads the recipient
// tag, recipient name, and content. A user recipient gets one allocated
// id; a group recipient gets a single journaled NEW_MESSAGE fanned out
// to one freshly-allocated-id Message per member.
func (s *Server) handleSendMessage(conn net.Conn) {
	id, err := protocol.ReadInt32(conn, s.timeout())
	if err != nil {
		return
	}

	sender, ok := s.store.Authenticated(int64(id), conn)
	if !ok {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	protocol.WriteStatus(conn, protocol.Success)

	recipientTypeByte, err := protocol.ReadByte(conn, s.timeout())
	if err != nil {
		return
	}
	recipientName, err := protocol.ReadString(conn, s.timeout())
	if err != nil {
		return
	}
	content, err := protocol.ReadString(conn, s.timeout())
	if err != nil {
		return
	}

	if len(content) == 0 || len(content) > s.cfg.MaxMessageLength {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	switch protocol.RecipientType(recipientTypeByte) {
	case protocol.RecipientUser:
		if _, ok := s.store.FindUserByName(recipientName); !ok {
			protocol.WriteStatus(conn, protocol.InvalidRequest)
			return
		}

		msgID := s.allocateID()
		s.journal.Append(journal.Record{
			Type:          journal.NewMessage,
			Sender:        sender.Name,
			RecipientType: uint32(protocol.RecipientUser),
			Recipient:     recipientName,
			Content:       content,
		})
		s.store.AddMessage(&store.Message{
			ID:            msgID,
			Content:       content,
			Sender:        sender.Name,
			RecipientType: protocol.RecipientUser,
			Recipient:     recipientName,
		})

	case protocol.RecipientGroup:
		g, ok := s.store.FindGroupByName(recipientName)
		if !ok {
			protocol.WriteStatus(conn, protocol.InvalidRequest)
			return
		}

		// A single NEW_MESSAGE record covers the whole send; the
		// per-member fan-out below is not individually journaled and
		// is re-derived from current group membership on replay.
		s.journal.Append(journal.Record{
			Type:          journal.NewMessage,
			Sender:        sender.Name,
			RecipientType: uint32(protocol.RecipientGroup),
			Recipient:     g.Name,
			Content:       content,
		})

		for _, member := range g.Members {
			msgID := s.allocateID()
			s.store.AddMessage(&store.Message{
				ID:            msgID,
				Content:       content,
				Sender:        sender.Name,
				RecipientType: protocol.RecipientUser,
				Recipient:     member,
			})
		}

	default:
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	protocol.WriteStatus(conn, protocol.Success)
}

// DELETE_MESSAGE only the message's recipient may delete it.
func (s *Server) handleDeleteMessage(conn net.Conn) {
	id, err := protocol.ReadInt32(conn, s.timeout())
	if err != nil {
		return
	}

	caller, ok := s.store.Authenticated(int64(id), conn)
	if !ok {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	protocol.WriteStatus(conn, protocol.Success)

	msgID, err := protocol.ReadUint32(conn, s.timeout())
	if err != nil {
		return
	}

	msg, ok := s.store.FindMessageByID(int64(msgID))
	if !ok {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	if msg.Recipient != caller.Name {
		protocol.WriteStatus(conn, protocol.Unauthorized)
		return
	}

	s.journal.Append(journal.Record{Type: journal.DeleteMessage, ID: msgID})
	s.store.RemoveMessage(int64(msgID))
	protocol.WriteStatus(conn, protocol.Success)
}

// GET_USERS distinguishes an unknown session (INVALID_REQUEST) from a
// session id held by a user bound to a different connection
// (UNAUTHORIZED). Logout clears the session id, so an id presented after
// its user logged out is unknown and gets INVALID_REQUEST.
func (s *Server) handleGetUsers(conn net.Conn) {
	id, err := protocol.ReadInt32(conn, s.timeout())
	if err != nil {
		return
	}

	caller, ok, unauthorized := s.authenticateDistinguishing(int64(id), conn)
	if !ok {
		if unauthorized {
			protocol.WriteStatus(conn, protocol.Unauthorized)
		} else {
			protocol.WriteStatus(conn, protocol.InvalidRequest)
		}
		return
	}

	caller.LastHeartbeat = time.Now().Unix()
	protocol.WriteStatus(conn, protocol.Success)

	users := s.store.Users()
	if err := protocol.WriteUint32(conn, uint32(len(users))); err != nil {
		return
	}
	for _, u := range users {
		if err := protocol.WriteString(conn, u.Name); err != nil {
			return
		}
		if err := protocol.WriteString(conn, u.Status); err != nil {
			return
		}
	}

	protocol.WriteStatus(conn, protocol.Success)
}

// GET_GROUPS is symmetric to GET_USERS.
func (s *Server) handleGetGroups(conn net.Conn) {
	id, err := protocol.ReadInt32(conn, s.timeout())
	if err != nil {
		return
	}

	_, ok, unauthorized := s.authenticateDistinguishing(int64(id), conn)
	if !ok {
		if unauthorized {
			protocol.WriteStatus(conn, protocol.Unauthorized)
		} else {
			protocol.WriteStatus(conn, protocol.InvalidRequest)
		}
		return
	}

	protocol.WriteStatus(conn, protocol.Success)

	groups := s.store.Groups()
	if err := protocol.WriteUint32(conn, uint32(len(groups))); err != nil {
		return
	}
	for _, g := range groups {
		if err := protocol.WriteString(conn, g.Name); err != nil {
			return
		}
		if err := protocol.WriteUint32(conn, uint32(len(g.Members))); err != nil {
			return
		}
		for _, m := range g.Members {
			if err := protocol.WriteString(conn, m); err != nil {
				return
			}
		}
	}

	protocol.WriteStatus(conn, protocol.Success)
}

// GET_MESSAGES returns every stored message addressed to the caller.
func (s *Server) handleGetMessages(conn net.Conn) {
	id, err := protocol.ReadInt32(conn, s.timeout())
	if err != nil {
		return
	}

	caller, ok, unauthorized := s.authenticateDistinguishing(int64(id), conn)
	if !ok {
		if unauthorized {
			protocol.WriteStatus(conn, protocol.Unauthorized)
		} else {
			protocol.WriteStatus(conn, protocol.InvalidRequest)
		}
		return
	}

	protocol.WriteStatus(conn, protocol.Success)

	msgs := s.store.MessagesFor(caller.Name)
	if err := protocol.WriteUint32(conn, uint32(len(msgs))); err != nil {
		return
	}
	for _, m := range msgs {
		if err := protocol.WriteInt32(conn, int32(m.ID)); err != nil {
			return
		}
		if err := protocol.WriteString(conn, m.Sender); err != nil {
			return
		}
		if err := protocol.WriteString(conn, m.Content); err != nil {
			return
		}
	}

	protocol.WriteStatus(conn, protocol.Success)
}

// HEARTBEAT just refreshes liveness; the connection isn't tracked only
// if something has already gone wrong (e.g. concurrent eviction).
func (s *Server) handleHeartbeat(conn net.Conn) {
	if !s.liveness.Contains(conn) {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}
	s.liveness.Touch(conn)
	protocol.WriteStatus(conn, protocol.Success)
}

// GOODBYE sends no status byte: the client is closing the conversation
// on its own initiative. Removing the tracker entry and closing the
// socket here is enough -- handleConn returns right after dispatching
// GOODBYE and its deferred evict runs (logging out any bound user; a
// no-op for tracking, which is already clear).
func (s *Server) handleGoodbye(conn net.Conn) {
	s.liveness.Remove(conn)
	conn.Close()
}

// REGISTER_GROUP validates every member exists before committing
// anything: an unknown member rejects the whole group rather than
// creating it with a partial member list.
func (s *Server) handleRegisterGroup(conn net.Conn) {
	name, err := protocol.ReadString(conn, s.timeout())
	if err != nil {
		return
	}

	count, err := protocol.ReadUint32(conn, s.timeout())
	if err != nil {
		return
	}

	members := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		m, err := protocol.ReadString(conn, s.timeout())
		if err != nil {
			return
		}
		members = append(members, m)
	}

	if name == "" {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	if _, exists := s.store.FindGroupByName(name); exists {
		protocol.WriteStatus(conn, protocol.InvalidRequest)
		return
	}

	for _, m := range members {
		if _, ok := s.store.FindUserByName(m); !ok {
			protocol.WriteStatus(conn, protocol.InvalidRequest)
			return
		}
	}

	s.journal.Append(journal.Record{Type: journal.NewGroup, Name: name, Members: members})
	s.store.AddGroup(name, members)
	protocol.WriteStatus(conn, protocol.Success)
}

// authenticateDistinguishing separates "no such session" from
// "session exists but is not logged in or is bound to a different
// socket" (logout resets the session id to -1, which is never found, so
// in practice the second case is a session bound to another socket),
// which GET_USERS (and, symmetrically, GET_GROUPS and GET_MESSAGES)
// report as INVALID_REQUEST vs UNAUTHORIZED respectively.
func (s *Server) authenticateDistinguishing(sessionID int64, conn net.Conn) (u *store.User, ok bool, unauthorized bool) {
	found, exists := s.store.FindUserBySessionID(sessionID)
	if !exists {
		return nil, false, false
	}
	if !found.LoggedIn || found.Conn != conn {
		return nil, false, true
	}
	return found, true, false
}
