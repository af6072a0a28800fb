// Package server implements the connection acceptor/dispatcher and the
// per-opcode protocol handlers described by the chat wire protocol: one
// goroutine per accepted connection, a single coarse mutex guarding the
// Store and Journal together, and a background liveness sweep that
// evicts silent connections.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/ToppleKek/chatd/config"
	"github.com/ToppleKek/chatd/journal"
	"github.com/ToppleKek/chatd/liveness"
	"github.com/ToppleKek/chatd/store"
)

// Server owns every piece of state the chat protocol touches: the
// in-memory Store, the durable Journal, the liveness tracker, and the
// listener. Store and Journal mutations are always performed while
// holding mu -- there is no finer-grained locking; a single coarse
// mutex is sufficient for this workload.
type Server struct {
	cfg *config.Config

	mu      sync.Mutex
	store   *store.Store
	journal *journal.Journal

	liveness *liveness.Tracker

	listener net.Listener
	done     chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup
}

// New wires a Server around an already-open Journal and a fresh Store.
// Call Recover before Serve to replay any existing journal contents.
func New(cfg *config.Config, j *journal.Journal) *Server {
	return &Server{
		cfg:      cfg,
		store:    store.New(),
		journal:  j,
		liveness: liveness.New(cfg.DeadAfter),
		done:     make(chan struct{}),
	}
}

// Serve binds the listen address and accepts connections until Shutdown
// is called. It blocks; call it from its own goroutine or as main's
// final call.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	jww.INFO.Printf("chatd listening on %s", s.cfg.Addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			jww.ERROR.Printf("accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener, evicts every connected client (closing
// their sockets without journaling anything -- the journal is the
// source of truth on the next restart), and waits for all connection
// and sweep goroutines to exit.
func (s *Server) Shutdown() {
	s.closeOne.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		jww.INFO.Printf("shutdown: %s", s.Stats())
		for _, conn := range s.liveness.All() {
			jww.INFO.Printf("shutdown: closing connection %s", conn.RemoteAddr())
			s.evict(conn)
		}
	})
	s.wg.Wait()
}

// Stats returns a short human-readable snapshot used for operator
// logging; it is never exposed on the wire.
func (s *Server) Stats() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf(
		"users=%d groups=%d messages=%d connections=%d",
		len(s.store.Users()), len(s.store.Groups()), s.store.MessageCount(), len(s.liveness.All()),
	)
}

// handleConn owns one accepted connection for its whole lifetime: it
// reads one opcode byte at a time (blocking -- eviction is the liveness
// sweep's job, not a read deadline on this byte) and dispatches to the
// matching handler under the coarse lock, until GOODBYE, EOF, or a
// forced close from the sweep unblocks the read with an error.
func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	jww.INFO.Printf("connection accepted: id=%s remote=%s", connID, conn.RemoteAddr())
	s.liveness.Add(conn)

	defer func() {
		s.evict(conn)
		jww.INFO.Printf("connection closed: id=%s", connID)
	}()

	for {
		op, err := readOpcode(conn)
		if err != nil {
			return
		}
		s.liveness.Touch(conn)

		s.mu.Lock()
		s.dispatch(conn, op)
		s.mu.Unlock()

		if op == opGoodbye {
			return
		}
	}
}

// evict logs out any user bound to conn (without journaling -- liveness
// eviction is never durable), removes conn from tracking, and closes
// the socket. It is idempotent: calling it twice on the same connection
// (once from the sweep, once from handleConn's own defer after the
// forced close unblocks its read) is safe.
func (s *Server) evict(conn net.Conn) {
	s.mu.Lock()
	if u, ok := s.store.FindUserByConn(conn); ok {
		u.Logout()
	}
	s.mu.Unlock()

	s.liveness.Remove(conn)
	conn.Close()
}

// sweepLoop periodically evicts connections that have gone DeadAfter
// without any opcode (HEARTBEAT or otherwise) reaching the server.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, conn := range s.liveness.Sweep() {
				jww.INFO.Printf("liveness: evicting silent connection %s", conn.RemoteAddr())
				s.evict(conn)
			}
		case <-s.done:
			return
		}
	}
}
