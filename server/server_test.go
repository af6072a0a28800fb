package server

import (
	"net"
	"testing"
	"time"

	"github.com/ToppleKek/chatd/config"
	"github.com/ToppleKek/chatd/journal"
	"github.com/ToppleKek/chatd/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:             "127.0.0.1:0",
		JournalPath:      "unused",
		FieldReadTimeout: time.Second,
		DeadAfter:        time.Hour,
		SweepInterval:    time.Hour,
		MaxStatusLength:  32,
		MaxMessageLength: 256,
		MaxNameLength:    4095,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := t.TempDir() + "/journal.txt"
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return New(testConfig(), j)
}

func pipeConn() (net.Conn, net.Conn) {
	return net.Pipe()
}

func expectStatus(t *testing.T, conn net.Conn, want protocol.Status) {
	t.Helper()
	b, err := protocol.ReadByte(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if protocol.Status(b) != want {
		t.Fatalf("expected status %d, got %d", want, b)
	}
}

func register(t *testing.T, conn net.Conn, name string) {
	t.Helper()
	if err := protocol.WriteByte(conn, byte(protocol.Register)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if _, err := conn.Write([]byte(name)); err != nil {
		t.Fatalf("write name: %v", err)
	}
	expectStatus(t, conn, protocol.Success)
}

func login(t *testing.T, conn net.Conn, name string) int32 {
	t.Helper()
	if err := protocol.WriteByte(conn, byte(protocol.Login)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if _, err := conn.Write([]byte(name)); err != nil {
		t.Fatalf("write name: %v", err)
	}
	id, err := protocol.ReadInt32(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("reading session id: %v", err)
	}
	expectStatus(t, conn, protocol.Success)
	return id
}

func TestRegisterThenLogin(t *testing.T) {
	srv := newTestServer(t)
	server, client := pipeConn()
	defer client.Close()
	go srv.handleConn(server)

	register(t, client, "alice")
	id := login(t, client, "alice")
	if id < 0 {
		t.Fatalf("expected a non-negative session id, got %d", id)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	srv := newTestServer(t)
	server, client := pipeConn()
	defer client.Close()
	go srv.handleConn(server)

	register(t, client, "alice")

	if err := protocol.WriteByte(client, byte(protocol.Register)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if _, err := client.Write([]byte("alice")); err != nil {
		t.Fatalf("write name: %v", err)
	}
	expectStatus(t, client, protocol.InvalidRequest)
}

func TestLoginUnknownUserFails(t *testing.T) {
	srv := newTestServer(t)
	server, client := pipeConn()
	defer client.Close()
	go srv.handleConn(server)

	if err := protocol.WriteByte(client, byte(protocol.Login)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if _, err := client.Write([]byte("ghost")); err != nil {
		t.Fatalf("write name: %v", err)
	}
	id, err := protocol.ReadInt32(client, 2*time.Second)
	if err != nil {
		t.Fatalf("reading session id: %v", err)
	}
	if id != -1 {
		t.Fatalf("expected session id -1 for a failed login, got %d", id)
	}
	expectStatus(t, client, protocol.InvalidRequest)
}

func TestSendMessageThenGetMessages(t *testing.T) {
	srv := newTestServer(t)

	aliceServer, aliceClient := pipeConn()
	defer aliceClient.Close()
	go srv.handleConn(aliceServer)
	register(t, aliceClient, "alice")
	aliceID := login(t, aliceClient, "alice")

	bobServer, bobClient := pipeConn()
	defer bobClient.Close()
	go srv.handleConn(bobServer)
	register(t, bobClient, "bob")
	bobID := login(t, bobClient, "bob")

	// SEND_MESSAGE from alice to bob.
	if err := protocol.WriteByte(aliceClient, byte(protocol.SendMessage)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := protocol.WriteInt32(aliceClient, aliceID); err != nil {
		t.Fatalf("write session id: %v", err)
	}
	expectStatus(t, aliceClient, protocol.Success)

	if err := protocol.WriteByte(aliceClient, byte(protocol.RecipientUser)); err != nil {
		t.Fatalf("write recipient type: %v", err)
	}
	if err := protocol.WriteString(aliceClient, "bob"); err != nil {
		t.Fatalf("write recipient: %v", err)
	}
	if err := protocol.WriteString(aliceClient, "hello bob"); err != nil {
		t.Fatalf("write content: %v", err)
	}
	expectStatus(t, aliceClient, protocol.Success)

	// GET_MESSAGES as bob.
	if err := protocol.WriteByte(bobClient, byte(protocol.GetMessages)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := protocol.WriteInt32(bobClient, bobID); err != nil {
		t.Fatalf("write session id: %v", err)
	}
	expectStatus(t, bobClient, protocol.Success)

	count, err := protocol.ReadUint32(bobClient, 2*time.Second)
	if err != nil {
		t.Fatalf("reading message count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 message for bob, got %d", count)
	}

	if _, err := protocol.ReadInt32(bobClient, 2*time.Second); err != nil {
		t.Fatalf("reading message id: %v", err)
	}
	sender, err := protocol.ReadString(bobClient, 2*time.Second)
	if err != nil {
		t.Fatalf("reading sender: %v", err)
	}
	if sender != "alice" {
		t.Fatalf("expected sender alice, got %q", sender)
	}
	content, err := protocol.ReadString(bobClient, 2*time.Second)
	if err != nil {
		t.Fatalf("reading content: %v", err)
	}
	if content != "hello bob" {
		t.Fatalf("expected content %q, got %q", "hello bob", content)
	}
	expectStatus(t, bobClient, protocol.Success)
}

func TestUnauthenticatedSendMessageRejected(t *testing.T) {
	srv := newTestServer(t)
	server, client := pipeConn()
	defer client.Close()
	go srv.handleConn(server)

	if err := protocol.WriteByte(client, byte(protocol.SendMessage)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := protocol.WriteInt32(client, 999); err != nil {
		t.Fatalf("write session id: %v", err)
	}
	expectStatus(t, client, protocol.InvalidRequest)
}

func TestGoodbyeClosesConnection(t *testing.T) {
	srv := newTestServer(t)
	server, client := pipeConn()
	defer client.Close()
	go srv.handleConn(server)

	if err := protocol.WriteByte(client, byte(protocol.Goodbye)); err != nil {
		t.Fatalf("write opcode: %v", err)
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected read after GOODBYE to fail once the server closes its side")
	}
}

func TestHeartbeatOnUntrackedConnFails(t *testing.T) {
	srv := newTestServer(t)
	server, client := pipeConn()
	defer client.Close()
	defer server.Close()

	// No handleConn goroutine: the liveness tracker never learns about
	// this connection, so a manual dispatch must report InvalidRequest.
	go func() {
		srv.mu.Lock()
		srv.dispatch(server, protocol.Heartbeat)
		srv.mu.Unlock()
	}()

	expectStatus(t, client, protocol.InvalidRequest)
}
