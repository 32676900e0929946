package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeAgentServer is a loopback TCP listener standing in for a running
// agent. It validates the handshake when a token is expected and then
// echoes every record back.
type fakeAgentServer struct {
	listener net.Listener
	token    string // expected token; empty disables the handshake
	ackOK    bool
	conns    chan net.Conn
}

func newFakeAgentServer(t *testing.T, token string, ackOK bool) *fakeAgentServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	s := &fakeAgentServer{listener: listener, token: token, ackOK: ackOK, conns: make(chan net.Conn, 4)}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.conns <- conn
			go s.serve(conn)
		}
	}()

	return s
}

func (s *fakeAgentServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeAgentServer) serve(conn net.Conn) {
	reader := bufio.NewReader(conn)

	if s.token != "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var msg handshakeMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return
		}
		ok := s.ackOK && msg.Type == "handshake" && msg.Token == s.token
		ack, _ := json.Marshal(handshakeMessage{Type: "handshake_ack", OK: ok})
		conn.Write(append(ack, '\n'))
		if !ok {
			conn.Close()
			return
		}
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte(line)); err != nil {
			return
		}
	}
}

func TestSocketTransport_RoundTrip(t *testing.T) {
	server := newFakeAgentServer(t, "", true)

	st := NewSocketTransport(SocketConfig{Endpoint: server.addr()})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Close()

	if err := st.Send([]byte(`{"jsonrpc":"2.0","method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case record := <-st.Records():
		got := string(record)
		if !strings.HasSuffix(got, "\n") || strings.HasSuffix(got, "\n\n") {
			t.Errorf("Record %q should end with exactly one newline", got)
		}
		if !strings.Contains(got, `"method":"ping"`) {
			t.Errorf("Record %q should carry the sent payload", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for echoed record")
	}
}

func TestSocketTransport_Handshake(t *testing.T) {
	server := newFakeAgentServer(t, "sekrit", true)

	st := NewSocketTransport(SocketConfig{Endpoint: server.addr(), AuthToken: "sekrit"})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start with valid token: %v", err)
	}
	defer st.Close()

	// Protocol traffic flows after the handshake
	if err := st.Send([]byte(`{"id":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-st.Records():
	case <-time.After(5 * time.Second):
		t.Fatal("No record after successful handshake")
	}
}

func TestSocketTransport_Handshake_Rejected(t *testing.T) {
	server := newFakeAgentServer(t, "sekrit", false)

	st := NewSocketTransport(SocketConfig{Endpoint: server.addr(), AuthToken: "sekrit"})
	err := st.Start(context.Background())
	if err == nil {
		st.Close()
		t.Fatal("Start should fail when the agent rejects the handshake")
	}
	if !strings.Contains(err.Error(), "handshake") {
		t.Errorf("Start error = %v, should mention the handshake", err)
	}
}

func TestSocketTransport_HandshakeTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	// Accept and read the hello, but never send the ack.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n')
		reader.ReadString('\n')
	}()

	st := NewSocketTransport(SocketConfig{Endpoint: listener.Addr().String(), AuthToken: "sekrit"})
	st.handshakeTimeout = 200 * time.Millisecond

	start := time.Now()
	err = st.Start(context.Background())
	if err == nil {
		st.Close()
		t.Fatal("Start should fail when the ack never arrives")
	}
	if !strings.Contains(err.Error(), "handshake") {
		t.Errorf("Start error = %v, should mention the handshake", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Start returned after %v, should honor the shortened deadline", elapsed)
	}
}

func TestSocketTransport_PartialFinalRecord(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	// Write one record without its line break, then close.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte(`{"jsonrpc":"2.0","method":"session/update"}`))
		conn.Close()
	}()

	st := NewSocketTransport(SocketConfig{Endpoint: listener.Addr().String()})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Close()

	select {
	case record := <-st.Records():
		got := string(record)
		if !strings.Contains(got, `"method":"session/update"`) {
			t.Errorf("Record %q should carry the unterminated payload", got)
		}
		if !strings.HasSuffix(got, "\n") {
			t.Errorf("Record %q should be newline-framed on delivery", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Record written without a trailing newline was never delivered")
	}

	select {
	case <-st.Faults():
	case <-time.After(5 * time.Second):
		t.Fatal("Connection loss should still surface on Faults")
	}
}

func TestSocketTransport_DialFailure(t *testing.T) {
	// Grab a port and close the listener so nothing is listening there
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	endpoint := listener.Addr().String()
	listener.Close()

	st := NewSocketTransport(SocketConfig{Endpoint: endpoint})
	if err := st.Start(context.Background()); err == nil {
		st.Close()
		t.Fatal("Start should fail when nothing is listening")
	}
}

func TestSocketTransport_ConnectionLost(t *testing.T) {
	server := newFakeAgentServer(t, "", true)

	st := NewSocketTransport(SocketConfig{Endpoint: server.addr()})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Close()

	// Sever the connection from the agent side
	select {
	case conn := <-server.conns:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("Server never saw the connection")
	}

	select {
	case fault := <-st.Faults():
		if !strings.Contains(fault.Error(), "lost") {
			t.Errorf("Fault = %v, should report connection loss", fault)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Unexpected close should surface on Faults, not be swallowed")
	}
}

func TestSocketTransport_Close_Idempotent(t *testing.T) {
	server := newFakeAgentServer(t, "", true)

	st := NewSocketTransport(SocketConfig{Endpoint: server.addr()})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("Second close: %v", err)
	}

	// A close we initiated is not a fault
	select {
	case fault := <-st.Faults():
		t.Errorf("Unexpected fault after close: %v", fault)
	case <-time.After(100 * time.Millisecond):
	}

	if err := st.Send([]byte("{}")); err == nil {
		t.Error("Send after close should fail")
	}
}

func TestSocketTransport_SendFraming(t *testing.T) {
	server := newFakeAgentServer(t, "", true)

	st := NewSocketTransport(SocketConfig{Endpoint: server.addr()})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Close()

	// A record already carrying newlines is re-framed, not double-framed
	if err := st.Send([]byte("{\"id\":1}\n\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case record := <-st.Records():
		if got := string(record); got != "{\"id\":1}\n" {
			t.Errorf("Echoed record = %q, want %q", got, "{\"id\":1}\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for echoed record")
	}
}
