package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/latticehq/lattice-core/logger"
)

const (
	// HandshakeTimeout bounds socket establishment: dial plus, when an auth
	// token is configured, the handshake round trip.
	HandshakeTimeout = 30 * time.Second

	// SocketWriteTimeout is the per-record write deadline.
	SocketWriteTimeout = 10 * time.Second
)

// handshakeMessage is the auth exchange sent before protocol traffic.
type handshakeMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	OK    bool   `json:"ok,omitempty"`
}

// SocketConfig holds the configuration for connecting to a running agent.
type SocketConfig struct {
	Endpoint  string // host:port
	AuthToken string // optional; triggers the handshake exchange when set
}

// SocketTransport connects to a persistent agent endpoint and exchanges
// newline-delimited records. Socket errors and unexpected closes are
// delivered on Faults, never swallowed.
type SocketTransport struct {
	config SocketConfig
	log    *slog.Logger

	// handshakeTimeout bounds Start. Overridable in tests; defaults to
	// HandshakeTimeout.
	handshakeTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	records chan []byte
	faults  chan error
}

// NewSocketTransport creates a transport that will dial the configured
// endpoint on Start.
func NewSocketTransport(config SocketConfig) *SocketTransport {
	return &SocketTransport{
		config:           config,
		log:              logger.WithComponent("SocketTransport"),
		handshakeTimeout: HandshakeTimeout,
		records:          make(chan []byte, 64),
		faults:           make(chan error, 16),
	}
}

// Start dials the endpoint and, when an auth token is configured, performs
// the handshake exchange. The whole establishment must complete within
// HandshakeTimeout or a connection error is returned.
func (st *SocketTransport) Start(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.running {
		return nil
	}

	deadline := time.Now().Add(st.handshakeTimeout)

	st.log.Info("dialing agent", "endpoint", st.config.Endpoint)
	conn, err := net.DialTimeout("tcp", st.config.Endpoint, st.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", st.config.Endpoint, err)
	}

	// One reader for the connection's lifetime: the handshake must not
	// buffer bytes away from the read loop
	reader := bufio.NewReader(conn)

	if st.config.AuthToken != "" {
		if err := st.handshake(conn, reader, deadline); err != nil {
			conn.Close()
			return fmt.Errorf("handshake with %s: %w", st.config.Endpoint, err)
		}
	}

	// Clear the establishment deadline; reads block until traffic arrives
	conn.SetDeadline(time.Time{})

	st.conn = conn
	st.reader = reader
	st.running = true

	if st.cancel != nil {
		st.cancel()
	}
	st.ctx, st.cancel = context.WithCancel(context.WithoutCancel(ctx))

	st.log.Info("connected to agent", "endpoint", st.config.Endpoint)

	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		st.readLoop()
	}()

	return nil
}

// handshake writes the auth record and waits for the ack within the
// remaining establishment deadline.
func (st *SocketTransport) handshake(conn net.Conn, reader *bufio.Reader, deadline time.Time) error {
	conn.SetDeadline(deadline)

	hello, err := json.Marshal(handshakeMessage{Type: "handshake", Token: st.config.AuthToken})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(hello, '\n')); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading handshake ack: %w", err)
	}

	var ack handshakeMessage
	if err := json.Unmarshal([]byte(line), &ack); err != nil {
		return fmt.Errorf("parsing handshake ack: %w", err)
	}
	if ack.Type != "handshake_ack" || !ack.OK {
		return fmt.Errorf("agent rejected handshake")
	}
	return nil
}

// Send writes one record with the newline frame under a write deadline.
func (st *SocketTransport) Send(record []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.running || st.conn == nil {
		return ErrNotRunning
	}

	st.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	if _, err := st.conn.Write(normalizeRecord(record)); err != nil {
		return fmt.Errorf("writing to socket: %w", err)
	}
	return nil
}

// Records returns the inbound record stream.
func (st *SocketTransport) Records() <-chan []byte {
	return st.records
}

// Faults returns the asynchronous fault stream.
func (st *SocketTransport) Faults() <-chan error {
	return st.faults
}

// Close shuts the connection down. Safe to call more than once.
func (st *SocketTransport) Close() error {
	st.mu.Lock()
	wasRunning := st.running

	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}

	if !wasRunning {
		st.mu.Unlock()
		return nil
	}

	st.running = false
	conn := st.conn
	st.conn = nil
	st.reader = nil
	st.mu.Unlock()

	if conn != nil {
		// Unblocks the read loop
		conn.Close()
	}

	st.wg.Wait()
	return nil
}

func (st *SocketTransport) readLoop() {
	st.mu.Lock()
	reader := st.reader
	st.mu.Unlock()

	if reader == nil {
		return
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-st.ctx.Done():
				// Close() tore the connection down
				return
			default:
			}

			// A final record can arrive without its line break when the
			// peer closes right after writing. Complete and deliver it
			// before reporting the loss.
			if strings.TrimSpace(line) != "" {
				select {
				case st.records <- normalizeRecord([]byte(line)):
				case <-st.ctx.Done():
					return
				}
			}

			st.log.Warn("socket read failed", "endpoint", st.config.Endpoint, "error", err)
			select {
			case st.faults <- fmt.Errorf("connection to %s lost: %w", st.config.Endpoint, err):
			case <-st.ctx.Done():
			}
			return
		}

		if len(line) == 0 || line == "\n" {
			continue
		}

		select {
		case st.records <- normalizeRecord([]byte(line)):
		case <-st.ctx.Done():
			return
		}
	}
}
