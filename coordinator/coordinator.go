// Package coordinator owns the lifecycle of the connection to an AI agent:
// transport selection, the initialize handshake, session creation, prompt
// turns, permission serialization, and fault classification.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/latticehq/lattice-core/acp"
	"github.com/latticehq/lattice-core/config"
	"github.com/latticehq/lattice-core/faults"
	"github.com/latticehq/lattice-core/logger"
	"github.com/latticehq/lattice-core/permission"
	"github.com/latticehq/lattice-core/transport"
)

// State is the coordinator's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateError        State = "error"
)

// TransportFactory builds the transport for an agent. The default factory
// picks a process or socket transport from the agent's configuration.
type TransportFactory func(agent config.AgentConfig) transport.Transport

func defaultTransportFactory(agent config.AgentConfig) transport.Transport {
	if agent.IsProcess() {
		return transport.NewProcessTransport(transport.ProcessConfig{
			Command: agent.Command,
			Args:    agent.Args,
			Env:     agent.Env,
		})
	}
	return transport.NewSocketTransport(transport.SocketConfig{
		Endpoint:  agent.Endpoint,
		AuthToken: agent.AuthToken,
	})
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFileSystem wires the handler for the agent's fs/* requests.
func WithFileSystem(fs FileSystem) Option {
	return func(c *Coordinator) { c.fs = fs }
}

// WithTerminalManager wires the handler for the agent's terminal/* requests.
func WithTerminalManager(tm TerminalManager) Option {
	return func(c *Coordinator) { c.terminals = tm }
}

// WithTransportFactory overrides how transports are built.
func WithTransportFactory(factory TransportFactory) Option {
	return func(c *Coordinator) { c.transportFactory = factory }
}

// WithAutoApprove resolves permission requests without user involvement.
func WithAutoApprove(enabled bool) Option {
	return func(c *Coordinator) { c.autoApprove = enabled }
}

// Coordinator owns the connection to a single agent at a time: it spawns or
// dials the agent, runs the session protocol over it, serializes permission
// prompts, and classifies everything that goes wrong onto the error sink.
type Coordinator struct {
	config           *config.Config
	fs               FileSystem
	terminals        TerminalManager
	transportFactory TransportFactory
	autoApprove      bool
	log              *slog.Logger

	queue *permission.Queue

	updates chan Update
	errs    chan faults.ErrorEvent

	mu               sync.Mutex
	state            State
	agentID          string
	agent            config.AgentConfig
	transport        transport.Transport
	conn             *acp.Conn
	initialized      bool
	protocolVersion  int
	agentCaps        acp.AgentCapabilities
	authMethods      []acp.AuthMethod
	session          *Session
	trackedTerminals map[string]struct{}
	pumpDone         chan struct{}
}

// New builds a disconnected coordinator over the given agent registry.
func New(cfg *config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:           cfg,
		transportFactory: defaultTransportFactory,
		log:              logger.WithComponent("Coordinator"),
		updates:          make(chan Update, 64),
		errs:             make(chan faults.ErrorEvent, 16),
		state:            StateDisconnected,
		trackedTerminals: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = permission.NewQueue(c.announcePermission)
	return c
}

// Updates is the stream of session activity for the display layer.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates
}

// Errors is the stream of classified error events.
func (c *Coordinator) Errors() <-chan faults.ErrorEvent {
	return c.errs
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsInitialized reports whether an initialize handshake has completed and
// the connection is still up.
func (c *Coordinator) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.conn != nil
}

// CurrentAgentID returns the agent this coordinator is connected to, or ""
// when disconnected.
func (c *Coordinator) CurrentAgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Session returns a copy of the active session snapshot.
func (c *Coordinator) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// AuthMethods returns the authentication methods the agent advertised
// during initialize.
func (c *Coordinator) AuthMethods() []acp.AuthMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authMethods
}

// ProtocolVersion returns the negotiated protocol version, or 0 before the
// handshake completes.
func (c *Coordinator) ProtocolVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// AgentCapabilities returns the capabilities the agent advertised during
// initialize.
func (c *Coordinator) AgentCapabilities() acp.AgentCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentCaps
}

// Initialize connects to the named agent and runs the initialize handshake.
// Any existing connection is torn down first.
func (c *Coordinator) Initialize(ctx context.Context, agentID string) error {
	agent, ok := c.config.Agent(agentID)
	if !ok {
		ev := faults.UnknownAgent(agentID)
		c.emitError(ev)
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return fmt.Errorf("unknown agent %q", agentID)
	}

	c.queue.CancelAll()

	c.mu.Lock()
	c.teardownLocked(ctx)
	c.state = StateInitializing
	c.agentID = agentID
	c.agent = agent
	c.mu.Unlock()

	c.log.Info("initializing agent connection", "agentID", agentID)

	tr := c.transportFactory(agent)
	if err := tr.Start(ctx); err != nil {
		var ev faults.ErrorEvent
		if agent.IsProcess() {
			ev = faults.ClassifySpawn(agentID, agent.Command, err)
		} else {
			ev = faults.ClassifyConnect(agentID, agent.Endpoint, err)
		}
		c.emitError(ev)
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return fmt.Errorf("starting transport for %s: %w", agentID, err)
	}

	conn := acp.NewConn(tr, c)
	pumpDone := make(chan struct{})

	c.mu.Lock()
	c.transport = tr
	c.conn = conn
	c.pumpDone = pumpDone
	c.mu.Unlock()

	go c.pumpFaults(tr, agent, agentID, pumpDone)

	resp, err := conn.Initialize(ctx, &acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			FS: acp.FSCapability{
				ReadTextFile:  c.fs != nil,
				WriteTextFile: c.fs != nil,
			},
			Terminal: c.terminals != nil,
		},
	})
	if err != nil {
		c.classifyRPCError(agentID, err)
		c.mu.Lock()
		c.teardownLocked(ctx)
		c.state = StateError
		c.mu.Unlock()
		return fmt.Errorf("initialize with %s: %w", agentID, err)
	}

	c.mu.Lock()
	c.initialized = true
	c.protocolVersion = resp.ProtocolVersion
	c.agentCaps = resp.AgentCapabilities
	c.authMethods = resp.AuthMethods
	c.mu.Unlock()

	c.log.Info("agent initialized", "agentID", agentID, "protocolVersion", resp.ProtocolVersion)
	return nil
}

// Authenticate runs the authenticate method with one of the advertised
// method ids.
func (c *Coordinator) Authenticate(ctx context.Context, methodID string) error {
	conn, agentID, err := c.readyConn()
	if err != nil {
		return err
	}
	if err := conn.Authenticate(ctx, methodID); err != nil {
		c.classifyRPCError(agentID, err)
		return fmt.Errorf("authenticate with %s: %w", agentID, err)
	}
	return nil
}

// NewSession creates a session with the named agent, reconnecting first
// unless an initialized connection to that same agent already exists.
func (c *Coordinator) NewSession(ctx context.Context, agentID, cwd string) (*Session, error) {
	c.mu.Lock()
	reuse := c.initialized && c.conn != nil && c.agentID == agentID
	c.mu.Unlock()

	if !reuse {
		if err := c.Initialize(ctx, agentID); err != nil {
			return nil, err
		}
	}

	conn, _, err := c.readyConn()
	if err != nil {
		return nil, err
	}

	resp, err := conn.NewSession(ctx, &acp.NewSessionRequest{
		Cwd:        cwd,
		MCPServers: []acp.MCPServer{},
	})
	if err != nil {
		c.classifyRPCError(agentID, err)
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return nil, fmt.Errorf("creating session with %s: %w", agentID, err)
	}

	sess := &Session{ID: resp.SessionID, Cwd: cwd}
	if resp.Modes != nil {
		sess.ModeID = resp.Modes.CurrentModeID
		sess.Modes = resp.Modes.AvailableModes
	}
	if resp.Models != nil {
		sess.ModelID = resp.Models.CurrentModelID
		sess.Models = resp.Models.AvailableModels
	}

	c.mu.Lock()
	c.session = sess
	c.state = StateReady
	c.mu.Unlock()

	c.log.Info("session created", "agentID", agentID, "sessionID", resp.SessionID)
	snapshot := *sess
	return &snapshot, nil
}

// SendPrompt submits a user turn and blocks until the agent reports a stop
// reason. Streaming output arrives on Updates while this call is in flight.
func (c *Coordinator) SendPrompt(ctx context.Context, text string) (string, error) {
	conn, agentID, err := c.readyConn()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return "", errors.New("no active session")
	}
	sessionID := c.session.ID
	c.mu.Unlock()

	resp, err := conn.Prompt(ctx, sessionID, []acp.ContentBlock{acp.TextBlock(text)})
	if err != nil {
		return "", fmt.Errorf("prompt to %s: %w", agentID, err)
	}
	return resp.StopReason, nil
}

// Cancel interrupts the in-flight turn: it notifies the agent, fails every
// queued permission prompt, and stops any terminals the agent started. The
// connection stays up.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	var sessionID string
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.mu.Unlock()

	if conn != nil && sessionID != "" {
		if err := conn.Cancel(sessionID); err != nil {
			c.log.Warn("cancel notification failed", "sessionID", sessionID, "error", err)
		}
	}

	c.queue.CancelAll()
	c.releaseTerminals(ctx)
	return nil
}

// Disconnect tears the connection down and returns to the disconnected
// state. Pending permission prompts resolve as cancelled first so no agent
// request is left hanging on a dead connection.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.queue.CancelAll()

	c.mu.Lock()
	c.teardownLocked(ctx)
	c.state = StateDisconnected
	c.agentID = ""
	c.agent = config.AgentConfig{}
	c.mu.Unlock()

	c.log.Info("disconnected")
	return nil
}

// RespondToPermission resolves a pending permission request with the chosen
// option and emits a resolution update.
func (c *Coordinator) RespondToPermission(requestID, optionID string) error {
	if err := c.queue.Resolve(requestID, optionID); err != nil {
		return err
	}
	c.emitUpdate(Update{Kind: UpdatePermissionResolved, PermissionID: requestID})
	return nil
}

// SetSessionMode switches the session mode, applying the change optimistically
// and rolling it back if the agent rejects it.
func (c *Coordinator) SetSessionMode(ctx context.Context, modeID string) error {
	conn, agentID, err := c.readyConn()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return errors.New("no active session")
	}
	sessionID := c.session.ID
	prev := c.session.ModeID
	c.session.ModeID = modeID
	c.mu.Unlock()

	if err := conn.SetSessionMode(ctx, sessionID, modeID); err != nil {
		c.mu.Lock()
		if c.session != nil && c.session.ID == sessionID {
			c.session.ModeID = prev
		}
		c.mu.Unlock()
		return fmt.Errorf("setting mode on %s: %w", agentID, err)
	}
	return nil
}

// SetSessionModel switches the session model with the same optimistic
// apply-then-rollback handling as SetSessionMode.
func (c *Coordinator) SetSessionModel(ctx context.Context, modelID string) error {
	conn, agentID, err := c.readyConn()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return errors.New("no active session")
	}
	sessionID := c.session.ID
	prev := c.session.ModelID
	c.session.ModelID = modelID
	c.mu.Unlock()

	if err := conn.SetSessionModel(ctx, sessionID, modelID); err != nil {
		c.mu.Lock()
		if c.session != nil && c.session.ID == sessionID {
			c.session.ModelID = prev
		}
		c.mu.Unlock()
		return fmt.Errorf("setting model on %s: %w", agentID, err)
	}
	return nil
}

func (c *Coordinator) readyConn() (*acp.Conn, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.initialized {
		return nil, "", errors.New("not connected to an agent")
	}
	return c.conn, c.agentID, nil
}

// teardownLocked releases the connection and transport. Callers hold c.mu.
func (c *Coordinator) teardownLocked(ctx context.Context) {
	if c.pumpDone != nil {
		close(c.pumpDone)
		c.pumpDone = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.log.Warn("transport close failed", "agentID", c.agentID, "error", err)
		}
		c.transport = nil
	}
	if c.terminals != nil && len(c.trackedTerminals) > 0 {
		for id := range c.trackedTerminals {
			if err := c.terminals.Kill(ctx, id); err != nil {
				c.log.Debug("terminal kill failed", "terminalID", id, "error", err)
			}
			if err := c.terminals.Release(ctx, id); err != nil {
				c.log.Debug("terminal release failed", "terminalID", id, "error", err)
			}
		}
		c.trackedTerminals = make(map[string]struct{})
	}
	c.initialized = false
	c.session = nil
	c.authMethods = nil
	c.protocolVersion = 0
	c.agentCaps = acp.AgentCapabilities{}
}

func (c *Coordinator) releaseTerminals(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.trackedTerminals))
	for id := range c.trackedTerminals {
		ids = append(ids, id)
	}
	c.trackedTerminals = make(map[string]struct{})
	tm := c.terminals
	c.mu.Unlock()

	if tm == nil {
		return
	}
	for _, id := range ids {
		if err := tm.Kill(ctx, id); err != nil {
			c.log.Debug("terminal kill failed", "terminalID", id, "error", err)
		}
		if err := tm.Release(ctx, id); err != nil {
			c.log.Debug("terminal release failed", "terminalID", id, "error", err)
		}
	}
}

// pumpFaults turns transport faults into classified error events. It stops
// when the transport's fault channel closes or the connection is torn down.
func (c *Coordinator) pumpFaults(tr transport.Transport, agent config.AgentConfig, agentID string, done chan struct{}) {
	for {
		select {
		case err, ok := <-tr.Faults():
			if !ok {
				return
			}
			var ev faults.ErrorEvent
			var exitErr *transport.ExitError
			if errors.As(err, &exitErr) {
				ev = faults.ClassifyExit(agentID, agent.Command, exitErr.Code, exitErr.Stderr)
			} else {
				ev = faults.ClassifySocket(agentID, agent.Endpoint, err)
			}
			// Fail in-flight calls first so no caller stays blocked on a
			// dead connection, then surface the event.
			c.mu.Lock()
			if c.transport == tr {
				c.state = StateError
				c.initialized = false
				if c.conn != nil {
					c.conn.Close()
				}
			}
			c.mu.Unlock()

			c.emitError(ev)
		case <-done:
			return
		}
	}
}

func (c *Coordinator) classifyRPCError(agentID string, err error) {
	var rpcErr *acp.RPCError
	if !errors.As(err, &rpcErr) {
		return
	}
	ev := faults.ClassifyRPC(agentID, rpcErr)
	if faults.IsBenign(ev) {
		return
	}
	c.emitError(ev)
}

// announcePermission is the queue's activation callback: it surfaces the
// newly active request on the update stream.
func (c *Coordinator) announcePermission(req permission.Request) {
	preq := req
	c.emitUpdate(Update{Kind: UpdatePermissionRequest, Permission: &preq, PermissionID: req.ID})
}

// emitUpdate never blocks; a full sink drops the update rather than stall
// the read loop.
func (c *Coordinator) emitUpdate(u Update) {
	select {
	case c.updates <- u:
	default:
		c.log.Warn("update sink full, dropping update", "kind", u.Kind)
	}
}

func (c *Coordinator) emitError(ev faults.ErrorEvent) {
	c.log.Error(ev.Title, "agentID", ev.AgentID, "category", ev.Category, "message", ev.Message)
	select {
	case c.errs <- ev:
	default:
		c.log.Warn("error sink full, dropping event", "title", ev.Title)
	}
}
