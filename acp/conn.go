package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/latticehq/lattice-core/logger"
)

// ErrConnectionClosed is returned to callers whose in-flight calls were
// interrupted by the connection shutting down.
var ErrConnectionClosed = errors.New("acp: connection closed")

// Wire is the byte-record channel the connection runs over. The connection
// owns it exclusively for its lifetime; nothing else may write to it.
type Wire interface {
	Send(record []byte) error
	Records() <-chan []byte
}

// ClientHandler receives agent-initiated requests and notifications.
// Methods are invoked from the connection's dispatch goroutines; returned
// errors become RPC errors on the wire.
type ClientHandler interface {
	SessionUpdate(ctx context.Context, n *SessionNotification) error
	RequestPermission(ctx context.Context, req *RequestPermissionRequest) (*RequestPermissionResponse, error)
	ReadTextFile(ctx context.Context, req *ReadTextFileRequest) (*ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, req *WriteTextFileRequest) error
	CreateTerminal(ctx context.Context, req *CreateTerminalRequest) (*CreateTerminalResponse, error)
	TerminalOutput(ctx context.Context, req *TerminalOutputRequest) (*TerminalOutputResponse, error)
	WaitForTerminalExit(ctx context.Context, req *WaitForTerminalExitRequest) (*WaitForTerminalExitResponse, error)
	KillTerminal(ctx context.Context, req *KillTerminalRequest) error
	ReleaseTerminal(ctx context.Context, req *ReleaseTerminalRequest) error
}

// Conn speaks newline-delimited JSON-RPC over a Wire. Outbound calls are
// correlated with responses through a monotonic id counter; inbound agent
// requests are dispatched to the ClientHandler. Responses and notifications
// may interleave in any order.
type Conn struct {
	wire    Wire
	handler ClientHandler
	log     *slog.Logger

	writeMu sync.Mutex // serializes record writes

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *message
	closed  bool
	done    chan struct{}
}

// NewConn wraps a Wire and starts the read loop. Close must be called to
// release the loop and fail any in-flight calls.
func NewConn(wire Wire, handler ClientHandler) *Conn {
	c := &Conn{
		wire:    wire,
		handler: handler,
		log:     logger.WithComponent("ACP"),
		pending: make(map[int64]chan *message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and blocks until the matching response arrives, the
// context is cancelled, or the connection closes. A non-nil result is
// populated from the response payload. RPC-level faults are returned as
// *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.write(req); err != nil {
		c.forget(id)
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification without registering for a response.
func (c *Conn) Notify(method string, params any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	req := Request{JSONRPC: "2.0", Method: method, Params: params}
	if err := c.write(req); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}
	return nil
}

// Close shuts the connection down and fails all pending calls with
// ErrConnectionClosed. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = make(map[int64]chan *message)
	close(c.done)
	c.mu.Unlock()
	return nil
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.Send(data)
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.done:
			return
		case record, ok := <-c.wire.Records():
			if !ok {
				return
			}
			c.dispatch(record)
		}
	}
}

func (c *Conn) dispatch(record []byte) {
	var msg message
	if err := json.Unmarshal(record, &msg); err != nil {
		c.log.Warn("Dropping unparseable record", "error", err)
		return
	}

	switch {
	case msg.Method == "":
		c.dispatchResponse(&msg)
	case len(msg.ID) > 0:
		// Agent request: handle off the read loop so a slow handler
		// (e.g. a permission prompt) doesn't stall inbound traffic.
		go c.handleRequest(&msg)
	default:
		c.handleNotification(&msg)
	}
}

func (c *Conn) dispatchResponse(msg *message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.log.Warn("Response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("Response for unknown call", "id", id)
		return
	}
	ch <- msg
}

func (c *Conn) handleNotification(msg *message) {
	switch msg.Method {
	case "session/update":
		var n SessionNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			c.log.Warn("Malformed session/update", "error", err)
			return
		}
		if err := c.handler.SessionUpdate(context.Background(), &n); err != nil {
			c.log.Warn("Session update handler failed", "error", err)
		}
	default:
		c.log.Debug("Dropping unknown notification", "method", msg.Method)
	}
}

func (c *Conn) handleRequest(msg *message) {
	ctx := context.Background()
	result, err := c.invokeHandler(ctx, msg)

	resp := Response{JSONRPC: "2.0", ID: json.RawMessage(msg.ID)}
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		} else {
			resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
	} else {
		resp.Result = result
	}

	if err := c.write(resp); err != nil {
		c.log.Warn("Failed to write response", "method", msg.Method, "error", err)
	}
}

func (c *Conn) invokeHandler(ctx context.Context, msg *message) (any, error) {
	switch msg.Method {
	case "session/request_permission":
		var req RequestPermissionRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return c.handler.RequestPermission(ctx, &req)
	case "fs/read_text_file":
		var req ReadTextFileRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return c.handler.ReadTextFile(ctx, &req)
	case "fs/write_text_file":
		var req WriteTextFileRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return struct{}{}, c.handler.WriteTextFile(ctx, &req)
	case "terminal/create":
		var req CreateTerminalRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return c.handler.CreateTerminal(ctx, &req)
	case "terminal/output":
		var req TerminalOutputRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return c.handler.TerminalOutput(ctx, &req)
	case "terminal/wait_for_exit":
		var req WaitForTerminalExitRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return c.handler.WaitForTerminalExit(ctx, &req)
	case "terminal/kill":
		var req KillTerminalRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return struct{}{}, c.handler.KillTerminal(ctx, &req)
	case "terminal/release":
		var req ReleaseTerminalRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params"}
		}
		return struct{}{}, c.handler.ReleaseTerminal(ctx, &req)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "Method not found: " + strconv.Quote(msg.Method)}
	}
}

// Typed call helpers

// Initialize performs the protocol handshake.
func (c *Conn) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	var resp InitializeResponse
	if err := c.Call(ctx, "initialize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Authenticate runs the named auth method. Success is the absence of an
// RPC error.
func (c *Conn) Authenticate(ctx context.Context, methodID string) error {
	return c.Call(ctx, "authenticate", &AuthenticateRequest{MethodID: methodID}, nil)
}

// NewSession creates a session rooted at the given working directory.
func (c *Conn) NewSession(ctx context.Context, req *NewSessionRequest) (*NewSessionResponse, error) {
	var resp NewSessionResponse
	if err := c.Call(ctx, "session/new", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Prompt sends content blocks and blocks until the turn ends. The two
// benign fault payloads complete the call as a normal end of turn instead
// of an error.
func (c *Conn) Prompt(ctx context.Context, sessionID string, blocks []ContentBlock) (*PromptResponse, error) {
	req := &PromptRequest{SessionID: sessionID, Prompt: blocks}
	var resp PromptResponse
	if err := c.Call(ctx, "session/prompt", req, &resp); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Benign() {
			c.log.Debug("Prompt ended with benign fault", "sessionID", sessionID, "details", rpcErr.Error())
			return &PromptResponse{StopReason: StopReasonEndTurn}, nil
		}
		return nil, err
	}
	return &resp, nil
}

// Cancel sends the session/cancel notification. Best effort only.
func (c *Conn) Cancel(sessionID string) error {
	return c.Notify("session/cancel", &CancelNotification{SessionID: sessionID})
}

// SetSessionMode requests a mode change. The agent confirms asynchronously
// with a current_mode_update notification that may land before or after
// this call returns.
func (c *Conn) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	return c.Call(ctx, "session/set_mode", &SetModeRequest{SessionID: sessionID, ModeID: modeID}, nil)
}

// SetSessionModel requests a model change. No confirming notification
// exists, so callers apply the change optimistically and roll back if this
// returns an error.
func (c *Conn) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	return c.Call(ctx, "session/set_model", &SetModelRequest{SessionID: sessionID, ModelID: modelID}, nil)
}
