package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/latticehq/lattice-core/acp"
	"github.com/latticehq/lattice-core/permission"
)

// FileSystem serves the agent's file requests. Implementations live in the
// application layer.
type FileSystem interface {
	ReadTextFile(ctx context.Context, path string, line, limit int) (string, error)
	WriteTextFile(ctx context.Context, path, content string) error
}

// TerminalState is a point-in-time view of a managed terminal.
type TerminalState struct {
	Output    string
	Truncated bool
	ExitCode  *int
}

// TerminalManager runs shell commands on the agent's behalf. Implementations
// live in the application layer; the coordinator only tracks the ids so it
// can kill and release them on cancel and disconnect.
type TerminalManager interface {
	Create(ctx context.Context, command string, args []string, cwd string) (string, error)
	Output(ctx context.Context, terminalID string) (TerminalState, error)
	WaitForExit(ctx context.Context, terminalID string) (int, error)
	Kill(ctx context.Context, terminalID string) error
	Release(ctx context.Context, terminalID string) error
}

func errMethodNotSupported(method string) *acp.RPCError {
	return &acp.RPCError{Code: acp.CodeMethodNotFound, Message: "Method not supported: " + method}
}

// SessionUpdate routes an inbound notification onto the update sink,
// refreshing the session snapshot where the notification carries session
// state. Unknown kinds are logged and dropped.
func (c *Coordinator) SessionUpdate(_ context.Context, n *acp.SessionNotification) error {
	u := n.Update

	switch u.Kind {
	case acp.UpdateAgentMessageChunk:
		c.emitUpdate(Update{Kind: UpdateMessageChunk, SessionID: n.SessionID, Text: contentText(u.Content)})
	case acp.UpdateAgentThoughtChunk:
		c.emitUpdate(Update{Kind: UpdateThoughtChunk, SessionID: n.SessionID, Text: contentText(u.Content)})
	case acp.UpdateUserMessageChunk:
		c.emitUpdate(Update{Kind: UpdateUserMessageChunk, SessionID: n.SessionID, Text: contentText(u.Content)})
	case acp.UpdateToolCall:
		c.emitUpdate(Update{Kind: UpdateToolCall, SessionID: n.SessionID, ToolCall: &ToolCall{ID: u.ToolCallID, Title: u.Title, Status: u.Status}})
	case acp.UpdateToolCallUpdate:
		c.emitUpdate(Update{Kind: UpdateToolCallUpdate, SessionID: n.SessionID, ToolCall: &ToolCall{ID: u.ToolCallID, Title: u.Title, Status: u.Status}})
	case acp.UpdatePlan:
		c.emitUpdate(Update{Kind: UpdatePlan, SessionID: n.SessionID, Plan: u.Entries})
	case acp.UpdateAvailableCommandsUpdate:
		c.mu.Lock()
		if c.session != nil && c.session.ID == n.SessionID {
			c.session.Commands = u.AvailableCommands
		}
		c.mu.Unlock()
		c.emitUpdate(Update{Kind: UpdateAvailableCommands, SessionID: n.SessionID, Commands: u.AvailableCommands})
	case acp.UpdateCurrentModeUpdate:
		c.mu.Lock()
		if c.session != nil && c.session.ID == n.SessionID {
			c.session.ModeID = u.CurrentModeID
		}
		c.mu.Unlock()
		c.emitUpdate(Update{Kind: UpdateCurrentMode, SessionID: n.SessionID, ModeID: u.CurrentModeID})
	default:
		c.log.Debug("ignoring unknown session update", "kind", u.Kind, "sessionID", n.SessionID)
	}
	return nil
}

func contentText(block *acp.ContentBlock) string {
	if block == nil {
		return ""
	}
	return block.Text
}

// RequestPermission suspends the agent's tool call until the user decides.
// With auto-approve enabled the queue and the display layer are bypassed
// entirely and the first allow-ish option is selected synchronously.
func (c *Coordinator) RequestPermission(ctx context.Context, req *acp.RequestPermissionRequest) (*acp.RequestPermissionResponse, error) {
	opts := permission.NormalizeOptions(req.Options)

	// Either the constructor option or the agent's registry entry enables
	// auto-approval.
	c.mu.Lock()
	autoApprove := c.autoApprove || c.agent.AutoApprove
	c.mu.Unlock()

	if autoApprove {
		opt, ok := permission.AutoSelect(opts)
		if !ok {
			return cancelledResponse(), nil
		}
		c.log.Debug("auto-approved permission request", "toolCallID", req.ToolCall.ToolCallID, "optionID", opt.ID)
		return selectedResponse(opt.ID), nil
	}

	preq := permission.Request{
		ID:         uuid.NewString(),
		ToolCallID: req.ToolCall.ToolCallID,
		Options:    opts,
	}

	select {
	case outcome := <-c.queue.Enqueue(preq):
		if outcome.Cancelled {
			return cancelledResponse(), nil
		}
		return selectedResponse(outcome.OptionID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func selectedResponse(optionID string) *acp.RequestPermissionResponse {
	return &acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Outcome: acp.OutcomeSelected, OptionID: optionID},
	}
}

func cancelledResponse() *acp.RequestPermissionResponse {
	return &acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Outcome: acp.OutcomeCancelled},
	}
}

// ReadTextFile serves fs/read_text_file through the configured FileSystem.
func (c *Coordinator) ReadTextFile(ctx context.Context, req *acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error) {
	if c.fs == nil {
		return nil, errMethodNotSupported("fs/read_text_file")
	}
	content, err := c.fs.ReadTextFile(ctx, req.Path, req.Line, req.Limit)
	if err != nil {
		return nil, err
	}
	return &acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves fs/write_text_file through the configured FileSystem.
func (c *Coordinator) WriteTextFile(ctx context.Context, req *acp.WriteTextFileRequest) error {
	if c.fs == nil {
		return errMethodNotSupported("fs/write_text_file")
	}
	return c.fs.WriteTextFile(ctx, req.Path, req.Content)
}

// CreateTerminal serves terminal/create and tracks the id for cleanup.
func (c *Coordinator) CreateTerminal(ctx context.Context, req *acp.CreateTerminalRequest) (*acp.CreateTerminalResponse, error) {
	if c.terminals == nil {
		return nil, errMethodNotSupported("terminal/create")
	}
	id, err := c.terminals.Create(ctx, req.Command, req.Args, req.Cwd)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.trackedTerminals[id] = struct{}{}
	c.mu.Unlock()

	return &acp.CreateTerminalResponse{TerminalID: id}, nil
}

// TerminalOutput serves terminal/output.
func (c *Coordinator) TerminalOutput(ctx context.Context, req *acp.TerminalOutputRequest) (*acp.TerminalOutputResponse, error) {
	if c.terminals == nil {
		return nil, errMethodNotSupported("terminal/output")
	}
	state, err := c.terminals.Output(ctx, req.TerminalID)
	if err != nil {
		return nil, err
	}
	resp := &acp.TerminalOutputResponse{Output: state.Output, Truncated: state.Truncated}
	if state.ExitCode != nil {
		resp.ExitStatus = &acp.TerminalExitStatus{ExitCode: state.ExitCode}
	}
	return resp, nil
}

// WaitForTerminalExit serves terminal/wait_for_exit.
func (c *Coordinator) WaitForTerminalExit(ctx context.Context, req *acp.WaitForTerminalExitRequest) (*acp.WaitForTerminalExitResponse, error) {
	if c.terminals == nil {
		return nil, errMethodNotSupported("terminal/wait_for_exit")
	}
	code, err := c.terminals.WaitForExit(ctx, req.TerminalID)
	if err != nil {
		return nil, err
	}
	return &acp.WaitForTerminalExitResponse{ExitCode: &code}, nil
}

// KillTerminal serves terminal/kill. The id stays tracked until release.
func (c *Coordinator) KillTerminal(ctx context.Context, req *acp.KillTerminalRequest) error {
	if c.terminals == nil {
		return errMethodNotSupported("terminal/kill")
	}
	return c.terminals.Kill(ctx, req.TerminalID)
}

// ReleaseTerminal serves terminal/release and drops the id from tracking.
func (c *Coordinator) ReleaseTerminal(ctx context.Context, req *acp.ReleaseTerminalRequest) error {
	if c.terminals == nil {
		return errMethodNotSupported("terminal/release")
	}

	c.mu.Lock()
	delete(c.trackedTerminals, req.TerminalID)
	c.mu.Unlock()

	return c.terminals.Release(ctx, req.TerminalID)
}
