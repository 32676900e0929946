package coordinator

import (
	"github.com/latticehq/lattice-core/acp"
	"github.com/latticehq/lattice-core/permission"
)

// UpdateKind tags which payload field of an Update is populated.
type UpdateKind string

const (
	UpdateMessageChunk       UpdateKind = "message_chunk"
	UpdateThoughtChunk       UpdateKind = "thought_chunk"
	UpdateUserMessageChunk   UpdateKind = "user_message_chunk"
	UpdateToolCall           UpdateKind = "tool_call"
	UpdateToolCallUpdate     UpdateKind = "tool_call_update"
	UpdatePlan               UpdateKind = "plan"
	UpdateAvailableCommands  UpdateKind = "available_commands_update"
	UpdateCurrentMode        UpdateKind = "current_mode_update"
	UpdatePermissionRequest  UpdateKind = "permission_request"
	UpdatePermissionResolved UpdateKind = "permission_resolved"
)

// ToolCall is the coordinator's view of an agent tool invocation. Tool
// calls are only ever created and updated from inbound notifications.
type ToolCall struct {
	ID     string
	Title  string
	Status string
}

// Update is one event on the unified session-update sink. Kind selects
// which of the payload fields carry data.
type Update struct {
	Kind         UpdateKind
	SessionID    string
	Text         string
	ToolCall     *ToolCall
	Plan         []acp.PlanEntry
	Commands     []acp.AvailableCommand
	ModeID       string
	Permission   *permission.Request
	PermissionID string
}

// Session is a snapshot of the current session's negotiated state.
type Session struct {
	ID       string
	Cwd      string
	ModeID   string
	Modes    []acp.SessionMode
	ModelID  string
	Models   []acp.ModelInfo
	Commands []acp.AvailableCommand
}
