package acp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSON-RPC 2.0 message types for the agent protocol

// ProtocolVersion is the protocol revision this client speaks.
const ProtocolVersion = 1

// Request represents an outgoing JSON-RPC request or notification
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"` // absent for notifications
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents an outgoing JSON-RPC response to an agent request
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the optional detail payload of an RPC error
type ErrorData struct {
	Details string `json:"details,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil && e.Data.Details != "" {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Data.Details)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Benign reports whether this fault is one of the two recognized payloads
// that end a prompt without being a real failure: the agent produced no
// response text, or the user aborted the turn on the agent side.
func (e *RPCError) Benign() bool {
	if e.Code != CodeInternalError || e.Data == nil {
		return false
	}
	details := strings.ToLower(e.Data.Details)
	return strings.Contains(details, "empty response text") ||
		strings.Contains(details, "user aborted")
}

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Agent protocol specific types

// FSCapability advertises which file-system services the client provides
type FSCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities advertised during initialize
type ClientCapabilities struct {
	FS       FSCapability `json:"fs"`
	Terminal bool         `json:"terminal"`
}

// InitializeRequest for the initialize method
type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// PromptCapabilities describes what content the agent accepts in prompts
type PromptCapabilities struct {
	Image           bool `json:"image,omitempty"`
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
}

// AgentCapabilities returned by the agent during initialize
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession,omitempty"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// AuthMethod describes one way the user can authenticate with the agent
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// InitializeResponse for the initialize result
type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods,omitempty"`
}

// AuthenticateRequest for the authenticate method. Success is signalled by
// the absence of an RPC error.
type AuthenticateRequest struct {
	MethodID string `json:"methodId"`
}

// MCPServer describes a context server made available to the session
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// NewSessionRequest for session/new
type NewSessionRequest struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// SessionMode is one entry in the agent's mode set
type SessionMode struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SessionModeState reports the current and available session modes
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// ModelInfo is one entry in the agent's model set
type ModelInfo struct {
	ModelID string `json:"modelId"`
	Name    string `json:"name,omitempty"`
}

// SessionModelState reports the current and available models
type SessionModelState struct {
	CurrentModelID  string      `json:"currentModelId"`
	AvailableModels []ModelInfo `json:"availableModels"`
}

// NewSessionResponse for the session/new result
type NewSessionResponse struct {
	SessionID string             `json:"sessionId"`
	Modes     *SessionModeState  `json:"modes,omitempty"`
	Models    *SessionModelState `json:"models,omitempty"`
}

// ContentBlock is one piece of prompt or message content
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a plain-text content block
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// PromptRequest for session/prompt
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse for the session/prompt result
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// Stop reasons reported when a prompt turn ends
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonRefusal   = "refusal"
	StopReasonMaxTokens = "max_tokens"
)

// CancelNotification for the session/cancel notification
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// SetModeRequest for session/set_mode. Confirmation arrives asynchronously
// as a current_mode_update notification, possibly after the call completes.
type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModelRequest for session/set_model. No confirming notification exists
// for this method.
type SetModelRequest struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// Session update kinds carried in session/update notifications
const (
	UpdateAgentMessageChunk       = "agent_message_chunk"
	UpdateAgentThoughtChunk       = "agent_thought_chunk"
	UpdateUserMessageChunk        = "user_message_chunk"
	UpdateToolCall                = "tool_call"
	UpdateToolCallUpdate          = "tool_call_update"
	UpdatePlan                    = "plan"
	UpdateAvailableCommandsUpdate = "available_commands_update"
	UpdateCurrentModeUpdate       = "current_mode_update"
)

// SessionUpdate is the tagged payload of a session/update notification.
// Kind selects which of the remaining fields are populated.
type SessionUpdate struct {
	Kind              string             `json:"sessionUpdate"`
	Content           *ContentBlock      `json:"content,omitempty"`
	ToolCallID        string             `json:"toolCallId,omitempty"`
	Title             string             `json:"title,omitempty"`
	Status            string             `json:"status,omitempty"`
	Entries           []PlanEntry        `json:"entries,omitempty"`
	AvailableCommands []AvailableCommand `json:"availableCommands,omitempty"`
	CurrentModeID     string             `json:"currentModeId,omitempty"`
}

// PlanEntry is one step of an agent-reported plan
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// AvailableCommand is one slash-style command the agent currently accepts
type AvailableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionNotification for the session/update notification
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// Agent-to-client request types

// PermissionOption is one choice offered in a permission prompt
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// ToolCallRef identifies the tool call a permission prompt is about
type ToolCallRef struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
}

// RequestPermissionRequest for session/request_permission
type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcomes
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// RequestPermissionOutcome reports the user's decision
type RequestPermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResponse for the session/request_permission result
type RequestPermissionResponse struct {
	Outcome RequestPermissionOutcome `json:"outcome"`
}

// ReadTextFileRequest for fs/read_text_file
type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ReadTextFileResponse for the fs/read_text_file result
type ReadTextFileResponse struct {
	Content string `json:"content"`
}

// WriteTextFileRequest for fs/write_text_file
type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// CreateTerminalRequest for terminal/create
type CreateTerminalRequest struct {
	SessionID       string   `json:"sessionId"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	OutputByteLimit int      `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResponse for the terminal/create result
type CreateTerminalResponse struct {
	TerminalID string `json:"terminalId"`
}

// TerminalOutputRequest for terminal/output
type TerminalOutputRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus reports how a terminal command ended
type TerminalExitStatus struct {
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// TerminalOutputResponse for the terminal/output result
type TerminalOutputResponse struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// WaitForTerminalExitRequest for terminal/wait_for_exit
type WaitForTerminalExitRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// WaitForTerminalExitResponse for the terminal/wait_for_exit result
type WaitForTerminalExitResponse struct {
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// KillTerminalRequest for terminal/kill
type KillTerminalRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// ReleaseTerminalRequest for terminal/release
type ReleaseTerminalRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// message is the inbound decode envelope. A record with a method is a
// request (id present) or notification (id absent); otherwise it is a
// response to one of our calls.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}
