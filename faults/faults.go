// Package faults converts raw transport and protocol failures into a typed
// event taxonomy. Every failure path in the module produces an ErrorEvent;
// raw errors are never handed to the application sink directly.
package faults

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice-core/acp"
)

// Category classifies where a fault originated.
type Category string

const (
	CategoryConnection    Category = "connection"
	CategoryConfiguration Category = "configuration"
	CategoryProtocol      Category = "protocol"
	CategoryBenign        Category = "benign"
)

// Severity indicates how a surfaced event should be presented.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ExitCommandNotFound is what shells report when an executable is missing.
// Some environments deliver it as an asynchronous exit rather than a spawn
// error, so exit classification checks for it too.
const ExitCommandNotFound = 127

// ErrorEvent is a classified fault ready for the application error sink.
type ErrorEvent struct {
	ID          string
	Category    Category
	Severity    Severity
	Title       string
	Message     string
	Remediation string
	AgentID     string
	Time        time.Time
	Code        int
	Err         error
}

func newEvent(category Category, agentID, title, message string) ErrorEvent {
	return ErrorEvent{
		ID:       uuid.NewString(),
		Category: category,
		Severity: SeverityError,
		Title:    title,
		Message:  message,
		AgentID:  agentID,
		Time:     time.Now(),
	}
}

// IsBenign reports whether an event should be suppressed rather than surfaced.
func IsBenign(ev ErrorEvent) bool {
	return ev.Category == CategoryBenign
}

// commandNotFound builds the shared "Command Not Found" event used by both
// spawn-time and exit-time classification.
func commandNotFound(agentID, command string) ErrorEvent {
	ev := newEvent(CategoryConfiguration, agentID, "Command Not Found",
		fmt.Sprintf("The command %q could not be found on this system", command))
	ev.Remediation = fmt.Sprintf("Check that %q is installed and on your PATH (try `%s %s`), or update the agent's command in agents.yaml", command, locateTool, command)
	return ev
}

// ClassifySpawn classifies an error from starting the agent process.
func ClassifySpawn(agentID, command string, err error) ErrorEvent {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		ev := commandNotFound(agentID, command)
		ev.Err = err
		return ev
	}

	ev := newEvent(CategoryConnection, agentID, "Agent Failed to Start",
		fmt.Sprintf("Starting %q failed: %v", command, err))
	ev.Err = err
	return ev
}

// ClassifyExit classifies a non-zero agent process exit.
func ClassifyExit(agentID, command string, exitCode int, stderr string) ErrorEvent {
	if exitCode == ExitCommandNotFound {
		ev := commandNotFound(agentID, command)
		ev.Code = exitCode
		return ev
	}

	msg := fmt.Sprintf("The agent process exited with code %d", exitCode)
	if stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(stderr))
	}
	ev := newEvent(CategoryConnection, agentID, "Agent Process Exited", msg)
	ev.Code = exitCode
	return ev
}

// ClassifyConnect classifies dial and handshake errors while establishing
// the socket connection.
func ClassifyConnect(agentID, endpoint string, err error) ErrorEvent {
	ev := newEvent(CategoryConnection, agentID, "Connection Failed",
		fmt.Sprintf("Could not connect to %s: %v", endpoint, err))
	ev.Remediation = fmt.Sprintf("Check that the agent is listening on %s and that the auth token matches", endpoint)
	ev.Err = err
	return ev
}

// ClassifySocket classifies read errors and unexpected closes on an
// established socket connection.
func ClassifySocket(agentID, endpoint string, err error) ErrorEvent {
	ev := newEvent(CategoryConnection, agentID, "Connection Lost",
		fmt.Sprintf("The connection to %s failed: %v", endpoint, err))
	ev.Remediation = fmt.Sprintf("Check that the agent is listening on %s and that the auth token matches", endpoint)
	ev.Err = err
	return ev
}

// ClassifyRPC classifies a protocol-level fault returned by the agent.
// The two recognized benign payloads map to CategoryBenign and are meant
// to be suppressed by the caller.
func ClassifyRPC(agentID string, rpcErr *acp.RPCError) ErrorEvent {
	if rpcErr.Benign() {
		ev := newEvent(CategoryBenign, agentID, "Prompt Ended Early", rpcErr.Message)
		ev.Severity = SeverityWarning
		ev.Code = rpcErr.Code
		ev.Err = rpcErr
		return ev
	}

	ev := newEvent(CategoryProtocol, agentID, "Agent Error", rpcErr.Message)
	ev.Code = rpcErr.Code
	ev.Err = rpcErr
	return ev
}

// UnknownAgent classifies a lookup of an agent ID that is not in the registry.
func UnknownAgent(agentID string) ErrorEvent {
	ev := newEvent(CategoryConfiguration, agentID, "Unknown Agent",
		fmt.Sprintf("No agent with ID %q is configured", agentID))
	ev.Remediation = "Add the agent to agents.yaml or pick a configured agent ID"
	return ev
}
