// Package acp implements the client side of the agent session protocol:
// JSON-RPC 2.0 over newline-delimited records. A Conn multiplexes outbound
// calls and notifications with inbound responses, agent-initiated requests
// (permission prompts, file-system and terminal services), and streaming
// session/update notifications.
package acp
