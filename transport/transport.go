// Package transport provides the byte-record channels a protocol connection
// runs over: a spawned local agent process speaking over stdio, or a
// persistent socket to an already-running agent. Both frame messages as
// newline-delimited text records.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrNotRunning is returned by Send when the transport has not been started
// or has already been closed.
var ErrNotRunning = errors.New("transport: not running")

// Transport is the contract shared by the process and socket variants.
// Records delivered on Records() always end with exactly one newline;
// Send appends the trailing newline itself. Faults carries asynchronous
// failures (process exit, socket error) that occur outside any in-flight
// operation. Close is idempotent.
type Transport interface {
	Start(ctx context.Context) error
	Send(record []byte) error
	Records() <-chan []byte
	Faults() <-chan error
	Close() error
}

// ExitError reports an agent process that terminated. Stderr carries
// whatever diagnostic output the process produced before exiting.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent process exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("agent process exited with code %d", e.Code)
}

// normalizeRecord trims any trailing CR/LF runs and re-terminates the
// record with exactly one newline.
func normalizeRecord(record []byte) []byte {
	trimmed := bytes.TrimRight(record, "\r\n")
	out := make([]byte, 0, len(trimmed)+1)
	out = append(out, trimmed...)
	return append(out, '\n')
}
