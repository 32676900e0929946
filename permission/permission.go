// Package permission serializes concurrently-raised approval prompts into a
// single active-at-a-time flow. Requests queue in arrival order; resolving
// or cancelling the active request promotes the next one.
package permission

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/latticehq/lattice-core/acp"
	"github.com/latticehq/lattice-core/logger"
)

// ErrUnknownRequest is returned when resolving a request ID that is not in
// the queue.
var ErrUnknownRequest = errors.New("permission: unknown request")

// OptionKind is the normalized approval kind of an option.
type OptionKind string

const (
	OptionAllowOnce   OptionKind = "allow_once"
	OptionAllowAlways OptionKind = "allow_always"
	OptionRejectOnce  OptionKind = "reject_once"
)

// Option is one normalized choice offered to the user.
type Option struct {
	ID    string
	Label string
	Kind  OptionKind
}

// Request is a queued approval prompt. Active is true for at most one
// request per queue at any instant.
type Request struct {
	ID         string
	ToolCallID string
	Options    []Option
	Active     bool
}

// Outcome is the resolution of a request: a selected option or a
// cancellation. Exactly one Outcome is delivered per enqueued request.
type Outcome struct {
	OptionID  string
	Cancelled bool
}

type entry struct {
	req     Request
	outcome chan Outcome
}

// Queue holds pending permission requests in FIFO order.
type Queue struct {
	mu       sync.Mutex
	entries  []*entry
	onActive func(Request)
	log      *slog.Logger
}

// NewQueue creates an empty queue. The onActive callback, when non-nil, is
// invoked each time a request becomes the active one; it runs outside the
// queue lock and may call back into the queue.
func NewQueue(onActive func(Request)) *Queue {
	return &Queue{
		onActive: onActive,
		log:      logger.WithComponent("PermissionQueue"),
	}
}

// Enqueue adds a request and returns the channel its single Outcome will be
// delivered on. The first queued request becomes active immediately.
func (q *Queue) Enqueue(req Request) <-chan Outcome {
	e := &entry{req: req, outcome: make(chan Outcome, 1)}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	becameActive := len(q.entries) == 1
	if becameActive {
		e.req.Active = true
	}
	activated := e.req
	q.mu.Unlock()

	q.log.Debug("permission request queued", "requestID", req.ID, "toolCallID", req.ToolCallID, "active", becameActive)
	if becameActive && q.onActive != nil {
		q.onActive(activated)
	}
	return e.outcome
}

// Resolve delivers the chosen option to the request's waiter and removes it
// from the queue. Resolving the active request promotes the next queued
// request in arrival order; resolving an inactive request leaves the active
// one untouched.
func (q *Queue) Resolve(requestID, optionID string) error {
	q.mu.Lock()

	idx := -1
	for i, e := range q.entries {
		if e.req.ID == requestID {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return ErrUnknownRequest
	}

	e := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)

	var promoted *Request
	if idx == 0 && len(q.entries) > 0 {
		q.entries[0].req.Active = true
		next := q.entries[0].req
		promoted = &next
	}
	q.mu.Unlock()

	e.outcome <- Outcome{OptionID: optionID}
	q.log.Debug("permission request resolved", "requestID", requestID, "optionID", optionID)

	if promoted != nil && q.onActive != nil {
		q.onActive(*promoted)
	}
	return nil
}

// CancelAll delivers a cancelled outcome to every pending request and
// leaves the queue empty.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range entries {
		e.outcome <- Outcome{Cancelled: true}
	}
	if len(entries) > 0 {
		q.log.Debug("cancelled pending permission requests", "count", len(entries))
	}
}

// Active returns the currently active request, if any.
func (q *Queue) Active() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Request{}, false
	}
	return q.entries[0].req, true
}

// Len returns the number of pending requests, including the active one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// NormalizeOptions converts agent-supplied options into the closed kind
// set. An agent "reject_always" collapses to reject-once; an option with a
// missing or unknown kind is classified by its label.
func NormalizeOptions(opts []acp.PermissionOption) []Option {
	normalized := make([]Option, 0, len(opts))
	for _, opt := range opts {
		normalized = append(normalized, Option{
			ID:    opt.OptionID,
			Label: opt.Name,
			Kind:  normalizeKind(opt.Kind, opt.Name),
		})
	}
	return normalized
}

func normalizeKind(kind, label string) OptionKind {
	switch kind {
	case "allow_once":
		return OptionAllowOnce
	case "allow_always":
		return OptionAllowAlways
	case "reject_once", "reject_always":
		return OptionRejectOnce
	}
	if strings.Contains(strings.ToLower(label), "allow") {
		return OptionAllowOnce
	}
	return OptionRejectOnce
}

// AutoSelect picks the option an auto-approving coordinator answers with:
// the first allow-kind option, then the first option whose label reads as
// an approval, then the first option at all. The boolean is false only for
// an empty option set.
func AutoSelect(opts []Option) (Option, bool) {
	if len(opts) == 0 {
		return Option{}, false
	}

	for _, opt := range opts {
		if opt.Kind == OptionAllowOnce || opt.Kind == OptionAllowAlways {
			return opt, true
		}
	}
	for _, opt := range opts {
		if strings.Contains(strings.ToLower(opt.Label), "allow") {
			return opt, true
		}
	}
	return opts[0], true
}
