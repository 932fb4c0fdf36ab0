// Package events emits structured, fire-and-forget engine events to an
// external sink.
//
// Engine components call [Emitter.Emit], which never blocks on the network
// and never fails the caller. [Async] buffers events and flushes them in
// batches to a [Sink] on a background goroutine; events that do not fit the
// buffer are dropped and counted.
package events

import (
	"context"
	"time"
)

// Type names an engine event.
type Type string

const (
	TurnIngested   Type = "turn.ingested"
	SummaryCreated Type = "summary.created"
	SummaryFailed  Type = "summary.failed"
	NodePruned     Type = "node.pruned"
	GraphRepaired  Type = "graph.repaired"
	UserForgotten  Type = "user.forgotten"
	Failure        Type = "error"
)

// Level returns the log level the event is reported with.
func (t Type) Level() string {
	switch t {
	case Failure, SummaryFailed:
		return "ERROR"
	case GraphRepaired:
		return "WARNING"
	default:
		return "INFO"
	}
}

// Event is one structured occurrence inside the engine.
type Event struct {
	Type   Type           `json:"type"`
	UserID string         `json:"user_id,omitempty"`
	Time   time.Time      `json:"timestamp"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// New builds an event stamped with the current time. kv is read as
// alternating key/value pairs; a trailing key without value is ignored.
func New(t Type, userID string, kv ...any) Event {
	e := Event{Type: t, UserID: userID, Time: time.Now().UTC()}
	if len(kv) >= 2 {
		e.Attrs = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			k, ok := kv[i].(string)
			if !ok {
				continue
			}
			if err, isErr := kv[i+1].(error); isErr {
				e.Attrs[k] = err.Error()
				continue
			}
			e.Attrs[k] = kv[i+1]
		}
	}
	return e
}

// Sink delivers batches of events to a backend.
type Sink interface {
	// Send delivers batch. An error means some or all events were lost.
	Send(ctx context.Context, batch []Event) error
}

// Emitter accepts events without blocking and without failing.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements [Emitter].
func (Nop) Emit(context.Context, Event) {}

var _ Emitter = Nop{}
