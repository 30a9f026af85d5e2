// Package telemetry defines the lifecycle events the user, session and token managers emit.
package telemetry

import (
	"context"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventUserCreated      EventType = "user.created"
	EventSessionCreated   EventType = "session.created"
	EventSessionRotated   EventType = "session.rotated"
	EventSessionEnded     EventType = "session.ended"
	EventTokenIssued      EventType = "token.issued"
	EventTokenInvalidated EventType = "token.invalidated"
)

// Event is one lifecycle event. Id fields that do not apply to the event are zero.
// Events never carry secrets or digests.
type Event struct {
	Type            EventType
	UserID          uint64
	SessionID       uint64
	TokenID         uint64
	PreviousTokenID uint64
	At              time.Time
}

// EventEmitter emits lifecycle events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event Event) error
}

// Nop is an EventEmitter that drops every event.
type Nop struct{}

// Emit implements EventEmitter.
func (Nop) Emit(context.Context, Event) error { return nil }
