// Package events carries session lifecycle notifications to sinks such as
// the audit log and the recording service.
//
// Delivery is at-least-once: a failing sink is retried, so sinks must
// tolerate duplicates. Wrap a sink in Dedup to drop repeated event IDs.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	SessionStarted    Type = "session_started"
	SessionEnded      Type = "session_ended"
	CommandRecorded   Type = "command_recorded"
	ParticipantJoined Type = "participant_joined"
	ParticipantLeft   Type = "participant_left"
	WriteGranted      Type = "write_granted"
	WriteRevoked      Type = "write_revoked"
)

// Event is one notification.
type Event struct {
	ID             string            `json:"id" cbor:"id"`
	Type           Type              `json:"type" cbor:"type"`
	OrganizationID string            `json:"organization_id" cbor:"organization_id"`
	SessionID      string            `json:"session_id" cbor:"session_id"`
	UserID         string            `json:"user_id,omitempty" cbor:"user_id,omitempty"`
	ParticipantID  string            `json:"participant_id,omitempty" cbor:"participant_id,omitempty"`
	CommandID      string            `json:"command_id,omitempty" cbor:"command_id,omitempty"`
	Data           map[string]string `json:"data,omitempty" cbor:"data,omitempty"`
	At             time.Time         `json:"at" cbor:"at"`
}

// New returns an event with a fresh ID.
func New(typ Type, orgID, sessionID string, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		OrganizationID: orgID,
		SessionID:      sessionID,
		At:             at,
	}
}

// With returns a copy of e with key set in Data.
func (e Event) With(key, value string) Event {
	data := make(map[string]string, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Sink receives events.
type Sink interface {
	Handle(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Handle calls f(ctx, e).
func (f SinkFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
