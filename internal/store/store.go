// Package store defines the persistence contract of the warden core.
//
// Implementations live in the memory and mongostore subpackages. All methods
// return fault-typed errors: NotFound for unknown IDs, Conflict for violated
// uniqueness or failed compare-and-set, and Unavailable for backend failures.
package store

import (
	"context"
	"time"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// SessionFilter selects sessions. Zero fields match everything.
type SessionFilter struct {
	OrganizationID string
	ConnectionID   string
	UserID         string // initiating user
	Statuses       []model.SessionStatus
}

// Matches reports whether s satisfies the filter.
func (f SessionFilter) Matches(s model.Session) bool {
	if f.OrganizationID != "" && s.OrganizationID != f.OrganizationID {
		return false
	}
	if f.ConnectionID != "" && s.ConnectionID != f.ConnectionID {
		return false
	}
	if f.UserID != "" && s.InitiatedByUserID != f.UserID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// LiveStatuses are the statuses that count against concurrency limits.
var LiveStatuses = []model.SessionStatus{model.SessionPreparing, model.SessionActive}

// Transition is a compare-and-set status change. It applies only while the
// stored status equals From.
type Transition struct {
	From            model.SessionStatus
	To              model.SessionStatus
	Reason          string
	At              time.Time
	DurationSeconds *int64
}

// Store is the full persistence contract.
type Store interface {
	PutOrganization(ctx context.Context, org model.Organization) error
	GetOrganization(ctx context.Context, id string) (model.Organization, error)
	ListOrganizations(ctx context.Context) ([]model.Organization, error)

	CreateConnection(ctx context.Context, c model.Connection) error
	GetConnection(ctx context.Context, id string) (model.Connection, error)
	UpdateConnection(ctx context.Context, c model.Connection) error
	// DeleteConnection fails with Conflict while live sessions reference it.
	DeleteConnection(ctx context.Context, id string) error
	ListConnections(ctx context.Context, orgID string) ([]model.Connection, error)

	PutPolicy(ctx context.Context, p model.Policy) error
	GetPolicy(ctx context.Context, id string) (model.Policy, error)
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context, orgID string) ([]model.Policy, error)

	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error)
	CountSessions(ctx context.Context, f SessionFilter) (int, error)
	// TransitionSession fails with Conflict if the stored status is not t.From
	// and with InvalidState if t.From may never move to t.To.
	// Moving to active stamps started_at; moving to a terminal state stamps ended_at.
	TransitionSession(ctx context.Context, id string, t Transition) (model.Session, error)
	// TouchSession moves last_activity_at forward to at. Older times are ignored.
	TouchSession(ctx context.Context, id string, at time.Time) error
	// SetRecordingURL records where the finalized recording of a session lives.
	SetRecordingURL(ctx context.Context, id, url string) error

	SaveParticipant(ctx context.Context, p model.Participant) error
	ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error)

	// AppendCommand stores c, assigns its per-session sequence number and
	// increments the session's total (and blocked) counters in one step.
	AppendCommand(ctx context.Context, c model.Command) (model.Command, error)
	GetCommand(ctx context.Context, id string) (model.Command, error)
	ListCommands(ctx context.Context, sessionID string) ([]model.Command, error)
	// CompleteCommand records a late exit code and output. Repeating the same
	// completion is a no-op; a different completion fails with Conflict.
	CompleteCommand(ctx context.Context, id string, exitCode int, output string, at time.Time) (model.Command, error)

	// CreateRecording fails with Conflict if the session already has one.
	CreateRecording(ctx context.Context, r model.Recording) error
	GetRecordingBySession(ctx context.Context, sessionID string) (model.Recording, error)
	UpdateRecording(ctx context.Context, r model.Recording) error

	Close(ctx context.Context) error
}

// SameCompletion reports whether c already holds exactly this completion.
func SameCompletion(c model.Command, exitCode int, output string) bool {
	return c.Completed && c.ExitCode != nil && *c.ExitCode == exitCode && c.Output == output
}
