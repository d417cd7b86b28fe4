// Package fault defines the typed failures returned by the warden core.
//
// Every failure carries a Kind. Callers compare with errors.Is against the
// sentinel values (ErrNotFound, ErrConflict, ...) or call KindOf.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	InvalidState     Kind = "invalid_state"
	PermissionDenied Kind = "permission_denied"
	RoleNotPermitted Kind = "role_not_permitted"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	TimedOut         Kind = "timed_out"
	// Unavailable means the storage layer could not persist a
	// security-relevant change. The caller must retry or fail the session.
	Unavailable Kind = "unavailable"
	Invalid     Kind = "invalid"
)

// Error is a typed failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict)
// holds for every conflict regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrInvalidState     = &Error{Kind: InvalidState}
	ErrPermissionDenied = &Error{Kind: PermissionDenied}
	ErrRoleNotPermitted = &Error{Kind: RoleNotPermitted}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrConflict         = &Error{Kind: Conflict}
	ErrTimedOut         = &Error{Kind: TimedOut}
	ErrUnavailable      = &Error{Kind: Unavailable}
	ErrInvalid          = &Error{Kind: Invalid}
)

// New returns a failure of kind k.
func New(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a failure of kind k wrapping err. It returns nil if err is nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// Storage wraps a storage-layer error. Typed failures pass through
// unchanged; anything else becomes Unavailable.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: Unavailable, Op: op, Msg: "storage unavailable", Err: err}
}

// KindOf returns the kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SessionEnded is returned to waiters whose session reached a terminal state.
func SessionEnded(sessionID string) *Error {
	return New(InvalidState, "participant.wait", "session %s ended", sessionID)
}
