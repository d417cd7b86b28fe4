// Package model defines the entities shared by the warden core: sessions,
// participants, commands, policies, recordings and the enums that describe
// their lifecycles.
package model

import "strings"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionPreparing SessionStatus = "preparing"
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionError     SessionStatus = "error"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPreparing, SessionActive, SessionEnded, SessionError:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionError
}

// Live reports whether participants may still attach.
func (s SessionStatus) Live() bool {
	return s == SessionPreparing || s == SessionActive
}

// CanTransition reports whether moving from s to next is allowed.
// Transitions are monotonic: preparing -> active -> {ended, error}.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionPreparing:
		return next == SessionActive || next == SessionEnded || next == SessionError
	case SessionActive:
		return next == SessionEnded || next == SessionError
	}
	return false
}

// ParticipantRole bounds what a participant may do within a session.
type ParticipantRole string

const (
	RoleOwner        ParticipantRole = "owner"
	RoleCollaborator ParticipantRole = "collaborator"
	RoleViewer       ParticipantRole = "viewer"
)

// ParseParticipantRole parses a role name case-insensitively.
func ParseParticipantRole(s string) (ParticipantRole, bool) {
	r := ParticipantRole(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Valid reports whether r is a known role.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleOwner, RoleCollaborator, RoleViewer:
		return true
	}
	return false
}

// CanWrite reports whether the role may ever hold write access.
func (r ParticipantRole) CanWrite() bool {
	return r == RoleOwner || r == RoleCollaborator
}

// CommandStatus is the outcome of a command attempt.
type CommandStatus string

const (
	CommandExecuted CommandStatus = "executed"
	CommandBlocked  CommandStatus = "blocked"
	CommandError    CommandStatus = "error"
)

// Valid reports whether s is a known command status.
func (s CommandStatus) Valid() bool {
	switch s {
	case CommandExecuted, CommandBlocked, CommandError:
		return true
	}
	return false
}

// RiskLevel is the classifier label attached to a command.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRanks = map[RiskLevel]int{
	RiskSafe:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Valid reports whether l is a known risk level.
func (l RiskLevel) Valid() bool {
	_, ok := riskRanks[l]
	return ok
}

// Rank orders risk levels from safe (0) to critical (4). Unknown levels rank -1.
func (l RiskLevel) Rank() int {
	if r, ok := riskRanks[l]; ok {
		return r
	}
	return -1
}

// Max returns the riskier of l and other.
func (l RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.Rank() > l.Rank() {
		return other
	}
	return l
}

// RecordingStatus is the processing state of a session recording.
type RecordingStatus string

const (
	RecordingProcessing RecordingStatus = "processing"
	RecordingReady      RecordingStatus = "ready"
	RecordingError      RecordingStatus = "error"
)

// Protocol is the transport protocol of a connection.
type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolRDP Protocol = "rdp"
	ProtocolVNC Protocol = "vnc"
)

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolSSH || p == ProtocolRDP || p == ProtocolVNC
}

// DefaultPort returns the well-known port for the protocol.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolSSH:
		return 22
	case ProtocolRDP:
		return 3389
	case ProtocolVNC:
		return 5900
	}
	return 0
}

// ConnectionStatus soft-disables a connection.
type ConnectionStatus string

const (
	ConnectionEnabled  ConnectionStatus = "enabled"
	ConnectionDisabled ConnectionStatus = "disabled"
)
