// Package api provides the REST API of the warden daemon.
package api

import (
	"time"

	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// StatusResponse is the response for GET /status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Uptime         string    `json:"uptime"`
	StartedAt      time.Time `json:"started_at"`
	OrganizationID string    `json:"organization_id"`
	Mode           string    `json:"mode"`
	LiveSessions   int       `json:"live_sessions"`
	PolicyCount    int       `json:"policy_count"`
}

// StartSessionRequest is the request body for POST /sessions.
type StartSessionRequest struct {
	ConnectionID string `json:"connection_id"`
	Recording    bool   `json:"recording"`
}

// SessionListResponse is the response for GET /sessions.
type SessionListResponse struct {
	Sessions []model.Session `json:"sessions"`
	Total    int             `json:"total"`
}

// EndSessionRequest is the request body for POST /sessions/{id}/end.
type EndSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// JoinRequest is the request body for POST /sessions/{id}/participants.
type JoinRequest struct {
	Role string `json:"role"`
}

// ParticipantListResponse is the response for GET /sessions/{id}/participants.
type ParticipantListResponse struct {
	Participants []model.Participant `json:"participants"`
	Total        int                 `json:"total"`
}

// WriteResponse is the response for POST /sessions/{id}/participants/{pid}/write.
type WriteResponse struct {
	ParticipantID string `json:"participant_id"`
	Granted       bool   `json:"granted"`
	Queued        bool   `json:"queued,omitempty"`
}

// SubmitCommandRequest is the request body for POST /sessions/{id}/commands.
type SubmitCommandRequest struct {
	ParticipantID string `json:"participant_id"`
	Text          string `json:"text"`
}

// CommandListResponse is the response for GET /sessions/{id}/commands.
type CommandListResponse struct {
	Commands []model.Command `json:"commands"`
	Total    int             `json:"total"`
}

// CompleteCommandRequest is the request body for POST /commands/{id}/complete.
type CompleteCommandRequest struct {
	ExitCode *int   `json:"exit_code"`
	Output   string `json:"output"`
}

// CreatePolicyRequest is the request body for POST /policies.
type CreatePolicyRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	BlockedPatterns []string `json:"blocked_patterns"`
	AppliesToRoles  []string `json:"applies_to_roles,omitempty"`
	IsActive        *bool    `json:"is_active,omitempty"`
}

// PolicyListResponse is the response for GET /policies.
type PolicyListResponse struct {
	Policies []model.Policy `json:"policies"`
	Total    int            `json:"total"`
}

// PolicyCheckRequest is the request body for POST /policies/check.
type PolicyCheckRequest struct {
	Role    string `json:"role"`
	Command string `json:"command"`
}

// CreateConnectionRequest is the request body for POST /connections.
type CreateConnectionRequest struct {
	Name          string `json:"name"`
	Protocol      string `json:"protocol"`
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username,omitempty"`
	CredentialRef string `json:"credential_ref,omitempty"`
}

// ConnectionListResponse is the response for GET /connections.
type ConnectionListResponse struct {
	Connections []model.Connection `json:"connections"`
	Total       int                `json:"total"`
}

// AuditListResponse is the response for GET /audit.
type AuditListResponse struct {
	Events []events.Event `json:"events"`
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

// ModeResponse is the response for GET and PUT /mode.
type ModeResponse struct {
	Global         string `json:"global"`
	OrganizationID string `json:"organization_id"`
	Mode           string `json:"mode"`
}

// SetModeRequest is the request body for PUT /mode. Global changes require
// the admin token; an empty mode clears the organization override.
type SetModeRequest struct {
	Mode   string `json:"mode"`
	Global bool   `json:"global,omitempty"`
}

// DeleteResponse is the response for DELETE endpoints.
type DeleteResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}
