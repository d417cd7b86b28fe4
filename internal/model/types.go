package model

import "time"

// Identity is the caller as established by the authentication layer.
// The core never derives it on its own.
type Identity struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"` // organization role name, matched against Policy.AppliesToRoles
	OrganizationID string `json:"organization_id"`
}

// Organization is the tenant boundary.
type Organization struct {
	ID                 string `json:"id" bson:"_id" yaml:"id"`
	Name               string `json:"name" bson:"name" yaml:"name"`
	MaxConnections     int    `json:"max_connections" bson:"max_connections" yaml:"max_connections"`             // concurrent live sessions, 0 = unlimited
	MaxSessionsPerUser int    `json:"max_sessions_per_user" bson:"max_sessions_per_user" yaml:"max_sessions_per_user"` // 0 = unlimited
}

// Connection is a reusable target endpoint.
type Connection struct {
	ID             string           `json:"id" bson:"_id"`
	OrganizationID string           `json:"organization_id" bson:"organization_id"`
	Name           string           `json:"name" bson:"name"`
	Protocol       Protocol         `json:"protocol" bson:"protocol"`
	Host           string           `json:"host" bson:"host"`
	Port           int              `json:"port" bson:"port"`
	Username       string           `json:"username,omitempty" bson:"username,omitempty"`
	CredentialRef  string           `json:"credential_ref,omitempty" bson:"credential_ref,omitempty"`
	Status         ConnectionStatus `json:"status" bson:"status"`
	CreatedBy      string           `json:"created_by" bson:"created_by"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
}

// Enabled reports whether new sessions may be opened against c.
func (c Connection) Enabled() bool {
	return c.Status == ConnectionEnabled
}

// Session is one live or historical privileged access instance.
type Session struct {
	ID                string        `json:"id" bson:"_id"`
	OrganizationID    string        `json:"organization_id" bson:"organization_id"`
	ConnectionID      string        `json:"connection_id" bson:"connection_id"`
	InitiatedByUserID string        `json:"initiated_by_user_id" bson:"initiated_by_user_id"`
	Status            SessionStatus `json:"status" bson:"status"`
	StatusReason      string        `json:"status_reason,omitempty" bson:"status_reason,omitempty"`
	Recording         bool          `json:"recording" bson:"recording"`
	RecordingURL      string        `json:"recording_url,omitempty" bson:"recording_url,omitempty"`
	TotalCommands     int64         `json:"total_commands" bson:"total_commands"`
	BlockedCommands   int64         `json:"blocked_commands" bson:"blocked_commands"`
	DurationSeconds   int64         `json:"duration_seconds" bson:"duration_seconds"`
	CreatedAt         time.Time     `json:"created_at" bson:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty" bson:"started_at,omitempty"`
	EndedAt           *time.Time    `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	LastActivityAt    time.Time     `json:"last_activity_at" bson:"last_activity_at"`
}

// Participant is a (session, user) membership.
type Participant struct {
	ID             string          `json:"id" bson:"_id"`
	SessionID      string          `json:"session_id" bson:"session_id"`
	OrganizationID string          `json:"organization_id" bson:"organization_id"`
	UserID         string          `json:"user_id" bson:"user_id"`
	OrgRole        string          `json:"org_role,omitempty" bson:"org_role,omitempty"`
	Role           ParticipantRole `json:"role" bson:"role"`
	CanWrite       bool            `json:"can_write" bson:"can_write"`
	JoinAt         time.Time       `json:"join_at" bson:"join_at"`
	LeftAt         *time.Time      `json:"left_at,omitempty" bson:"left_at,omitempty"`
	IsActive       bool            `json:"is_active" bson:"is_active"`
}

// Command is one command attempt within a session.
type Command struct {
	ID             string        `json:"id" bson:"_id"`
	SessionID      string        `json:"session_id" bson:"session_id"`
	OrganizationID string        `json:"organization_id" bson:"organization_id"`
	ParticipantID  string        `json:"participant_id" bson:"participant_id"`
	UserID         string        `json:"user_id" bson:"user_id"`
	Seq            int64         `json:"seq" bson:"seq"`
	Text           string        `json:"text" bson:"text"`
	RiskLevel      RiskLevel     `json:"risk_level" bson:"risk_level"`
	Status         CommandStatus `json:"status" bson:"status"`
	WasBlocked     bool          `json:"was_blocked" bson:"was_blocked"`
	BlockedReason  string        `json:"blocked_reason,omitempty" bson:"blocked_reason,omitempty"`
	PolicyID       string        `json:"policy_id,omitempty" bson:"policy_id,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty" bson:"exit_code,omitempty"`
	Output         string        `json:"output,omitempty" bson:"output,omitempty"`
	Completed      bool          `json:"completed" bson:"completed"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// Clone returns a deep copy of c.
func (c Command) Clone() Command {
	if c.ExitCode != nil {
		code := *c.ExitCode
		c.ExitCode = &code
	}
	if c.CompletedAt != nil {
		at := *c.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// Policy is an organization-scoped set of blocked command patterns.
type Policy struct {
	ID              string    `json:"id" bson:"_id" yaml:"id"`
	OrganizationID  string    `json:"organization_id" bson:"organization_id" yaml:"organization_id"`
	Name            string    `json:"name" bson:"name" yaml:"name"`
	Description     string    `json:"description,omitempty" bson:"description,omitempty" yaml:"description,omitempty"`
	BlockedPatterns []string  `json:"blocked_patterns" bson:"blocked_patterns" yaml:"blocked_patterns"`
	AppliesToRoles  []string  `json:"applies_to_roles" bson:"applies_to_roles" yaml:"applies_to_roles,omitempty"`
	IsActive        bool      `json:"is_active" bson:"is_active" yaml:"is_active"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at" yaml:"created_at,omitempty"`
}

// Recording is the artifact derived from a session. At most one per session.
type Recording struct {
	ID             string          `json:"id" bson:"_id"`
	SessionID      string          `json:"session_id" bson:"session_id"`
	OrganizationID string          `json:"organization_id" bson:"organization_id"`
	Status         RecordingStatus `json:"status" bson:"status"`
	Format         string          `json:"format,omitempty" bson:"format,omitempty"`
	FileName       string          `json:"file_name,omitempty" bson:"file_name,omitempty"`
	FileSize       int64           `json:"file_size" bson:"file_size"`
	URL            string          `json:"url,omitempty" bson:"url,omitempty"`
	Error          string          `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at"`
	ReadyAt        *time.Time      `json:"ready_at,omitempty" bson:"ready_at,omitempty"`
}

// Decision is the outcome of evaluating a command against policies.
type Decision struct {
	Blocked    bool   `json:"blocked"`
	Reason     string `json:"reason,omitempty"`
	PolicyID   string `json:"policy_id,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	// Audited is set when a policy matched but the organization runs in
	// audit mode, so the command was allowed through.
	Audited bool `json:"audited,omitempty"`
}

// Matched reports whether a policy matched, regardless of enforcement.
func (d Decision) Matched() bool {
	return d.PolicyID != ""
}
