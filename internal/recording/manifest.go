package recording

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// SessionSource reads what a manifest describes.
type SessionSource interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListCommands(ctx context.Context, sessionID string) ([]model.Command, error)
	ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error)
}

// Manifest is the YAML document written for each session.
type Manifest struct {
	RecordingID    string            `yaml:"recording_id"`
	SessionID      string            `yaml:"session_id"`
	OrganizationID string            `yaml:"organization_id"`
	ConnectionID   string            `yaml:"connection_id"`
	Status         string            `yaml:"status"`
	StartedAt      *time.Time        `yaml:"started_at,omitempty"`
	EndedAt        *time.Time        `yaml:"ended_at,omitempty"`
	Duration       int64             `yaml:"duration_seconds"`
	Participants   []ManifestUser    `yaml:"participants"`
	Commands       []ManifestCommand `yaml:"commands"`
}

// ManifestUser is one participant in a manifest.
type ManifestUser struct {
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
}

// ManifestCommand is one command in a manifest.
type ManifestCommand struct {
	Seq    int64  `yaml:"seq"`
	UserID string `yaml:"user_id"`
	Text   string `yaml:"text"`
	Status string `yaml:"status"`
	Risk   string `yaml:"risk"`
	Reason string `yaml:"reason,omitempty"`
	Exit   *int   `yaml:"exit_code,omitempty"`
}

// ManifestFinalizer writes a YAML manifest per session into Dir.
type ManifestFinalizer struct {
	Dir     string
	BaseURL string // optional prefix for Artifact.URL
	Source  SessionSource
}

// Finalize implements Finalizer.
func (f *ManifestFinalizer) Finalize(ctx context.Context, rec model.Recording) (Artifact, error) {
	sess, err := f.Source.GetSession(ctx, rec.SessionID)
	if err != nil {
		return Artifact{}, err
	}
	cmds, err := f.Source.ListCommands(ctx, rec.SessionID)
	if err != nil {
		return Artifact{}, err
	}
	parts, err := f.Source.ListParticipants(ctx, rec.SessionID)
	if err != nil {
		return Artifact{}, err
	}

	m := Manifest{
		RecordingID:    rec.ID,
		SessionID:      sess.ID,
		OrganizationID: sess.OrganizationID,
		ConnectionID:   sess.ConnectionID,
		Status:         string(sess.Status),
		StartedAt:      sess.StartedAt,
		EndedAt:        sess.EndedAt,
		Duration:       sess.DurationSeconds,
	}
	for _, p := range parts {
		m.Participants = append(m.Participants, ManifestUser{UserID: p.UserID, Role: string(p.Role)})
	}
	for _, c := range cmds {
		m.Commands = append(m.Commands, ManifestCommand{
			Seq:    c.Seq,
			UserID: c.UserID,
			Text:   c.Text,
			Status: string(c.Status),
			Risk:   string(c.RiskLevel),
			Reason: c.BlockedReason,
			Exit:   c.ExitCode,
		})
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return Artifact{}, err
	}
	name := rec.SessionID + ".yaml"
	path := filepath.Join(f.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return Artifact{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return Artifact{}, err
	}

	art := Artifact{Format: "yaml", FileName: name, Size: int64(len(data))}
	if f.BaseURL != "" {
		art.URL = f.BaseURL + "/" + name
	}
	return art, nil
}

// LoadManifest reads a manifest written by ManifestFinalizer.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
