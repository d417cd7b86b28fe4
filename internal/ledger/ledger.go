// Package ledger is the append-only record of command attempts and the
// session counters derived from them.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/risk"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

// Entry is one command attempt to record.
type Entry struct {
	SessionID      string
	OrganizationID string
	ParticipantID  string
	UserID         string
	Text           string
	Decision       model.Decision
}

// Counters are a session's aggregate command counts.
type Counters struct {
	Total   int64 `json:"total_commands"`
	Blocked int64 `json:"blocked_commands"`
}

// Ledger writes command rows through a store.
type Ledger struct {
	store      store.Store
	classifier risk.Classifier
	now        func() time.Time
	log        *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now == nil {
			panic("ledger: nil clock")
		}
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a Ledger. A nil classifier labels everything safe.
func New(st store.Store, classifier risk.Classifier, opts ...Option) *Ledger {
	if st == nil {
		panic("ledger: nil store")
	}
	if classifier == nil {
		classifier = risk.ClassifierFunc(func(string) model.RiskLevel { return model.RiskSafe })
	}
	l := &Ledger{
		store:      st,
		classifier: classifier,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a command row. The store increments the session's total and
// blocked counters in the same step.
func (l *Ledger) Record(ctx context.Context, e Entry) (model.Command, error) {
	status := model.CommandExecuted
	if e.Decision.Blocked {
		status = model.CommandBlocked
	}
	c := model.Command{
		ID:             uuid.NewString(),
		SessionID:      e.SessionID,
		OrganizationID: e.OrganizationID,
		ParticipantID:  e.ParticipantID,
		UserID:         e.UserID,
		Text:           e.Text,
		RiskLevel:      l.classifier.Classify(e.Text),
		Status:         status,
		WasBlocked:     e.Decision.Blocked,
		PolicyID:       e.Decision.PolicyID,
		CreatedAt:      l.now().UTC(),
	}
	if e.Decision.Blocked {
		c.BlockedReason = e.Decision.Reason
	}

	stored, err := l.store.AppendCommand(ctx, c)
	if err != nil {
		l.log.Error("record command",
			zap.String("session_id", e.SessionID),
			zap.Bool("blocked", c.WasBlocked),
			zap.Error(err))
		return model.Command{}, fault.Storage("ledger.record", err)
	}
	return stored, nil
}

// Complete applies a late exit code and output. Applying the same values
// twice is a no-op; different values after completion fail with Conflict.
func (l *Ledger) Complete(ctx context.Context, commandID string, exitCode int, output string) (model.Command, error) {
	c, err := l.store.CompleteCommand(ctx, commandID, exitCode, output, l.now().UTC())
	if err != nil {
		return model.Command{}, fault.Storage("ledger.complete", err)
	}
	return c, nil
}

// Counters returns the session's current counts.
func (l *Ledger) Counters(ctx context.Context, sessionID string) (Counters, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return Counters{}, fault.Storage("ledger.counters", err)
	}
	return Counters{Total: sess.TotalCommands, Blocked: sess.BlockedCommands}, nil
}

// List returns the session's commands in submission order.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]model.Command, error) {
	cmds, err := l.store.ListCommands(ctx, sessionID)
	if err != nil {
		return nil, fault.Storage("ledger.list", err)
	}
	return cmds, nil
}
