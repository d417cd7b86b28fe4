package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/ledger"
	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// SubmitResult is the outcome of a command submission. A blocked command is
// a result, not an error.
type SubmitResult struct {
	Command  model.Command  `json:"command"`
	Decision model.Decision `json:"decision"`
}

// SubmitCommand evaluates text against the organization's policies under its
// enforcement mode and appends the attempt to the ledger.
//
// The session must be active and the participant must belong to the caller,
// be active and hold write access.
func (c *Controller) SubmitCommand(ctx context.Context, id model.Identity, sessionID, participantID, text string) (SubmitResult, error) {
	const op = "session.submit_command"
	if strings.TrimSpace(text) == "" {
		return SubmitResult{}, fault.New(fault.Invalid, op, "command text is required")
	}

	var out []events.Event
	unlock := c.sessionLocks.Lock(sessionID)
	defer c.release(ctx, unlock, &out)

	sess, err := c.load(ctx, id, op, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sess.Status != model.SessionActive {
		return SubmitResult{}, fault.New(fault.InvalidState, op, "session %s is %s", sessionID, sess.Status)
	}
	if err := c.track(ctx, sess); err != nil {
		return SubmitResult{}, err
	}

	p, err := c.registry.Get(sessionID, participantID)
	if err != nil {
		return SubmitResult{}, err
	}
	if p.UserID != id.UserID {
		return SubmitResult{}, fault.New(fault.PermissionDenied, op, "participant %s belongs to another user", participantID)
	}
	if !p.IsActive || !p.CanWrite {
		return SubmitResult{}, fault.New(fault.PermissionDenied, op, "participant %s does not hold write access", participantID)
	}

	role := p.OrgRole
	if role == "" {
		role = id.Role
	}
	decision, err := c.matcher.Evaluate(ctx, sess.OrganizationID, role, text)
	if err != nil {
		return SubmitResult{}, fault.Storage(op, err)
	}
	decision = c.modes.Apply(sess.OrganizationID, decision)

	cmd, err := c.ledger.Record(ctx, ledger.Entry{
		SessionID:      sessionID,
		OrganizationID: sess.OrganizationID,
		ParticipantID:  p.ID,
		UserID:         p.UserID,
		Text:           text,
		Decision:       decision,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	if decision.Blocked {
		c.log.Warn("command blocked",
			zap.String("session_id", sessionID),
			zap.String("command_id", cmd.ID),
			zap.String("user_id", p.UserID),
			zap.String("policy_id", decision.PolicyID),
			zap.String("reason", decision.Reason))
	}

	e := events.New(events.CommandRecorded, sess.OrganizationID, sessionID, cmd.CreatedAt).
		With("status", string(cmd.Status)).
		With("risk_level", string(cmd.RiskLevel))
	e.UserID = p.UserID
	e.ParticipantID = p.ID
	e.CommandID = cmd.ID
	if decision.Blocked {
		e = e.With("blocked", "true").With("reason", decision.Reason)
	}
	if decision.PolicyID != "" {
		e = e.With("policy_id", decision.PolicyID)
	}
	if decision.Audited {
		e = e.With("audited", "true")
	}
	out = append(out, e)

	return SubmitResult{Command: cmd, Decision: decision}, nil
}

// CompleteCommand records a command's late exit code and output. The same
// completion applied twice is a no-op; a different one fails with Conflict.
func (c *Controller) CompleteCommand(ctx context.Context, id model.Identity, commandID string, exitCode int, output string) (model.Command, error) {
	const op = "session.complete_command"
	cmd, err := c.store.GetCommand(ctx, commandID)
	if err != nil {
		return model.Command{}, fault.Storage(op, err)
	}
	if id.OrganizationID != "" && cmd.OrganizationID != id.OrganizationID {
		return model.Command{}, fault.New(fault.NotFound, op, "command %s not found", commandID)
	}
	return c.ledger.Complete(ctx, commandID, exitCode, output)
}

// Commands returns the session's command log in submission order.
func (c *Controller) Commands(ctx context.Context, id model.Identity, sessionID string) ([]model.Command, error) {
	if _, err := c.load(ctx, id, "session.commands", sessionID); err != nil {
		return nil, err
	}
	return c.ledger.List(ctx, sessionID)
}
