package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/participant"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

// Status reasons recorded on sessions.
const (
	ReasonHandshakeTimeout = "handshake timed out"
	ReasonIdle             = "timeout"
)

// StartOptions tune a new session.
type StartOptions struct {
	Recording bool
}

// Start opens a session on connectionID for the caller, who joins as owner.
// The session stays preparing while the transport handshake runs; it
// becomes active on success and error on failure. A handshake that outlives
// the handshake timeout yields TimedOut.
func (c *Controller) Start(ctx context.Context, id model.Identity, connectionID string, opts StartOptions) (model.Session, error) {
	const op = "session.start"

	conn, err := c.store.GetConnection(ctx, connectionID)
	if err != nil {
		return model.Session{}, fault.Storage(op, err)
	}
	if conn.OrganizationID != id.OrganizationID {
		return model.Session{}, fault.New(fault.NotFound, op, "connection %s not found", connectionID)
	}
	if !conn.Enabled() {
		return model.Session{}, fault.New(fault.InvalidState, op, "connection %s is disabled", connectionID)
	}

	sess, owner, err := c.create(ctx, id, conn, opts)
	if err != nil {
		return model.Session{}, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	herr := c.transport.Handshake(hctx, sess.ID, conn)
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if herr != nil || timedOut {
		var reason string
		var result error
		switch {
		case timedOut:
			reason = ReasonHandshakeTimeout
			result = fault.New(fault.TimedOut, op, "handshake with %s did not finish within %s", conn.Host, c.handshakeTimeout)
		case ctx.Err() != nil:
			reason = "handshake cancelled"
			result = ctx.Err()
		default:
			reason = "handshake failed: " + herr.Error()
			result = fault.Wrap(fault.Unavailable, op, herr)
		}
		c.log.Warn("session handshake failed",
			zap.String("session_id", sess.ID),
			zap.String("connection_id", conn.ID),
			zap.String("reason", reason))

		// The caller's context may be gone; teardown must still happen.
		failed, ferr := c.terminate(context.WithoutCancel(ctx), sess.ID, model.SessionError, reason)
		if ferr != nil {
			c.log.Error("mark session failed", zap.String("session_id", sess.ID), zap.Error(ferr))
			return sess, result
		}
		return failed, result
	}

	unlock := c.sessionLocks.Lock(sess.ID)
	active, err := c.store.TransitionSession(ctx, sess.ID, store.Transition{
		From: model.SessionPreparing,
		To:   model.SessionActive,
		At:   c.now().UTC(),
	})
	unlock()
	if err != nil {
		if errors.Is(err, fault.ErrConflict) {
			// Ended while the handshake ran.
			current, _ := c.store.GetSession(ctx, sess.ID)
			return current, fault.New(fault.InvalidState, op, "session %s was %s during handshake", sess.ID, current.Status)
		}
		return sess, fault.Storage(op, err)
	}

	c.log.Info("session started",
		zap.String("session_id", active.ID),
		zap.String("organization_id", active.OrganizationID),
		zap.String("connection_id", active.ConnectionID),
		zap.String("user_id", id.UserID))

	started := events.New(events.SessionStarted, active.OrganizationID, active.ID, c.now().UTC()).
		With("connection_id", active.ConnectionID).
		With("recording", strconv.FormatBool(active.Recording))
	started.UserID = id.UserID
	c.publish(ctx, started)
	c.publish(ctx, c.participantEvent(events.ParticipantJoined, owner))
	return active, nil
}

// create checks organization limits and stores the preparing session with
// its owner. Limit checks and the insert share an organization lock so two
// concurrent starts cannot both take the last slot.
func (c *Controller) create(ctx context.Context, id model.Identity, conn model.Connection, opts StartOptions) (model.Session, model.Participant, error) {
	const op = "session.start"

	unlockOrg := c.orgLocks.Lock(id.OrganizationID)
	defer unlockOrg()

	org, err := c.store.GetOrganization(ctx, id.OrganizationID)
	switch {
	case err == nil:
	case errors.Is(err, fault.ErrNotFound):
		// Unseeded organizations have no limits.
	default:
		return model.Session{}, model.Participant{}, fault.Storage(op, err)
	}

	if org.MaxConnections > 0 {
		n, err := c.store.CountSessions(ctx, store.SessionFilter{OrganizationID: id.OrganizationID, Statuses: store.LiveStatuses})
		if err != nil {
			return model.Session{}, model.Participant{}, fault.Storage(op, err)
		}
		if n >= org.MaxConnections {
			return model.Session{}, model.Participant{}, fault.New(fault.Conflict, op, "organization %s reached its limit of %d live sessions", id.OrganizationID, org.MaxConnections)
		}
	}
	if org.MaxSessionsPerUser > 0 {
		n, err := c.store.CountSessions(ctx, store.SessionFilter{OrganizationID: id.OrganizationID, UserID: id.UserID, Statuses: store.LiveStatuses})
		if err != nil {
			return model.Session{}, model.Participant{}, fault.Storage(op, err)
		}
		if n >= org.MaxSessionsPerUser {
			return model.Session{}, model.Participant{}, fault.New(fault.Conflict, op, "user %s reached the limit of %d live sessions", id.UserID, org.MaxSessionsPerUser)
		}
	}

	now := c.now().UTC()
	sess := model.Session{
		ID:                uuid.NewString(),
		OrganizationID:    id.OrganizationID,
		ConnectionID:      conn.ID,
		InitiatedByUserID: id.UserID,
		Status:            model.SessionPreparing,
		Recording:         opts.Recording,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, model.Participant{}, fault.Storage(op, err)
	}

	unlock := c.sessionLocks.Lock(sess.ID)
	defer unlock()
	owner, err := c.registry.Join(sess.ID, sess.Status, participant.JoinRequest{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		OrgRole:        id.Role,
		Role:           model.RoleOwner,
	})
	if err != nil {
		return model.Session{}, model.Participant{}, err
	}
	if err := c.store.SaveParticipant(ctx, owner); err != nil {
		return model.Session{}, model.Participant{}, fault.Storage(op, err)
	}
	return sess, owner, nil
}

// End moves a session to ended. The caller must be its initiator or an
// active owner. Ending a session that is already ended or failed yields
// Conflict.
func (c *Controller) End(ctx context.Context, id model.Identity, sessionID, reason string) (model.Session, error) {
	const op = "session.end"
	sess, err := c.load(ctx, id, op, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if sess.InitiatedByUserID != id.UserID && !c.isActiveOwner(ctx, sess, id.UserID) {
		return model.Session{}, fault.New(fault.PermissionDenied, op, "only the initiator or an owner may end session %s", sessionID)
	}
	return c.terminate(ctx, sessionID, model.SessionEnded, reason)
}

// Fail moves a session to error. It is meant for transport and system
// failures and performs no caller checks.
func (c *Controller) Fail(ctx context.Context, sessionID, reason string) (model.Session, error) {
	return c.terminate(ctx, sessionID, model.SessionError, reason)
}

func (c *Controller) isActiveOwner(ctx context.Context, sess model.Session, userID string) bool {
	unlock := c.sessionLocks.Lock(sess.ID)
	defer unlock()
	if err := c.track(ctx, sess); err != nil {
		return false
	}
	ps, err := c.registry.Snapshot(sess.ID)
	if err != nil {
		return false
	}
	for _, p := range ps {
		if p.IsActive && p.UserID == userID && p.Role == model.RoleOwner {
			return true
		}
	}
	return false
}

// terminate moves a live session to a terminal status, closes its
// participants and rejects queued write requests.
func (c *Controller) terminate(ctx context.Context, sessionID string, to model.SessionStatus, reason string) (model.Session, error) {
	const op = "session.terminate"
	var out []events.Event
	unlock := c.sessionLocks.Lock(sessionID)
	defer c.release(ctx, unlock, &out)

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, fault.Storage(op, err)
	}
	if sess.Status.Terminal() {
		return sess, fault.New(fault.Conflict, op, "session %s is already %s", sessionID, sess.Status)
	}
	if err := c.track(ctx, sess); err != nil {
		return model.Session{}, err
	}

	now := c.now().UTC()
	from := sess.CreatedAt
	if sess.StartedAt != nil {
		from = *sess.StartedAt
	}
	dur := int64(now.Sub(from) / time.Second)
	if dur < 0 {
		dur = 0
	}

	ended, err := c.store.TransitionSession(ctx, sessionID, store.Transition{
		From:            sess.Status,
		To:              to,
		Reason:          reason,
		At:              now,
		DurationSeconds: &dur,
	})
	if err != nil {
		return model.Session{}, fault.Storage(op, err)
	}

	ch := c.registry.Close(sessionID)
	perr := c.persist(ctx, op, ch)

	c.log.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("status", string(to)),
		zap.String("reason", reason),
		zap.Int64("duration_seconds", dur),
		zap.Int64("total_commands", ended.TotalCommands),
		zap.Int64("blocked_commands", ended.BlockedCommands))

	e := events.New(events.SessionEnded, ended.OrganizationID, ended.ID, now).
		With("status", string(to)).
		With("duration_seconds", strconv.FormatInt(dur, 10)).
		With("total_commands", strconv.FormatInt(ended.TotalCommands, 10)).
		With("blocked_commands", strconv.FormatInt(ended.BlockedCommands, 10))
	if reason != "" {
		e = e.With("reason", reason)
	}
	out = append(out, e)
	return ended, perr
}

// ReapIdle ends active sessions without activity for maxIdle and returns
// how many it ended.
func (c *Controller) ReapIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	active, err := c.store.ListSessions(ctx, store.SessionFilter{Statuses: []model.SessionStatus{model.SessionActive}})
	if err != nil {
		return 0, fault.Storage("session.reap", err)
	}
	cutoff := c.now().UTC().Add(-maxIdle)
	reaped := 0
	for _, sess := range active {
		if !sess.LastActivityAt.Before(cutoff) {
			continue
		}
		_, err := c.terminate(ctx, sess.ID, model.SessionEnded, ReasonIdle)
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, fault.ErrConflict):
			// Ended concurrently.
		default:
			return reaped, err
		}
	}
	return reaped, nil
}

// Get returns one session.
func (c *Controller) Get(ctx context.Context, id model.Identity, sessionID string) (model.Session, error) {
	return c.load(ctx, id, "session.get", sessionID)
}

// List returns the caller organization's sessions matching f.
func (c *Controller) List(ctx context.Context, id model.Identity, f store.SessionFilter) ([]model.Session, error) {
	f.OrganizationID = id.OrganizationID
	sessions, err := c.store.ListSessions(ctx, f)
	if err != nil {
		return nil, fault.Storage("session.list", err)
	}
	return sessions, nil
}
