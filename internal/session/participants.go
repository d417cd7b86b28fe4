package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/participant"
)

// Join adds the caller to a live session. Only the session's initiator may
// join as owner.
func (c *Controller) Join(ctx context.Context, id model.Identity, sessionID string, role model.ParticipantRole) (model.Participant, error) {
	const op = "session.join"
	var out []events.Event
	unlock := c.sessionLocks.Lock(sessionID)
	defer c.release(ctx, unlock, &out)

	sess, err := c.live(ctx, id, op, sessionID)
	if err != nil {
		return model.Participant{}, err
	}
	if role == model.RoleOwner && id.UserID != sess.InitiatedByUserID {
		return model.Participant{}, fault.New(fault.PermissionDenied, op, "only the initiator may join session %s as owner", sessionID)
	}

	p, err := c.registry.Join(sessionID, sess.Status, participant.JoinRequest{
		OrganizationID: sess.OrganizationID,
		UserID:         id.UserID,
		OrgRole:        id.Role,
		Role:           role,
	})
	if err != nil {
		return model.Participant{}, err
	}
	if err := c.store.SaveParticipant(ctx, p); err != nil {
		// Keep the registry in step with what was stored.
		if _, lerr := c.registry.Leave(sessionID, p.ID); lerr != nil {
			c.log.Error("undo join", zap.String("participant_id", p.ID), zap.Error(lerr))
		}
		return model.Participant{}, fault.Storage(op, err)
	}

	c.log.Info("participant joined",
		zap.String("session_id", sessionID),
		zap.String("participant_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("role", string(p.Role)))
	c.touch(ctx, sessionID)
	out = append(out, c.participantEvent(events.ParticipantJoined, p))
	return p, nil
}

// Leave marks the caller's participant inactive. Write access it held passes
// to the next queued requester.
func (c *Controller) Leave(ctx context.Context, id model.Identity, sessionID, participantID string) (model.Participant, error) {
	const op = "session.leave"
	var out []events.Event
	unlock := c.sessionLocks.Lock(sessionID)
	defer c.release(ctx, unlock, &out)

	if _, err := c.live(ctx, id, op, sessionID); err != nil {
		return model.Participant{}, err
	}
	if err := c.owns(op, id, sessionID, participantID); err != nil {
		return model.Participant{}, err
	}

	ch, err := c.registry.Leave(sessionID, participantID)
	if err != nil {
		return model.Participant{}, err
	}
	if err := c.persist(ctx, op, ch); err != nil {
		return model.Participant{}, err
	}

	var left model.Participant
	for _, p := range ch.Updated {
		if p.ID == participantID {
			left = p
		}
	}
	c.touch(ctx, sessionID)
	out = append(out, c.participantEvent(events.ParticipantLeft, left))
	out = append(out, c.changeEvents(ch)...)
	return left, nil
}

// RequestWrite asks for write access on behalf of the caller's participant.
// The returned ticket is already granted when access was free; otherwise the
// caller waits on it. Queued requests are rejected when the session ends.
func (c *Controller) RequestWrite(ctx context.Context, id model.Identity, sessionID, participantID string) (*participant.Ticket, error) {
	const op = "session.request_write"
	var out []events.Event
	unlock := c.sessionLocks.Lock(sessionID)
	defer c.release(ctx, unlock, &out)

	if _, err := c.live(ctx, id, op, sessionID); err != nil {
		return nil, err
	}
	if err := c.owns(op, id, sessionID, participantID); err != nil {
		return nil, err
	}

	t, ch, err := c.registry.RequestWrite(sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if err := c.persist(ctx, op, ch); err != nil {
		return nil, err
	}
	c.touch(ctx, sessionID)
	out = c.changeEvents(ch)
	return t, nil
}

// RevokeWrite takes write access from targetID. byID must be the caller's
// participant; revoking someone else requires the owner role.
func (c *Controller) RevokeWrite(ctx context.Context, id model.Identity, sessionID, byID, targetID string) error {
	const op = "session.revoke_write"
	var out []events.Event
	unlock := c.sessionLocks.Lock(sessionID)
	defer c.release(ctx, unlock, &out)

	if _, err := c.live(ctx, id, op, sessionID); err != nil {
		return err
	}
	if err := c.owns(op, id, sessionID, byID); err != nil {
		return err
	}

	ch, err := c.registry.RevokeWrite(sessionID, byID, targetID)
	if err != nil {
		return err
	}
	if err := c.persist(ctx, op, ch); err != nil {
		return err
	}
	if ch.Revoked != nil {
		c.log.Info("write access revoked",
			zap.String("session_id", sessionID),
			zap.String("by", byID),
			zap.String("target", targetID))
	}
	out = c.changeEvents(ch)
	return nil
}

// Participants lists a session's participants in join order. Live sessions
// are answered from the registry, finished ones from the store.
func (c *Controller) Participants(ctx context.Context, id model.Identity, sessionID string) ([]model.Participant, error) {
	const op = "session.participants"
	unlock := c.sessionLocks.Lock(sessionID)
	defer unlock()

	sess, err := c.load(ctx, id, op, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Live() {
		ps, err := c.store.ListParticipants(ctx, sessionID)
		if err != nil {
			return nil, fault.Storage(op, err)
		}
		return ps, nil
	}
	if err := c.track(ctx, sess); err != nil {
		return nil, err
	}
	return c.registry.Snapshot(sessionID)
}

// live loads a session the caller can see and fails with InvalidState unless
// it is preparing or active. Must hold the session lock.
func (c *Controller) live(ctx context.Context, id model.Identity, op, sessionID string) (model.Session, error) {
	sess, err := c.load(ctx, id, op, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if !sess.Status.Live() {
		return model.Session{}, fault.New(fault.InvalidState, op, "session %s is %s", sessionID, sess.Status)
	}
	if err := c.track(ctx, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// owns fails with PermissionDenied unless participantID belongs to the caller.
func (c *Controller) owns(op string, id model.Identity, sessionID, participantID string) error {
	p, err := c.registry.Get(sessionID, participantID)
	if err != nil {
		return err
	}
	if p.UserID != id.UserID {
		return fault.New(fault.PermissionDenied, op, "participant %s belongs to another user", participantID)
	}
	return nil
}
