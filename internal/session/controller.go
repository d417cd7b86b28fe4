// Package session runs the session state machine and is the only writer of
// a session's aggregate fields.
//
// A session moves preparing -> active -> ended, or to error from either live
// state. Operations on one session are serialized by a per-session mutex;
// operations on different sessions share no lock.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/ledger"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/participant"
	"github.com/Extra-Chill/plasma-warden/internal/policy"
	"github.com/Extra-Chill/plasma-warden/internal/store"
	"github.com/Extra-Chill/plasma-warden/internal/transport"
)

// DefaultHandshakeTimeout bounds the transport handshake in Start.
const DefaultHandshakeTimeout = 15 * time.Second

// Deps are the collaborators of a Controller. Store, Matcher and Ledger are
// required.
type Deps struct {
	Store     store.Store
	Registry  *participant.Registry
	Matcher   *policy.Matcher
	Modes     *mode.Manager
	Ledger    *ledger.Ledger
	Transport transport.Handshaker
	Events    events.Publisher
}

// Controller orchestrates sessions.
type Controller struct {
	store     store.Store
	registry  *participant.Registry
	matcher   *policy.Matcher
	modes     *mode.Manager
	ledger    *ledger.Ledger
	transport transport.Handshaker
	events    events.Publisher

	handshakeTimeout time.Duration
	now              func() time.Time
	log              *zap.Logger

	sessionLocks *keyedMutex
	orgLocks     *keyedMutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithHandshakeTimeout bounds the transport handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now == nil {
			panic("session: nil clock")
		}
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// NewController creates a Controller. Missing optional collaborators get
// defaults: a fresh registry, enforce mode, a no-op transport and a
// discarding publisher.
func NewController(d Deps, opts ...Option) *Controller {
	if d.Store == nil {
		panic("session: nil store")
	}
	if d.Matcher == nil {
		panic("session: nil matcher")
	}
	if d.Ledger == nil {
		panic("session: nil ledger")
	}
	c := &Controller{
		store:            d.Store,
		registry:         d.Registry,
		matcher:          d.Matcher,
		modes:            d.Modes,
		ledger:           d.Ledger,
		transport:        d.Transport,
		events:           d.Events,
		handshakeTimeout: DefaultHandshakeTimeout,
		now:              time.Now,
		log:              zap.NewNop(),
		sessionLocks:     newKeyedMutex(),
		orgLocks:         newKeyedMutex(),
	}
	if c.registry == nil {
		c.registry = participant.NewRegistry()
	}
	if c.modes == nil {
		c.modes = mode.NewManager()
	}
	if c.transport == nil {
		c.transport = transport.Nop{}
	}
	if c.events == nil {
		c.events = events.Discard
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the participant registry.
func (c *Controller) Registry() *participant.Registry { return c.registry }

// load fetches a session visible to the caller's organization. Sessions of
// other organizations look like unknown IDs.
func (c *Controller) load(ctx context.Context, id model.Identity, op, sessionID string) (model.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, fault.Storage(op, err)
	}
	if id.OrganizationID != "" && sess.OrganizationID != id.OrganizationID {
		return model.Session{}, fault.New(fault.NotFound, op, "session %s not found", sessionID)
	}
	return sess, nil
}

// track makes sure the registry holds the participants of a live session,
// reloading them from the store after a restart. Must hold the session lock.
func (c *Controller) track(ctx context.Context, sess model.Session) error {
	if !sess.Status.Live() || c.registry.Tracked(sess.ID) {
		return nil
	}
	ps, err := c.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		return fault.Storage("session.track", err)
	}
	c.registry.Load(sess.ID, ps)
	return nil
}

// persist saves every participant row touched by ch.
func (c *Controller) persist(ctx context.Context, op string, ch participant.Change) error {
	for _, p := range ch.Updated {
		if err := c.store.SaveParticipant(ctx, p); err != nil {
			c.log.Error("persist participant",
				zap.String("session_id", p.SessionID),
				zap.String("participant_id", p.ID),
				zap.Error(err))
			return fault.Storage(op, err)
		}
	}
	return nil
}

// publish sends e. Delivery failures are logged; the bus has already
// retried by the time it reports one.
func (c *Controller) publish(ctx context.Context, e events.Event) {
	if err := c.events.Publish(ctx, e); err != nil {
		c.log.Error("publish event",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.String("session_id", e.SessionID),
			zap.Error(err))
	}
}

func (c *Controller) participantEvent(typ events.Type, p model.Participant) events.Event {
	e := events.New(typ, p.OrganizationID, p.SessionID, c.now().UTC())
	e.UserID = p.UserID
	e.ParticipantID = p.ID
	return e.With("role", string(p.Role))
}

// changeEvents returns the write_revoked and write_granted events for ch.
func (c *Controller) changeEvents(ch participant.Change) []events.Event {
	var out []events.Event
	if ch.Revoked != nil {
		out = append(out, c.participantEvent(events.WriteRevoked, *ch.Revoked))
	}
	if ch.Granted != nil {
		out = append(out, c.participantEvent(events.WriteGranted, *ch.Granted))
	}
	return out
}

// release drops a session lock and then publishes the events raised while
// it was held. Sinks may be slow (recording finalization), and other calls
// on the session must not wait for them.
func (c *Controller) release(ctx context.Context, unlock func(), out *[]events.Event) {
	unlock()
	for _, e := range *out {
		c.publish(ctx, e)
	}
}

// touch moves the session's last activity forward. It is best effort: a
// failure only delays the idle reaper.
func (c *Controller) touch(ctx context.Context, sessionID string) {
	if err := c.store.TouchSession(ctx, sessionID, c.now().UTC()); err != nil {
		c.log.Warn("touch session", zap.String("session_id", sessionID), zap.Error(err))
	}
}
