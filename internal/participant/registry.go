// Package participant tracks session membership and write exclusivity.
//
// Each session has its own state guarded by its own mutex, so operations on
// different sessions never contend. At most one active participant per
// session holds write access; other writers wait in a FIFO queue.
package participant

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// Change describes the participant rows touched by a mutation. Callers
// persist Updated and publish events for Granted and Revoked.
type Change struct {
	Updated []model.Participant
	Granted *model.Participant
	Revoked *model.Participant
}

func (c *Change) touch(p *model.Participant) {
	for i := range c.Updated {
		if c.Updated[i].ID == p.ID {
			c.Updated[i] = *p
			return
		}
	}
	c.Updated = append(c.Updated, *p)
}

// JoinRequest describes a user joining a session.
type JoinRequest struct {
	OrganizationID string
	UserID         string
	OrgRole        string
	Role           model.ParticipantRole
}

type sessionState struct {
	mu           sync.Mutex
	id           string
	closed       bool
	participants map[string]*model.Participant
	order        []string
	queue        []*Ticket
}

// Registry holds the participant state of every live session.
// Thread-safe for concurrent access.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now == nil {
			panic("participant: nil clock")
		}
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// state returns the state for sessionID, creating it when create is set.
func (r *Registry) state(sessionID string, create bool) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok && create {
		st = &sessionState{id: sessionID, participants: make(map[string]*model.Participant)}
		r.sessions[sessionID] = st
	}
	return st
}

// lookup returns the locked state for sessionID. The caller must unlock.
func (r *Registry) lookup(op, sessionID string) (*sessionState, error) {
	st := r.state(sessionID, false)
	if st == nil {
		return nil, fault.New(fault.NotFound, op, "session %s has no participants", sessionID)
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, fault.New(fault.InvalidState, op, "session %s is closed", sessionID)
	}
	return st, nil
}

// Tracked reports whether the registry holds state for sessionID.
func (r *Registry) Tracked(sessionID string) bool {
	return r.state(sessionID, false) != nil
}

// Load seeds a session from persisted participants. Existing state is kept.
// Queued write requests are not persisted, so none are restored.
func (r *Registry) Load(sessionID string, participants []model.Participant) {
	st := r.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.participants) > 0 {
		return
	}
	for i := range participants {
		p := participants[i]
		st.participants[p.ID] = &p
		st.order = append(st.order, p.ID)
	}
	_ = r.check(st)
}

// Join adds a participant. It fails with InvalidState unless status is
// preparing or active, and with Conflict if the user is already active in the
// session. Owners receive write access when nobody else holds it.
func (r *Registry) Join(sessionID string, status model.SessionStatus, req JoinRequest) (model.Participant, error) {
	const op = "participant.join"
	if !status.Live() {
		return model.Participant{}, fault.New(fault.InvalidState, op, "session %s is %s", sessionID, status)
	}
	if !req.Role.Valid() {
		return model.Participant{}, fault.New(fault.Invalid, op, "unknown role %q", req.Role)
	}

	st := r.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return model.Participant{}, fault.New(fault.InvalidState, op, "session %s is closed", sessionID)
	}
	for _, id := range st.order {
		p := st.participants[id]
		if p.IsActive && p.UserID == req.UserID {
			return model.Participant{}, fault.New(fault.Conflict, op, "user %s already in session %s", req.UserID, sessionID)
		}
	}

	p := &model.Participant{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		OrgRole:        req.OrgRole,
		Role:           req.Role,
		CanWrite:       req.Role == model.RoleOwner && st.writer() == nil,
		JoinAt:         r.now().UTC(),
		IsActive:       true,
	}
	st.participants[p.ID] = p
	st.order = append(st.order, p.ID)

	if err := r.check(st); err != nil {
		return model.Participant{}, err
	}
	return *p, nil
}

// RequestWrite asks for write access. The returned Ticket is already granted
// when nobody holds write access or the participant already does; otherwise
// it waits in FIFO order. Viewers fail with RoleNotPermitted.
func (r *Registry) RequestWrite(sessionID, participantID string) (*Ticket, Change, error) {
	const op = "participant.request_write"
	st, err := r.lookup(op, sessionID)
	if err != nil {
		return nil, Change{}, err
	}
	defer st.mu.Unlock()

	p, err := st.active(op, participantID)
	if err != nil {
		return nil, Change{}, err
	}
	if !p.Role.CanWrite() {
		return nil, Change{}, fault.New(fault.RoleNotPermitted, op, "role %s cannot hold write access", p.Role)
	}

	t := newTicket(r, sessionID, participantID)
	if p.CanWrite {
		t.resolve(nil)
		return t, Change{}, nil
	}
	for _, q := range st.queue {
		if q.ParticipantID == participantID {
			return nil, Change{}, fault.New(fault.Conflict, op, "participant %s already waiting for write access", participantID)
		}
	}

	var ch Change
	if st.writer() == nil {
		p.CanWrite = true
		ch.touch(p)
		granted := *p
		ch.Granted = &granted
		t.resolve(nil)
	} else {
		st.queue = append(st.queue, t)
		r.log.Debug("write request queued",
			zap.String("session_id", sessionID),
			zap.String("participant_id", participantID),
			zap.Int("position", len(st.queue)))
	}

	if err := r.check(st); err != nil {
		return nil, Change{}, err
	}
	return t, ch, nil
}

// RevokeWrite takes write access from target. Only an owner may revoke
// another participant; any holder may yield its own access. The next queued
// requester, if any, is promoted. Revoking a queued request cancels it.
func (r *Registry) RevokeWrite(sessionID, byID, targetID string) (Change, error) {
	const op = "participant.revoke_write"
	st, err := r.lookup(op, sessionID)
	if err != nil {
		return Change{}, err
	}
	defer st.mu.Unlock()

	by, err := st.active(op, byID)
	if err != nil {
		return Change{}, err
	}
	target, ok := st.participants[targetID]
	if !ok {
		return Change{}, fault.New(fault.NotFound, op, "participant %s not found", targetID)
	}
	if byID != targetID && by.Role != model.RoleOwner {
		return Change{}, fault.New(fault.PermissionDenied, op, "only an owner may revoke another participant")
	}

	var ch Change
	if !target.CanWrite {
		st.dropQueued(targetID, fault.New(fault.PermissionDenied, "participant.wait", "write request revoked"))
		return ch, nil
	}

	target.CanWrite = false
	ch.touch(target)
	revoked := *target
	ch.Revoked = &revoked
	st.promote(&ch)

	if err := r.check(st); err != nil {
		return Change{}, err
	}
	return ch, nil
}

// Leave marks a participant inactive. A held write access passes to the next
// queued requester; a queued request is dropped.
func (r *Registry) Leave(sessionID, participantID string) (Change, error) {
	const op = "participant.leave"
	st, err := r.lookup(op, sessionID)
	if err != nil {
		return Change{}, err
	}
	defer st.mu.Unlock()

	p, err := st.active(op, participantID)
	if err != nil {
		return Change{}, err
	}

	var ch Change
	wasWriter := p.CanWrite
	left := r.now().UTC()
	p.IsActive = false
	p.CanWrite = false
	p.LeftAt = &left
	ch.touch(p)

	st.dropQueued(participantID, fault.New(fault.InvalidState, "participant.wait", "participant %s left", participantID))
	if wasWriter {
		st.promote(&ch)
	}

	if err := r.check(st); err != nil {
		return Change{}, err
	}
	return ch, nil
}

// Close deactivates everyone, rejects queued requests with a session-ended
// error and forgets the session.
func (r *Registry) Close(sessionID string) Change {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return Change{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true

	var ch Change
	at := r.now().UTC()
	for _, id := range st.order {
		p := st.participants[id]
		if !p.IsActive {
			continue
		}
		left := at
		p.IsActive = false
		p.CanWrite = false
		p.LeftAt = &left
		ch.touch(p)
	}
	for _, t := range st.queue {
		t.resolve(fault.SessionEnded(sessionID))
	}
	st.queue = nil
	return ch
}

// Snapshot returns copies of the session's participants in join order.
func (r *Registry) Snapshot(sessionID string) ([]model.Participant, error) {
	st, err := r.lookup("participant.snapshot", sessionID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	out := make([]model.Participant, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, *st.participants[id])
	}
	return out, nil
}

// Get returns a copy of one participant.
func (r *Registry) Get(sessionID, participantID string) (model.Participant, error) {
	const op = "participant.get"
	st, err := r.lookup(op, sessionID)
	if err != nil {
		return model.Participant{}, err
	}
	defer st.mu.Unlock()
	p, ok := st.participants[participantID]
	if !ok {
		return model.Participant{}, fault.New(fault.NotFound, op, "participant %s not found", participantID)
	}
	return *p, nil
}

// Writer returns the current write holder, if any.
func (r *Registry) Writer(sessionID string) (model.Participant, bool) {
	st, err := r.lookup("participant.writer", sessionID)
	if err != nil {
		return model.Participant{}, false
	}
	defer st.mu.Unlock()
	if w := st.writer(); w != nil {
		return *w, true
	}
	return model.Participant{}, false
}

// QueueLen returns the number of waiting write requests.
func (r *Registry) QueueLen(sessionID string) int {
	st, err := r.lookup("participant.queue_len", sessionID)
	if err != nil {
		return 0
	}
	defer st.mu.Unlock()
	return len(st.queue)
}

// check verifies write exclusivity. Must be called with st.mu held.
func (r *Registry) check(st *sessionState) error {
	writers := 0
	for _, p := range st.participants {
		if p.IsActive && p.CanWrite {
			writers++
		}
	}
	if writers > 1 {
		r.log.Error("write exclusivity violated",
			zap.String("session_id", st.id),
			zap.Int("writers", writers))
		return fault.New(fault.InvalidState, "participant.check", "session %s has %d writers", st.id, writers)
	}
	return nil
}

// cancel withdraws t from its queue. If t was resolved first, its result
// stands.
func (r *Registry) cancel(t *Ticket, cause error) error {
	if st := r.state(t.SessionID, false); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		if t.resolveIfPending(cause) {
			st.removeTicket(t)
			return cause
		}
		return t.err
	}
	if t.resolveIfPending(cause) {
		return cause
	}
	return t.err
}

func (st *sessionState) writer() *model.Participant {
	for _, id := range st.order {
		if p := st.participants[id]; p.IsActive && p.CanWrite {
			return p
		}
	}
	return nil
}

func (st *sessionState) active(op, participantID string) (*model.Participant, error) {
	p, ok := st.participants[participantID]
	if !ok {
		return nil, fault.New(fault.NotFound, op, "participant %s not found", participantID)
	}
	if !p.IsActive {
		return nil, fault.New(fault.InvalidState, op, "participant %s has left", participantID)
	}
	return p, nil
}

// promote grants write access to the first queued requester still active.
func (st *sessionState) promote(ch *Change) {
	for len(st.queue) > 0 {
		t := st.queue[0]
		st.queue = st.queue[1:]
		p, ok := st.participants[t.ParticipantID]
		if !ok || !p.IsActive {
			t.resolve(fault.New(fault.InvalidState, "participant.wait", "participant %s has left", t.ParticipantID))
			continue
		}
		p.CanWrite = true
		ch.touch(p)
		granted := *p
		ch.Granted = &granted
		t.resolve(nil)
		return
	}
}

func (st *sessionState) dropQueued(participantID string, cause error) {
	kept := st.queue[:0]
	for _, t := range st.queue {
		if t.ParticipantID == participantID {
			t.resolve(cause)
			continue
		}
		kept = append(kept, t)
	}
	st.queue = kept
}

func (st *sessionState) removeTicket(t *Ticket) {
	for i, q := range st.queue {
		if q == t {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}
