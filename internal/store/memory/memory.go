// Package memory is an in-process implementation of store.Store with
// optional JSON snapshot persistence.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

var _ store.Store = (*Store)(nil)

// snapshot is the on-disk layout.
type snapshot struct {
	Organizations []model.Organization `json:"organizations"`
	Connections   []model.Connection   `json:"connections"`
	Policies      []model.Policy       `json:"policies"`
	Sessions      []model.Session      `json:"sessions"`
	Participants  []model.Participant  `json:"participants"`
	Commands      []model.Command      `json:"commands"`
	Recordings    []model.Recording    `json:"recordings"`
}

// Store keeps everything in maps guarded by one RWMutex. When filePath is
// set, every mutation rewrites a JSON snapshot atomically.
type Store struct {
	mu           sync.RWMutex
	orgs         map[string]model.Organization
	connections  map[string]model.Connection
	policies     map[string]model.Policy
	sessions     map[string]model.Session
	participants map[string]model.Participant
	commands     map[string]model.Command
	recordings   map[string]model.Recording // by session ID
	filePath     string
	log          *zap.Logger
}

// New creates a Store. If filePath is empty, data only lives in memory.
func New(filePath string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		orgs:         make(map[string]model.Organization),
		connections:  make(map[string]model.Connection),
		policies:     make(map[string]model.Policy),
		sessions:     make(map[string]model.Session),
		participants: make(map[string]model.Participant),
		commands:     make(map[string]model.Command),
		recordings:   make(map[string]model.Recording),
		filePath:     filePath,
		log:          log,
	}
	if filePath != "" {
		s.load()
	}
	return s
}

func notFound(op, what, id string) error {
	return fault.New(fault.NotFound, op, "%s %s not found", what, id)
}

// --- organizations ---

func (s *Store) PutOrganization(_ context.Context, org model.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(put(s.orgs, org.ID, org))
}

func (s *Store) GetOrganization(_ context.Context, id string) (model.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return model.Organization{}, notFound("store.get_organization", "organization", id)
	}
	return org, nil
}

func (s *Store) ListOrganizations(_ context.Context) ([]model.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- connections ---

func (s *Store) CreateConnection(_ context.Context, c model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[c.ID]; ok {
		return fault.New(fault.Conflict, "store.create_connection", "connection %s already exists", c.ID)
	}
	return s.commit(put(s.connections, c.ID, c))
}

func (s *Store) GetConnection(_ context.Context, id string) (model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	if !ok {
		return model.Connection{}, notFound("store.get_connection", "connection", id)
	}
	return c, nil
}

func (s *Store) UpdateConnection(_ context.Context, c model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[c.ID]; !ok {
		return notFound("store.update_connection", "connection", c.ID)
	}
	return s.commit(put(s.connections, c.ID, c))
}

func (s *Store) DeleteConnection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[id]; !ok {
		return notFound("store.delete_connection", "connection", id)
	}
	live := store.SessionFilter{ConnectionID: id, Statuses: store.LiveStatuses}
	for _, sess := range s.sessions {
		if live.Matches(sess) {
			return fault.New(fault.Conflict, "store.delete_connection", "connection %s has live sessions", id)
		}
	}
	return s.commit(del(s.connections, id))
}

func (s *Store) ListConnections(_ context.Context, orgID string) ([]model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Connection, 0)
	for _, c := range s.connections {
		if orgID == "" || c.OrganizationID == orgID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- policies ---

func (s *Store) PutPolicy(_ context.Context, p model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.BlockedPatterns = append([]string(nil), p.BlockedPatterns...)
	p.AppliesToRoles = append([]string(nil), p.AppliesToRoles...)
	return s.commit(put(s.policies, p.ID, p))
}

func (s *Store) GetPolicy(_ context.Context, id string) (model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return model.Policy{}, notFound("store.get_policy", "policy", id)
	}
	return p, nil
}

func (s *Store) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return notFound("store.delete_policy", "policy", id)
	}
	return s.commit(del(s.policies, id))
}

func (s *Store) ListPolicies(_ context.Context, orgID string) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Policy, 0)
	for _, p := range s.policies {
		if orgID == "" || p.OrganizationID == orgID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- sessions ---

func (s *Store) CreateSession(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fault.New(fault.Conflict, "store.create_session", "session %s already exists", sess.ID)
	}
	return s.commit(put(s.sessions, sess.ID, sess))
}

func (s *Store) GetSession(_ context.Context, id string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, notFound("store.get_session", "session", id)
	}
	return sess, nil
}

func (s *Store) ListSessions(_ context.Context, f store.SessionFilter) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Session, 0)
	for _, sess := range s.sessions {
		if f.Matches(sess) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CountSessions(_ context.Context, f store.SessionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if f.Matches(sess) {
			n++
		}
	}
	return n, nil
}

func (s *Store) TransitionSession(_ context.Context, id string, t store.Transition) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, notFound("store.transition_session", "session", id)
	}
	if !t.From.CanTransition(t.To) {
		return model.Session{}, fault.New(fault.InvalidState, "store.transition_session",
			"session cannot move from %s to %s", t.From, t.To)
	}
	if sess.Status != t.From {
		return model.Session{}, fault.New(fault.Conflict, "store.transition_session",
			"session %s is %s, expected %s", id, sess.Status, t.From)
	}
	sess.Status = t.To
	if t.Reason != "" {
		sess.StatusReason = t.Reason
	}
	sess.LastActivityAt = t.At
	at := t.At
	if t.To == model.SessionActive {
		sess.StartedAt = &at
	}
	if t.To.Terminal() {
		sess.EndedAt = &at
	}
	if t.DurationSeconds != nil {
		sess.DurationSeconds = *t.DurationSeconds
	}
	if err := s.commit(put(s.sessions, id, sess)); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound("store.touch_session", "session", id)
	}
	if !at.After(sess.LastActivityAt) {
		return nil
	}
	sess.LastActivityAt = at
	return s.commit(put(s.sessions, id, sess))
}

func (s *Store) SetRecordingURL(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound("store.set_recording_url", "session", id)
	}
	sess.RecordingURL = url
	return s.commit(put(s.sessions, id, sess))
}

// --- participants ---

func (s *Store) SaveParticipant(_ context.Context, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[p.SessionID]; !ok {
		return notFound("store.save_participant", "session", p.SessionID)
	}
	return s.commit(put(s.participants, p.ID, p))
}

func (s *Store) ListParticipants(_ context.Context, sessionID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Participant, 0)
	for _, p := range s.participants {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinAt.Equal(out[j].JoinAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinAt.Before(out[j].JoinAt)
	})
	return out, nil
}

// --- commands ---

func (s *Store) AppendCommand(_ context.Context, c model.Command) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.SessionID]
	if !ok {
		return model.Command{}, notFound("store.append_command", "session", c.SessionID)
	}
	if _, exists := s.commands[c.ID]; exists {
		return model.Command{}, fault.New(fault.Conflict, "store.append_command", "command %s already exists", c.ID)
	}
	sess.TotalCommands++
	if c.WasBlocked {
		sess.BlockedCommands++
	}
	if c.CreatedAt.After(sess.LastActivityAt) {
		sess.LastActivityAt = c.CreatedAt
	}
	c.Seq = sess.TotalCommands
	if err := s.commit(put(s.sessions, sess.ID, sess), put(s.commands, c.ID, c.Clone())); err != nil {
		return model.Command{}, err
	}
	return c, nil
}

func (s *Store) GetCommand(_ context.Context, id string) (model.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return model.Command{}, notFound("store.get_command", "command", id)
	}
	return c.Clone(), nil
}

func (s *Store) ListCommands(_ context.Context, sessionID string) ([]model.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Command, 0)
	for _, c := range s.commands {
		if c.SessionID == sessionID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) CompleteCommand(_ context.Context, id string, exitCode int, output string, at time.Time) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok {
		return model.Command{}, notFound("store.complete_command", "command", id)
	}
	if c.Completed {
		if store.SameCompletion(c, exitCode, output) {
			return c.Clone(), nil
		}
		return model.Command{}, fault.New(fault.Conflict, "store.complete_command",
			"command %s already completed with a different result", id)
	}
	code := exitCode
	c.ExitCode = &code
	c.Output = output
	c.Completed = true
	c.CompletedAt = &at
	if err := s.commit(put(s.commands, id, c)); err != nil {
		return model.Command{}, err
	}
	return c.Clone(), nil
}

// --- recordings ---

func (s *Store) CreateRecording(_ context.Context, r model.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recordings[r.SessionID]; ok {
		return fault.New(fault.Conflict, "store.create_recording", "session %s already has a recording", r.SessionID)
	}
	return s.commit(put(s.recordings, r.SessionID, r))
}

func (s *Store) GetRecordingBySession(_ context.Context, sessionID string) (model.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recordings[sessionID]
	if !ok {
		return model.Recording{}, notFound("store.get_recording", "recording for session", sessionID)
	}
	return r, nil
}

func (s *Store) UpdateRecording(_ context.Context, r model.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.recordings[r.SessionID]
	if !ok || existing.ID != r.ID {
		return notFound("store.update_recording", "recording", r.ID)
	}
	return s.commit(put(s.recordings, r.SessionID, r))
}

// Close flushes the snapshot.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// put sets m[k] and returns a func that restores the previous entry.
func put[K comparable, V any](m map[K]V, k K, v V) func() {
	old, had := m[k]
	m[k] = v
	return func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	}
}

// del removes m[k] and returns a func that puts it back.
func del[K comparable, V any](m map[K]V, k K) func() {
	old, had := m[k]
	delete(m, k)
	return func() {
		if had {
			m[k] = old
		}
	}
}

// commit persists the snapshot. On failure the mutations are undone in
// reverse order so memory never runs ahead of what the caller was told.
// Must be called with the lock held.
func (s *Store) commit(undo ...func()) error {
	err := s.persist()
	if err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		s.log.Error("snapshot write failed, change rolled back", zap.String("path", s.filePath), zap.Error(err))
	}
	return err
}

// persist saves the snapshot to the JSON file (must be called with lock held).
func (s *Store) persist() error {
	if s.filePath == "" {
		return nil
	}

	snap := snapshot{}
	for _, v := range s.orgs {
		snap.Organizations = append(snap.Organizations, v)
	}
	for _, v := range s.connections {
		snap.Connections = append(snap.Connections, v)
	}
	for _, v := range s.policies {
		snap.Policies = append(snap.Policies, v)
	}
	for _, v := range s.sessions {
		snap.Sessions = append(snap.Sessions, v)
	}
	for _, v := range s.participants {
		snap.Participants = append(snap.Participants, v)
	}
	for _, v := range s.commands {
		snap.Commands = append(snap.Commands, v)
	}
	for _, v := range s.recordings {
		snap.Recordings = append(snap.Recordings, v)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fault.Storage("store.persist", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fault.Storage("store.persist", err)
	}

	// Write atomically
	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fault.Storage("store.persist", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		return fault.Storage("store.persist", err)
	}
	return nil
}

// load reads the snapshot file. A missing file is an empty store.
func (s *Store) load() {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("read snapshot", zap.String("path", s.filePath), zap.Error(err))
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("decode snapshot", zap.String("path", s.filePath), zap.Error(err))
		return
	}

	for _, v := range snap.Organizations {
		s.orgs[v.ID] = v
	}
	for _, v := range snap.Connections {
		s.connections[v.ID] = v
	}
	for _, v := range snap.Policies {
		s.policies[v.ID] = v
	}
	for _, v := range snap.Sessions {
		s.sessions[v.ID] = v
	}
	for _, v := range snap.Participants {
		s.participants[v.ID] = v
	}
	for _, v := range snap.Commands {
		s.commands[v.ID] = v
	}
	for _, v := range snap.Recordings {
		s.recordings[v.SessionID] = v
	}
}
