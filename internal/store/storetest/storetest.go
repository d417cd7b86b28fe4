// Package storetest holds behavioural checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

// Run exercises s against the store contract. newStore must return an empty
// store for every call.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("ConnectionLifecycle", func(t *testing.T) { testConnections(t, newStore(t)) })
	t.Run("Policies", func(t *testing.T) { testPolicies(t, newStore(t)) })
	t.Run("SessionTransition", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("AppendCommandCounters", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("CompleteCommand", func(t *testing.T) { testComplete(t, newStore(t)) })
	t.Run("RecordingUnique", func(t *testing.T) { testRecording(t, newStore(t)) })
	t.Run("Participants", func(t *testing.T) { testParticipants(t, newStore(t)) })
	t.Run("ActivityAndRecordingURL", func(t *testing.T) { testActivity(t, newStore(t)) })
}

var base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func wantKind(t *testing.T, err error, kind fault.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := fault.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func seedSession(t *testing.T, s store.Store, id string) model.Session {
	t.Helper()
	ctx := context.Background()
	conn := model.Connection{
		ID:             "conn-" + id,
		OrganizationID: "org-1",
		Name:           "db",
		Protocol:       model.ProtocolSSH,
		Host:           "10.0.0.5",
		Port:           22,
		Status:         model.ConnectionEnabled,
		CreatedAt:      base,
	}
	if err := s.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	sess := model.Session{
		ID:                id,
		OrganizationID:    "org-1",
		ConnectionID:      conn.ID,
		InitiatedByUserID: "alice",
		Status:            model.SessionPreparing,
		CreatedAt:         base,
		LastActivityAt:    base,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func testConnections(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-conn")

	if err := s.CreateConnection(ctx, model.Connection{ID: sess.ConnectionID}); err == nil {
		t.Fatal("expected conflict on duplicate connection")
	} else {
		wantKind(t, err, fault.Conflict)
	}

	wantKind(t, s.DeleteConnection(ctx, sess.ConnectionID), fault.Conflict)

	if _, err := s.TransitionSession(ctx, sess.ID, store.Transition{
		From: model.SessionPreparing, To: model.SessionEnded, At: base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.DeleteConnection(ctx, sess.ConnectionID); err != nil {
		t.Fatalf("delete after session ended: %v", err)
	}
	_, err := s.GetConnection(ctx, sess.ConnectionID)
	wantKind(t, err, fault.NotFound)
}

func testPolicies(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, p := range []model.Policy{
		{ID: "p2", OrganizationID: "org-1", Name: "two", BlockedPatterns: []string{"rm"}, IsActive: true},
		{ID: "p1", OrganizationID: "org-1", Name: "one", BlockedPatterns: []string{"dd"}, IsActive: true},
		{ID: "p3", OrganizationID: "org-2", Name: "other", IsActive: true},
	} {
		if err := s.PutPolicy(ctx, p); err != nil {
			t.Fatalf("put policy %s: %v", p.ID, err)
		}
	}

	list, err := s.ListPolicies(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "p1" || list[1].ID != "p2" {
		t.Fatalf("expected [p1 p2], got %+v", list)
	}

	if err := s.DeletePolicy(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	wantKind(t, s.DeletePolicy(ctx, "p1"), fault.NotFound)
}

func testTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-tr")

	started := base.Add(time.Second)
	got, err := s.TransitionSession(ctx, sess.ID, store.Transition{
		From: model.SessionPreparing, To: model.SessionActive, At: started,
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got.Status != model.SessionActive || got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("unexpected session after activation: %+v", got)
	}

	// Stale compare-and-set.
	_, err = s.TransitionSession(ctx, sess.ID, store.Transition{
		From: model.SessionPreparing, To: model.SessionError, At: started,
	})
	wantKind(t, err, fault.Conflict)

	dur := int64(60)
	ended := started.Add(time.Minute)
	got, err = s.TransitionSession(ctx, sess.ID, store.Transition{
		From: model.SessionActive, To: model.SessionEnded, At: ended, DurationSeconds: &dur,
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) || got.DurationSeconds != 60 {
		t.Fatalf("unexpected session after end: %+v", got)
	}

	n, err := s.CountSessions(ctx, store.SessionFilter{OrganizationID: "org-1", Statuses: store.LiveStatuses})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 live sessions, got %d", n)
	}

	_, err = s.TransitionSession(ctx, sess.ID, store.Transition{
		From: model.SessionEnded, To: model.SessionActive, At: ended,
	})
	wantKind(t, err, fault.InvalidState)

	_, err = s.GetSession(ctx, "missing")
	wantKind(t, err, fault.NotFound)
}

func testActivity(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-act")

	later := base.Add(5 * time.Minute)
	if err := s.TouchSession(ctx, sess.ID, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.TouchSession(ctx, sess.ID, base.Add(time.Minute)); err != nil {
		t.Fatalf("touch older: %v", err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastActivityAt.Equal(later) {
		t.Errorf("last activity = %v, want %v", got.LastActivityAt, later)
	}
	wantKind(t, s.TouchSession(ctx, "missing", later), fault.NotFound)

	if err := s.SetRecordingURL(ctx, sess.ID, "https://rec.example/s-act.yaml"); err != nil {
		t.Fatalf("set recording url: %v", err)
	}
	got, _ = s.GetSession(ctx, sess.ID)
	if got.RecordingURL != "https://rec.example/s-act.yaml" {
		t.Errorf("recording url = %q", got.RecordingURL)
	}
	wantKind(t, s.SetRecordingURL(ctx, "missing", "x"), fault.NotFound)
}

func testAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-app")

	cmds := []model.Command{
		{ID: "c1", SessionID: sess.ID, Text: "ls", Status: model.CommandExecuted, CreatedAt: base},
		{ID: "c2", SessionID: sess.ID, Text: "rm -rf /", Status: model.CommandBlocked, WasBlocked: true, CreatedAt: base.Add(time.Second)},
		{ID: "c3", SessionID: sess.ID, Text: "pwd", Status: model.CommandExecuted, CreatedAt: base.Add(2 * time.Second)},
	}
	for i, c := range cmds {
		got, err := s.AppendCommand(ctx, c)
		if err != nil {
			t.Fatalf("append %s: %v", c.ID, err)
		}
		if got.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, got.Seq)
		}
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.TotalCommands != 3 || got.BlockedCommands != 1 {
		t.Errorf("expected total=3 blocked=1, got total=%d blocked=%d", got.TotalCommands, got.BlockedCommands)
	}

	list, err := s.ListCommands(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c1" || list[2].ID != "c3" {
		t.Fatalf("unexpected command order: %+v", list)
	}

	_, err = s.AppendCommand(ctx, model.Command{ID: "c4", SessionID: "missing"})
	wantKind(t, err, fault.NotFound)
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-conc")

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := model.Command{
				ID:         sess.ID + "-" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
				SessionID:  sess.ID,
				Text:       "echo",
				WasBlocked: i%4 == 0,
				CreatedAt:  base,
			}
			if _, err := s.AppendCommand(ctx, c); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.TotalCommands != n {
		t.Errorf("expected total=%d, got %d", n, got.TotalCommands)
	}
	if got.BlockedCommands != n/4 {
		t.Errorf("expected blocked=%d, got %d", n/4, got.BlockedCommands)
	}
	if got.BlockedCommands > got.TotalCommands {
		t.Errorf("blocked %d exceeds total %d", got.BlockedCommands, got.TotalCommands)
	}
}

func testComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-done")

	if _, err := s.AppendCommand(ctx, model.Command{ID: "c1", SessionID: sess.ID, Text: "ls", CreatedAt: base}); err != nil {
		t.Fatalf("append: %v", err)
	}

	at := base.Add(time.Second)
	got, err := s.CompleteCommand(ctx, "c1", 0, "ok", at)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !got.Completed || got.ExitCode == nil || *got.ExitCode != 0 || got.Output != "ok" {
		t.Fatalf("unexpected completion: %+v", got)
	}

	// Same completion again is a no-op.
	if _, err := s.CompleteCommand(ctx, "c1", 0, "ok", at.Add(time.Hour)); err != nil {
		t.Fatalf("repeat completion: %v", err)
	}
	again, err := s.GetCommand(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.CompletedAt == nil || !again.CompletedAt.Equal(at) {
		t.Errorf("repeat completion changed completed_at: %v", again.CompletedAt)
	}

	_, err = s.CompleteCommand(ctx, "c1", 1, "boom", at)
	wantKind(t, err, fault.Conflict)

	_, err = s.CompleteCommand(ctx, "missing", 0, "", at)
	wantKind(t, err, fault.NotFound)
}

func testRecording(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-rec")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.CreateRecording(ctx, model.Recording{
				ID:        "rec-" + string(rune('a'+i)),
				SessionID: sess.ID,
				Status:    model.RecordingProcessing,
				CreatedAt: base,
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, fault.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got ok=%d conflict=%d", ok, conflicts)
	}

	rec, err := s.GetRecordingBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get recording: %v", err)
	}
	rec.Status = model.RecordingReady
	if err := s.UpdateRecording(ctx, rec); err != nil {
		t.Fatalf("update recording: %v", err)
	}
	rec, _ = s.GetRecordingBySession(ctx, sess.ID)
	if rec.Status != model.RecordingReady {
		t.Errorf("expected ready, got %s", rec.Status)
	}
}

func testParticipants(t *testing.T, s store.Store) {
	ctx := context.Background()
	sess := seedSession(t, s, "s-part")

	owner := model.Participant{ID: "p1", SessionID: sess.ID, UserID: "alice", Role: model.RoleOwner, CanWrite: true, IsActive: true, JoinAt: base}
	viewer := model.Participant{ID: "p2", SessionID: sess.ID, UserID: "bob", Role: model.RoleViewer, IsActive: true, JoinAt: base.Add(time.Second)}
	for _, p := range []model.Participant{owner, viewer} {
		if err := s.SaveParticipant(ctx, p); err != nil {
			t.Fatalf("save %s: %v", p.ID, err)
		}
	}
	left := base.Add(time.Minute)
	viewer.IsActive = false
	viewer.LeftAt = &left
	if err := s.SaveParticipant(ctx, viewer); err != nil {
		t.Fatalf("update viewer: %v", err)
	}

	list, err := s.ListParticipants(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "p1" {
		t.Fatalf("unexpected participants: %+v", list)
	}
	if list[1].IsActive || list[1].LeftAt == nil {
		t.Errorf("expected viewer to have left: %+v", list[1])
	}
}
