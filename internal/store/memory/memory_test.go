package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
	"github.com/Extra-Chill/plasma-warden/internal/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New("", nil) })
}

func TestStore_PersistedConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New(filepath.Join(t.TempDir(), "state.json"), nil)
	})
}

func TestStore_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "state", "warden.json")
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	s1 := New(filePath, nil)
	if err := s1.PutPolicy(ctx, model.Policy{ID: "p1", OrganizationID: "org-1", Name: "no-rm", BlockedPatterns: []string{"rm -rf"}, IsActive: true}); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	if err := s1.CreateSession(ctx, model.Session{ID: "s1", OrganizationID: "org-1", Status: model.SessionActive, CreatedAt: now}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s1.AppendCommand(ctx, model.Command{ID: "c1", SessionID: "s1", Text: "rm -rf /", WasBlocked: true, CreatedAt: now}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		t.Fatal("expected snapshot file to exist")
	}
	if _, err := os.Stat(filePath + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be renamed away")
	}

	s2 := New(filePath, nil)
	sess, err := s2.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session from reloaded store: %v", err)
	}
	if sess.TotalCommands != 1 || sess.BlockedCommands != 1 {
		t.Errorf("expected counters 1/1 after reload, got %d/%d", sess.TotalCommands, sess.BlockedCommands)
	}
	p, err := s2.GetPolicy(ctx, "p1")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if len(p.BlockedPatterns) != 1 || p.BlockedPatterns[0] != "rm -rf" {
		t.Errorf("unexpected patterns after reload: %v", p.BlockedPatterns)
	}
}

func TestStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "warden.json")
	if err := os.WriteFile(filePath, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	s := New(filePath, nil)
	orgs, err := s.ListOrganizations(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orgs) != 0 {
		t.Errorf("expected empty store, got %d organizations", len(orgs))
	}
}

func TestStore_CommandIsolation(t *testing.T) {
	ctx := context.Background()
	s := New("", nil)
	if err := s.CreateSession(ctx, model.Session{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendCommand(ctx, model.Command{ID: "c1", SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	c, err := s.CompleteCommand(ctx, "c1", 3, "x", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	*c.ExitCode = 99

	stored, _ := s.GetCommand(ctx, "c1")
	if *stored.ExitCode != 3 {
		t.Errorf("mutating a returned command leaked into the store: exit=%d", *stored.ExitCode)
	}
}

func TestStore_FailedPersistRollsBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	filePath := filepath.Join(dir, "warden.json")
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	s := New(filePath, nil)
	if err := s.CreateSession(ctx, model.Session{ID: "s1", OrganizationID: "org-1", Status: model.SessionActive, CreatedAt: now}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Replace the snapshot directory with a plain file so every write fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := s.AppendCommand(ctx, model.Command{ID: "c1", SessionID: "s1", Text: "ls", CreatedAt: now})
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("append err = %v, want unavailable", err)
	}
	if _, err := s.GetCommand(ctx, "c1"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("failed append left the command behind: %v", err)
	}
	sess, _ := s.GetSession(ctx, "s1")
	if sess.TotalCommands != 0 {
		t.Errorf("total_commands = %d after failed append, want 0", sess.TotalCommands)
	}

	_, err = s.TransitionSession(ctx, "s1", store.Transition{From: model.SessionActive, To: model.SessionEnded, At: now})
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("transition err = %v, want unavailable", err)
	}
	if sess, _ := s.GetSession(ctx, "s1"); sess.Status != model.SessionActive {
		t.Errorf("status = %s after failed transition, want active", sess.Status)
	}

	if err := s.PutPolicy(ctx, model.Policy{ID: "p1", OrganizationID: "org-1"}); err == nil {
		t.Error("expected put policy to fail")
	}
	if _, err := s.GetPolicy(ctx, "p1"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("failed put left the policy behind: %v", err)
	}

	// Once the disk recovers, a retry records the command exactly once.
	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	c, err := s.AppendCommand(ctx, model.Command{ID: "c1", SessionID: "s1", Text: "ls", CreatedAt: now})
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	sess, _ = s.GetSession(ctx, "s1")
	if c.Seq != 1 || sess.TotalCommands != 1 {
		t.Errorf("after retry seq=%d total=%d, want 1/1", c.Seq, sess.TotalCommands)
	}
}
