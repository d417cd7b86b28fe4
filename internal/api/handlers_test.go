package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Extra-Chill/plasma-warden/internal/audit"
	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/ledger"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/policy"
	"github.com/Extra-Chill/plasma-warden/internal/recording"
	"github.com/Extra-Chill/plasma-warden/internal/risk"
	"github.com/Extra-Chill/plasma-warden/internal/session"
	"github.com/Extra-Chill/plasma-warden/internal/store/memory"
	"github.com/Extra-Chill/plasma-warden/internal/tenant"
)

const (
	adminToken = "admin-token"
	org1Token  = "org1-token"
	org2Token  = "org2-token"
)

type testAPI struct {
	handler http.Handler
	store   *memory.Store
	modes   *mode.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	st := memory.New("", nil)
	if err := st.CreateConnection(ctx, model.Connection{
		ID: "conn1", OrganizationID: "org1", Name: "db", Protocol: model.ProtocolSSH,
		Host: "10.0.0.5", Port: 22, Status: model.ConnectionEnabled,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutPolicy(ctx, model.Policy{
		ID: "pol-1", OrganizationID: "org1", Name: "no-destructive",
		BlockedPatterns: []string{"rm -rf"}, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	tenants := tenant.NewManager()
	tenants.AddToken(org1Token, "org1", "ops")
	tenants.AddToken(org2Token, "org2", "other")

	logs := audit.NewLogStore(100)
	bus := events.NewBus()
	bus.Subscribe("audit", audit.New(logs, nil, nil, audit.Config{Destination: audit.DestinationMemory}))

	modes := mode.NewManager()
	matcher := policy.NewMatcher(st)
	ctrl := session.NewController(session.Deps{
		Store:   st,
		Matcher: matcher,
		Modes:   modes,
		Ledger:  ledger.New(st, risk.NewHeuristic()),
		Events:  bus,
	})
	recs := recording.NewService(st, recording.FinalizerFunc(func(context.Context, model.Recording) (recording.Artifact, error) {
		return recording.Artifact{}, nil
	}))

	h := NewHandlers(Deps{
		Controller: ctrl,
		Store:      st,
		Matcher:    matcher,
		Modes:      modes,
		Recordings: recs,
		Audit:      logs,
		Version:    "1.0.0",
	})
	return &testAPI{
		handler: NewRouter(h, &AuthConfig{AdminToken: adminToken, Tenants: tenants}),
		store:   st,
		modes:   modes,
	}
}

func (a *testAPI) do(t *testing.T, method, path, token, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if user != "" {
		req.Header.Set(HeaderUser, user)
		req.Header.Set(HeaderRole, "engineer")
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

// startSession opens a session for user on conn1 and returns it with the
// owner participant.
func (a *testAPI) startSession(t *testing.T, user string) (model.Session, model.Participant) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/sessions", org1Token, user, StartSessionRequest{ConnectionID: "conn1"})
	expectStatus(t, rec, http.StatusCreated)
	sess := decodeBody[model.Session](t, rec)

	rec = a.do(t, http.MethodGet, "/sessions/"+sess.ID+"/participants", org1Token, user, nil)
	expectStatus(t, rec, http.StatusOK)
	ps := decodeBody[ParticipantListResponse](t, rec)
	if ps.Total != 1 {
		t.Fatalf("expected one participant, got %d", ps.Total)
	}
	return sess, ps.Participants[0]
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/health", "", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "ok" {
		t.Errorf("expected body 'ok', got %q", rec.Body.String())
	}
}

func TestAuthentication(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name   string
		token  string
		user   string
		org    string
		status int
	}{
		{"no token", "", "alice", "", http.StatusUnauthorized},
		{"bad token", "nope", "alice", "", http.StatusForbidden},
		{"no user", org1Token, "", "", http.StatusUnauthorized},
		{"tenant token", org1Token, "alice", "", http.StatusOK},
		{"tenant token wrong org", org1Token, "alice", "org2", http.StatusForbidden},
		{"admin without org", adminToken, "root", "", http.StatusBadRequest},
		{"admin with org", adminToken, "root", "org1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if tt.user != "" {
				req.Header.Set(HeaderUser, tt.user)
			}
			if tt.org != "" {
				req.Header.Set(HeaderOrg, tt.org)
			}
			rec := httptest.NewRecorder()
			a.handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	a := newTestAPI(t)
	a.startSession(t, "alice")

	rec := a.do(t, http.MethodGet, "/status", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[StatusResponse](t, rec)
	if resp.Status != "operational" || resp.Version != "1.0.0" {
		t.Errorf("unexpected status: %+v", resp)
	}
	if resp.LiveSessions != 1 || resp.PolicyCount != 1 || resp.Mode != "enforce" {
		t.Errorf("unexpected counts: %+v", resp)
	}
}

func TestSessionFlow(t *testing.T) {
	a := newTestAPI(t)
	sess, owner := a.startSession(t, "alice")
	if sess.Status != model.SessionActive {
		t.Fatalf("expected active session, got %s", sess.Status)
	}

	t.Run("blocked command is a result", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/commands", org1Token, "alice",
			SubmitCommandRequest{ParticipantID: owner.ID, Text: "rm -rf /data"})
		expectStatus(t, rec, http.StatusOK)
		res := decodeBody[session.SubmitResult](t, rec)
		if !res.Decision.Blocked || res.Command.Status != model.CommandBlocked {
			t.Errorf("expected blocked result, got %+v", res)
		}
	})

	var cmdID string
	t.Run("allowed command", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/commands", org1Token, "alice",
			SubmitCommandRequest{ParticipantID: owner.ID, Text: "ls -la"})
		expectStatus(t, rec, http.StatusOK)
		res := decodeBody[session.SubmitResult](t, rec)
		if res.Decision.Blocked {
			t.Errorf("expected allowed result, got %+v", res)
		}
		cmdID = res.Command.ID
	})

	t.Run("complete command", func(t *testing.T) {
		code := 0
		rec := a.do(t, http.MethodPost, "/commands/"+cmdID+"/complete", org1Token, "alice",
			CompleteCommandRequest{ExitCode: &code, Output: "total 0"})
		expectStatus(t, rec, http.StatusOK)

		other := 2
		rec = a.do(t, http.MethodPost, "/commands/"+cmdID+"/complete", org1Token, "alice",
			CompleteCommandRequest{ExitCode: &other, Output: "changed"})
		expectStatus(t, rec, http.StatusConflict)
	})

	t.Run("command log", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/sessions/"+sess.ID+"/commands", org1Token, "alice", nil)
		expectStatus(t, rec, http.StatusOK)
		if resp := decodeBody[CommandListResponse](t, rec); resp.Total != 2 {
			t.Errorf("expected 2 commands, got %d", resp.Total)
		}
	})

	t.Run("other organization cannot see it", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/sessions/"+sess.ID, org2Token, "mallory", nil)
		expectStatus(t, rec, http.StatusNotFound)
	})

	t.Run("end", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/end", org1Token, "alice", EndSessionRequest{Reason: "done"})
		expectStatus(t, rec, http.StatusOK)
		ended := decodeBody[model.Session](t, rec)
		if ended.Status != model.SessionEnded || ended.TotalCommands != 2 || ended.BlockedCommands != 1 {
			t.Errorf("unexpected ended session: %+v", ended)
		}

		rec = a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/end", org1Token, "alice", nil)
		expectStatus(t, rec, http.StatusConflict)

		rec = a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/commands", org1Token, "alice",
			SubmitCommandRequest{ParticipantID: owner.ID, Text: "ls"})
		expectStatus(t, rec, http.StatusConflict)
	})

	t.Run("audit trail", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/audit?session_id="+sess.ID+"&type=command_recorded", org1Token, "alice", nil)
		expectStatus(t, rec, http.StatusOK)
		if resp := decodeBody[AuditListResponse](t, rec); resp.Total != 2 {
			t.Errorf("expected 2 command events, got %d", resp.Total)
		}
	})
}

func TestStartSession_Errors(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/sessions", org1Token, "alice", StartSessionRequest{})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = a.do(t, http.MethodPost, "/sessions", org2Token, "mallory", StartSessionRequest{ConnectionID: "conn1"})
	expectStatus(t, rec, http.StatusNotFound)

	disabled := model.ConnectionDisabled
	rec = a.do(t, http.MethodPatch, "/connections/conn1", org1Token, "alice", model.ConnectionPatch{Status: &disabled})
	expectStatus(t, rec, http.StatusOK)
	rec = a.do(t, http.MethodPost, "/sessions", org1Token, "alice", StartSessionRequest{ConnectionID: "conn1"})
	expectStatus(t, rec, http.StatusConflict)
}

func TestWriteHandoff(t *testing.T) {
	a := newTestAPI(t)
	sess, owner := a.startSession(t, "alice")
	base := "/sessions/" + sess.ID + "/participants"

	rec := a.do(t, http.MethodPost, base, org1Token, "carol", JoinRequest{Role: "viewer"})
	expectStatus(t, rec, http.StatusCreated)
	viewer := decodeBody[model.Participant](t, rec)
	rec = a.do(t, http.MethodPost, base+"/"+viewer.ID+"/write", org1Token, "carol", nil)
	expectStatus(t, rec, http.StatusForbidden)
	if resp := decodeBody[ErrorResponse](t, rec); resp.Kind != "role_not_permitted" {
		t.Errorf("expected role_not_permitted, got %+v", resp)
	}

	rec = a.do(t, http.MethodPost, base, org1Token, "bob", JoinRequest{Role: "collaborator"})
	expectStatus(t, rec, http.StatusCreated)
	collab := decodeBody[model.Participant](t, rec)

	rec = a.do(t, http.MethodPost, base+"/"+collab.ID+"/write", org1Token, "bob", nil)
	expectStatus(t, rec, http.StatusAccepted)
	if resp := decodeBody[WriteResponse](t, rec); !resp.Queued {
		t.Errorf("expected queued, got %+v", resp)
	}

	// Owner yields; the queued collaborator is promoted.
	rec = a.do(t, http.MethodDelete, base+"/"+owner.ID+"/write", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/commands", org1Token, "bob",
		SubmitCommandRequest{ParticipantID: collab.ID, Text: "uptime"})
	expectStatus(t, rec, http.StatusOK)

	// Bob is the writer now, so his request resolves immediately.
	rec = a.do(t, http.MethodPost, base+"/"+collab.ID+"/write", org1Token, "bob", nil)
	expectStatus(t, rec, http.StatusOK)

	// Alice asks again and waits briefly; bob keeps write access.
	rec = a.do(t, http.MethodPost, base+"/"+owner.ID+"/write?wait=20ms", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusGatewayTimeout)

	// Owner revokes bob.
	rec = a.do(t, http.MethodDelete, base+"/"+collab.ID+"/write?by="+owner.ID, org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/commands", org1Token, "bob",
		SubmitCommandRequest{ParticipantID: collab.ID, Text: "uptime"})
	expectStatus(t, rec, http.StatusForbidden)

	rec = a.do(t, http.MethodDelete, base+"/"+viewer.ID, org1Token, "carol", nil)
	expectStatus(t, rec, http.StatusOK)
	if left := decodeBody[model.Participant](t, rec); left.IsActive {
		t.Errorf("expected inactive participant, got %+v", left)
	}
}

func TestPolicies(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/policies", org1Token, "alice", CreatePolicyRequest{
		Name:            "no-shutdown",
		BlockedPatterns: []string{`^shutdown\b`},
		AppliesToRoles:  []string{"engineer"},
	})
	expectStatus(t, rec, http.StatusCreated)
	created := decodeBody[model.Policy](t, rec)
	if !created.IsActive || created.OrganizationID != "org1" {
		t.Errorf("unexpected policy: %+v", created)
	}

	rec = a.do(t, http.MethodPost, "/policies/check", org1Token, "alice", PolicyCheckRequest{Command: "shutdown -h now"})
	expectStatus(t, rec, http.StatusOK)
	if d := decodeBody[model.Decision](t, rec); !d.Blocked || d.PolicyID != created.ID {
		t.Errorf("expected block by new policy, got %+v", d)
	}

	rec = a.do(t, http.MethodPost, "/policies/check", org1Token, "alice", PolicyCheckRequest{Role: "auditor", Command: "shutdown -h now"})
	expectStatus(t, rec, http.StatusOK)
	if d := decodeBody[model.Decision](t, rec); d.Blocked {
		t.Errorf("policy should not apply to auditors, got %+v", d)
	}

	inactive := false
	rec = a.do(t, http.MethodPatch, "/policies/"+created.ID, org1Token, "alice", model.PolicyPatch{IsActive: &inactive})
	expectStatus(t, rec, http.StatusOK)
	rec = a.do(t, http.MethodPost, "/policies/check", org1Token, "alice", PolicyCheckRequest{Command: "shutdown -h now"})
	if d := decodeBody[model.Decision](t, rec); d.Blocked {
		t.Errorf("inactive policy still blocks: %+v", d)
	}

	rec = a.do(t, http.MethodDelete, "/policies/"+created.ID, org2Token, "mallory", nil)
	expectStatus(t, rec, http.StatusNotFound)
	rec = a.do(t, http.MethodDelete, "/policies/"+created.ID, org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = a.do(t, http.MethodGet, "/policies", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	if resp := decodeBody[PolicyListResponse](t, rec); resp.Total != 1 {
		t.Errorf("expected 1 policy left, got %d", resp.Total)
	}

	rec = a.do(t, http.MethodPost, "/policies", org1Token, "alice", CreatePolicyRequest{Name: "empty"})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestConnections(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/connections", org1Token, "alice", CreateConnectionRequest{Protocol: "rdp", Host: "10.0.0.9"})
	expectStatus(t, rec, http.StatusCreated)
	c := decodeBody[model.Connection](t, rec)
	if c.Port != 3389 || c.CreatedBy != "alice" || !c.Enabled() {
		t.Errorf("unexpected connection: %+v", c)
	}

	rec = a.do(t, http.MethodPost, "/connections", org1Token, "alice", CreateConnectionRequest{Protocol: "telnet", Host: "x"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = a.do(t, http.MethodGet, "/connections", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	if resp := decodeBody[ConnectionListResponse](t, rec); resp.Total != 2 {
		t.Errorf("expected 2 connections, got %d", resp.Total)
	}

	// A live session pins conn1.
	sess, _ := a.startSession(t, "alice")
	rec = a.do(t, http.MethodDelete, "/connections/conn1", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = a.do(t, http.MethodPost, "/sessions/"+sess.ID+"/end", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = a.do(t, http.MethodDelete, "/connections/conn1", org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestRecording(t *testing.T) {
	a := newTestAPI(t)
	sess, _ := a.startSession(t, "alice")
	path := "/sessions/" + sess.ID + "/recording"

	rec := a.do(t, http.MethodPost, path, org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusCreated)
	rec = a.do(t, http.MethodPost, path, org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = a.do(t, http.MethodGet, path, org1Token, "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	if r := decodeBody[model.Recording](t, rec); r.SessionID != sess.ID {
		t.Errorf("unexpected recording: %+v", r)
	}

	rec = a.do(t, http.MethodPost, path, org2Token, "mallory", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestMode(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPut, "/mode", org1Token, "alice", SetModeRequest{Mode: "lockdown"})
	expectStatus(t, rec, http.StatusOK)
	if resp := decodeBody[ModeResponse](t, rec); resp.Mode != "lockdown" || resp.Global != "enforce" {
		t.Errorf("unexpected mode: %+v", resp)
	}

	rec = a.do(t, http.MethodPost, "/policies/check", org1Token, "alice", PolicyCheckRequest{Command: "whoami"})
	if d := decodeBody[model.Decision](t, rec); !d.Blocked || d.Reason != mode.LockdownReason {
		t.Errorf("lockdown should block everything, got %+v", d)
	}

	rec = a.do(t, http.MethodPut, "/mode", org1Token, "alice", SetModeRequest{Mode: "audit", Global: true})
	expectStatus(t, rec, http.StatusForbidden)

	rec = a.do(t, http.MethodPut, "/mode", org1Token, "alice", SetModeRequest{Mode: "chaos"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = a.do(t, http.MethodPut, "/mode", org1Token, "alice", SetModeRequest{})
	expectStatus(t, rec, http.StatusOK)
	if a.modes.OrgMode("org1") != mode.Enforce {
		t.Errorf("override not cleared: %s", a.modes.OrgMode("org1"))
	}
}

func TestStatusFor(t *testing.T) {
	// Every failure kind maps to a client-visible status.
	tests := map[string]int{
		"invalid_state":      http.StatusConflict,
		"conflict":           http.StatusConflict,
		"permission_denied":  http.StatusForbidden,
		"role_not_permitted": http.StatusForbidden,
		"not_found":          http.StatusNotFound,
		"timed_out":          http.StatusGatewayTimeout,
		"unavailable":        http.StatusServiceUnavailable,
		"invalid":            http.StatusBadRequest,
		"":                   http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusFor(fault.Kind(kind)); got != want {
			t.Errorf("statusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}
