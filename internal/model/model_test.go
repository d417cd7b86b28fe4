package model

import "testing"

func TestSessionStatus_CanTransition(t *testing.T) {
	all := []SessionStatus{SessionPreparing, SessionActive, SessionEnded, SessionError}
	allowed := map[SessionStatus][]SessionStatus{
		SessionPreparing: {SessionActive, SessionEnded, SessionError},
		SessionActive:    {SessionEnded, SessionError},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestSessionStatus_Predicates(t *testing.T) {
	tests := []struct {
		s        SessionStatus
		live     bool
		terminal bool
	}{
		{SessionPreparing, true, false},
		{SessionActive, true, false},
		{SessionEnded, false, true},
		{SessionError, false, true},
	}
	for _, tt := range tests {
		if tt.s.Live() != tt.live || tt.s.Terminal() != tt.terminal || !tt.s.Valid() {
			t.Errorf("%s: live=%v terminal=%v valid=%v", tt.s, tt.s.Live(), tt.s.Terminal(), tt.s.Valid())
		}
	}
	if SessionStatus("paused").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestParseParticipantRole(t *testing.T) {
	tests := []struct {
		in    string
		want  ParticipantRole
		ok    bool
		write bool
	}{
		{"owner", RoleOwner, true, true},
		{" Collaborator ", RoleCollaborator, true, true},
		{"VIEWER", RoleViewer, true, false},
		{"admin", "", false, false},
		{"", "", false, false},
	}
	for _, tt := range tests {
		got, ok := ParseParticipantRole(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ParseParticipantRole(%q) = %q, %v", tt.in, got, ok)
		}
		if ok && got.CanWrite() != tt.write {
			t.Errorf("%s.CanWrite() = %v", got, got.CanWrite())
		}
	}
}

func TestRiskLevel(t *testing.T) {
	if RiskSafe.Max(RiskHigh) != RiskHigh || RiskCritical.Max(RiskLow) != RiskCritical {
		t.Error("Max picked the lower level")
	}
	if RiskLevel("bogus").Rank() != -1 || RiskLevel("bogus").Valid() {
		t.Error("unknown level ranked")
	}
	if RiskLevel("bogus").Max(RiskSafe) != RiskSafe {
		t.Error("safe should outrank an unknown level")
	}
	levels := []RiskLevel{RiskSafe, RiskLow, RiskMedium, RiskHigh, RiskCritical}
	for i, l := range levels {
		if l.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", l, l.Rank(), i)
		}
	}
}

func TestProtocol(t *testing.T) {
	tests := []struct {
		p     Protocol
		valid bool
		port  int
	}{
		{ProtocolSSH, true, 22},
		{ProtocolRDP, true, 3389},
		{ProtocolVNC, true, 5900},
		{"telnet", false, 0},
	}
	for _, tt := range tests {
		if tt.p.Valid() != tt.valid || tt.p.DefaultPort() != tt.port {
			t.Errorf("%s: valid=%v port=%d", tt.p, tt.p.Valid(), tt.p.DefaultPort())
		}
	}
}

func TestConnectionPatch_Apply(t *testing.T) {
	c := Connection{ID: "c1", Name: "db", Host: "10.0.0.1", Port: 22, Username: "root", Status: ConnectionEnabled}
	name := "  db-primary "
	port := 2222
	disabled := ConnectionDisabled

	got := ConnectionPatch{Name: &name, Port: &port, Status: &disabled}.Apply(c)
	if got.Name != "db-primary" || got.Port != 2222 || got.Status != ConnectionDisabled {
		t.Errorf("patched = %+v", got)
	}
	if got.Host != c.Host || got.Username != c.Username || got.ID != c.ID {
		t.Errorf("untouched fields changed: %+v", got)
	}
	if c.Name != "db" {
		t.Error("Apply mutated its input")
	}
}

func TestPolicyPatch_Apply(t *testing.T) {
	pol := Policy{ID: "p1", Name: "n", BlockedPatterns: []string{"rm -rf"}, IsActive: true}
	patterns := []string{"shutdown", "reboot"}
	inactive := false

	got := PolicyPatch{BlockedPatterns: &patterns, IsActive: &inactive}.Apply(pol)
	if len(got.BlockedPatterns) != 2 || got.IsActive || got.Name != "n" {
		t.Errorf("patched = %+v", got)
	}
	patterns[0] = "changed"
	if got.BlockedPatterns[0] != "shutdown" {
		t.Error("patched slice aliases the patch")
	}
	if pol.BlockedPatterns[0] != "rm -rf" {
		t.Error("Apply mutated its input")
	}
}
