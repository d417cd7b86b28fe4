package mode

import (
	"sync"
	"testing"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

func TestNewManager_DefaultModeIsEnforce(t *testing.T) {
	m := NewManager()

	if got := m.GlobalMode(); got != Enforce {
		t.Errorf("NewManager() GlobalMode = %q, want %q", got, Enforce)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"enforce", Enforce, false},
		{" Audit ", Audit, false},
		{"LOCKDOWN", Lockdown, false},
		{"off", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOrgModeOverride(t *testing.T) {
	m := NewManager()
	org := "org-123"

	if got := m.OrgMode(org); got != Enforce {
		t.Errorf("OrgMode() without override = %q, want %q", got, Enforce)
	}

	m.SetOrgMode(org, Audit)
	if got := m.OrgMode(org); got != Audit {
		t.Errorf("OrgMode() with override = %q, want %q", got, Audit)
	}

	// Global change does not affect an overridden org.
	m.SetGlobalMode(Lockdown)
	if got := m.OrgMode(org); got != Audit {
		t.Errorf("OrgMode() after global change = %q, want %q", got, Audit)
	}
	if got := m.OrgMode("org-456"); got != Lockdown {
		t.Errorf("OrgMode() for other org = %q, want %q", got, Lockdown)
	}

	m.ClearOrgMode(org)
	if got := m.OrgMode(org); got != Lockdown {
		t.Errorf("OrgMode() after clear = %q, want %q", got, Lockdown)
	}
}

func TestApply(t *testing.T) {
	matched := model.Decision{Blocked: true, Reason: "no-rm", PolicyID: "p1", PolicyName: "no-rm"}
	clean := model.Decision{}

	tests := []struct {
		name        string
		mode        Mode
		in          model.Decision
		wantBlocked bool
		wantAudited bool
		wantReason  string
	}{
		{"enforce keeps match", Enforce, matched, true, false, "no-rm"},
		{"enforce keeps allow", Enforce, clean, false, false, ""},
		{"audit lets match through", Audit, matched, false, true, "no-rm"},
		{"audit keeps allow", Audit, clean, false, false, ""},
		{"lockdown keeps match reason", Lockdown, matched, true, false, "no-rm"},
		{"lockdown blocks everything", Lockdown, clean, true, false, LockdownReason},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			m.SetOrgMode("org1", tt.mode)

			got := m.Apply("org1", tt.in)
			if got.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v", got.Blocked, tt.wantBlocked)
			}
			if got.Audited != tt.wantAudited {
				t.Errorf("Audited = %v, want %v", got.Audited, tt.wantAudited)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestOverridesIsCopy(t *testing.T) {
	m := NewManager()
	m.SetOrgMode("org-1", Audit)
	m.SetOrgMode("org-2", Lockdown)

	modes := m.Overrides()
	if len(modes) != 2 {
		t.Fatalf("Overrides() len = %d, want 2", len(modes))
	}
	modes["org-3"] = Enforce
	if len(m.Overrides()) != 2 {
		t.Error("Overrides() returned map was not a copy")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager()
	const numGoroutines = 50
	const numIterations = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				switch j % 5 {
				case 0:
					m.SetGlobalMode(Audit)
				case 1:
					m.SetOrgMode("org", Lockdown)
				case 2:
					m.OrgMode("org")
				case 3:
					m.Apply("org", model.Decision{Blocked: true})
				case 4:
					m.ClearOrgMode("org")
				}
			}
		}()
	}

	wg.Wait()
}
