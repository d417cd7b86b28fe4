package policy

import (
	"context"
	"path/filepath"
	"testing"
)

const samplePolicies = `
policies:
  - id: p-001
    organization_id: org1
    name: no-destruction
    blocked_patterns: ["rm -rf", "mkfs"]
    is_active: true
  - id: p-002
    organization_id: org1
    name: contractors
    blocked_patterns: ['^sudo\b']
    applies_to_roles: [contractor]
    is_active: true
  - id: p-003
    organization_id: org2
    name: other
    blocked_patterns: ["cat"]
    is_active: true
`

func TestLoadFromBytes(t *testing.T) {
	f, err := LoadFromBytes([]byte(samplePolicies))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if len(f.Policies) != 3 {
		t.Fatalf("expected 3 policies, got %d", len(f.Policies))
	}
	if got := len(f.ForOrganization("org1")); got != 2 {
		t.Errorf("ForOrganization(org1) = %d policies, want 2", got)
	}

	m := NewMatcher(f)
	d, err := m.Evaluate(context.Background(), "org1", "contractor", "sudo rm x")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Blocked || d.PolicyID != "p-002" {
		t.Errorf("decision = %+v, want blocked by p-002", d)
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "policies:\n  - organization_id: org1\n    name: x\n"},
		{"missing org", "policies:\n  - id: p1\n    name: x\n"},
		{"bad yaml", "policies: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	f, err := LoadFromBytes([]byte(samplePolicies))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := SaveToFile(f, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if len(loaded.Policies) != len(f.Policies) {
		t.Errorf("loaded %d policies, want %d", len(loaded.Policies), len(f.Policies))
	}
	if loaded.Policies[1].AppliesToRoles[0] != "contractor" {
		t.Errorf("applies_to_roles not preserved: %v", loaded.Policies[1].AppliesToRoles)
	}
}
