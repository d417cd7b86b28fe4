package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store/memory"
)

var now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func testConfig() *Config {
	return &Config{
		Organizations: []OrganizationConfig{
			{
				ID:                 "acme",
				Name:               "Acme",
				MaxConnections:     5,
				MaxSessionsPerUser: 2,
				Mode:               "audit",
				Connections: []ConnectionConfig{
					{ID: "db-1", Protocol: "ssh", Host: "10.0.0.5", Username: "deploy"},
					{ID: "win-1", Protocol: "rdp", Host: "10.0.0.6", Disabled: true},
				},
			},
			{ID: "globex"},
		},
		Tokens: []TokenConfig{
			{Token: "acme-token", OrganizationID: "acme", Name: "acme ci"},
		},
	}
}

func TestApply(t *testing.T) {
	st := memory.New("", nil)
	modes := mode.NewManager()
	mgr := NewManager()
	ctx := context.Background()

	if err := Apply(ctx, testConfig(), st, modes, mgr, now); err != nil {
		t.Fatalf("apply: %v", err)
	}

	org, err := st.GetOrganization(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if org.MaxConnections != 5 || org.MaxSessionsPerUser != 2 || org.Name != "Acme" {
		t.Errorf("unexpected organization: %+v", org)
	}
	globex, _ := st.GetOrganization(ctx, "globex")
	if globex.Name != "globex" {
		t.Errorf("expected name to default to id, got %q", globex.Name)
	}

	db, err := st.GetConnection(ctx, "db-1")
	if err != nil {
		t.Fatal(err)
	}
	if db.Port != 22 || !db.Enabled() || db.OrganizationID != "acme" || db.CreatedBy != "config" {
		t.Errorf("unexpected connection: %+v", db)
	}
	win, _ := st.GetConnection(ctx, "win-1")
	if win.Port != 3389 || win.Enabled() {
		t.Errorf("unexpected rdp connection: %+v", win)
	}

	if modes.OrgMode("acme") != mode.Audit {
		t.Errorf("expected audit override, got %s", modes.OrgMode("acme"))
	}
	if modes.OrgMode("globex") != mode.Enforce {
		t.Errorf("expected global mode for globex, got %s", modes.OrgMode("globex"))
	}

	info, ok := mgr.Resolve("acme-token")
	if !ok || info.OrganizationID != "acme" {
		t.Errorf("expected token to resolve to acme, got %+v", info)
	}
	if _, ok := mgr.Resolve("nope"); ok {
		t.Error("unknown token resolved")
	}
}

func TestApply_UpdatesExistingConnections(t *testing.T) {
	st := memory.New("", nil)
	ctx := context.Background()
	cfg := testConfig()
	if err := Apply(ctx, cfg, st, nil, nil, now); err != nil {
		t.Fatal(err)
	}

	cfg.Organizations[0].Connections[0].Host = "10.0.0.50"
	cfg.Organizations[0].Connections[0].Disabled = true
	if err := Apply(ctx, cfg, st, nil, nil, now.Add(time.Hour)); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	db, _ := st.GetConnection(ctx, "db-1")
	if db.Host != "10.0.0.50" || db.Enabled() {
		t.Errorf("expected connection to be updated, got %+v", db)
	}
	if !db.CreatedAt.Equal(now) {
		t.Errorf("re-apply must keep created_at, got %v", db.CreatedAt)
	}
}

func TestApply_CrossOrganizationConnection(t *testing.T) {
	st := memory.New("", nil)
	ctx := context.Background()
	_ = st.CreateConnection(ctx, model.Connection{ID: "db-1", OrganizationID: "other"})

	err := Apply(ctx, testConfig(), st, nil, nil, now)
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing org id", func(c *Config) { c.Organizations[1].ID = "" }},
		{"duplicate org", func(c *Config) { c.Organizations[1].ID = "acme" }},
		{"bad mode", func(c *Config) { c.Organizations[0].Mode = "panic" }},
		{"bad protocol", func(c *Config) { c.Organizations[0].Connections[0].Protocol = "telnet" }},
		{"missing host", func(c *Config) { c.Organizations[0].Connections[0].Host = "" }},
		{"token for unknown org", func(c *Config) { c.Tokens[0].OrganizationID = "initech" }},
		{"empty token", func(c *Config) { c.Tokens[0].Token = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := testConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestManager_Tokens(t *testing.T) {
	m := NewManager()
	m.AddToken("t1", "acme", "ci")
	if m.TokenCount() != 1 {
		t.Fatalf("expected 1 token, got %d", m.TokenCount())
	}
	m.RemoveToken("t1")
	if _, ok := m.Resolve("t1"); ok {
		t.Error("removed token still resolves")
	}
}
