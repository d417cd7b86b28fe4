// Package tenant seeds organizations and their connections from
// configuration and maps API tokens to organizations.
package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

// Config is the tenants section of the daemon configuration.
type Config struct {
	Organizations []OrganizationConfig `yaml:"organizations"`
	Tokens        []TokenConfig        `yaml:"tokens"`
}

// OrganizationConfig represents an organization in the config file.
type OrganizationConfig struct {
	ID                 string             `yaml:"id"`
	Name               string             `yaml:"name"`
	MaxConnections     int                `yaml:"max_connections"`
	MaxSessionsPerUser int                `yaml:"max_sessions_per_user"`
	Mode               string             `yaml:"mode"` // "enforce", "audit" or "lockdown"; empty follows the global mode
	Connections        []ConnectionConfig `yaml:"connections"`
}

// ConnectionConfig represents a connection in the config file.
type ConnectionConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Protocol      string `yaml:"protocol"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	CredentialRef string `yaml:"credential_ref"`
	Disabled      bool   `yaml:"disabled"`
}

// TokenConfig represents an API token scoped to one organization.
type TokenConfig struct {
	Token          string `yaml:"token"`
	OrganizationID string `yaml:"organization_id"`
	Name           string `yaml:"name"` // Optional human-readable name
}

// Validate checks ids, protocols and modes.
func (c *Config) Validate() error {
	orgs := make(map[string]bool)
	for _, oc := range c.Organizations {
		if oc.ID == "" {
			return fmt.Errorf("organization without id")
		}
		if orgs[oc.ID] {
			return fmt.Errorf("duplicate organization %q", oc.ID)
		}
		orgs[oc.ID] = true
		if oc.Mode != "" {
			if _, err := mode.Parse(oc.Mode); err != nil {
				return fmt.Errorf("organization %q: %w", oc.ID, err)
			}
		}
		for _, cc := range oc.Connections {
			if cc.ID == "" || cc.Host == "" {
				return fmt.Errorf("organization %q: connection needs id and host", oc.ID)
			}
			if !model.Protocol(cc.Protocol).Valid() {
				return fmt.Errorf("connection %q: unknown protocol %q", cc.ID, cc.Protocol)
			}
		}
	}
	for _, tc := range c.Tokens {
		if tc.Token == "" {
			return fmt.Errorf("empty token for organization %q", tc.OrganizationID)
		}
		if !orgs[tc.OrganizationID] {
			return fmt.Errorf("token %q references unknown organization %q", tc.Name, tc.OrganizationID)
		}
	}
	return nil
}

// TokenInfo is what a scoped token resolves to.
type TokenInfo struct {
	OrganizationID string
	Name           string
}

// Manager resolves organization-scoped API tokens.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]TokenInfo
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{tokens: make(map[string]TokenInfo)}
}

// AddToken registers token for orgID.
func (m *Manager) AddToken(token, orgID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = TokenInfo{OrganizationID: orgID, Name: name}
}

// RemoveToken forgets token.
func (m *Manager) RemoveToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// Resolve returns the organization bound to token.
func (m *Manager) Resolve(token string) (TokenInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tokens[token]
	return info, ok
}

// TokenCount returns the number of registered tokens.
func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// Apply seeds st with the configured organizations and connections, sets
// organization mode overrides on modes and registers tokens on mgr.
// Existing connections are updated in place; connections not in the config
// are left alone.
func Apply(ctx context.Context, cfg *Config, st store.Store, modes *mode.Manager, mgr *Manager, now time.Time) error {
	if cfg == nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.Invalid, "tenant.apply", err)
	}

	for _, oc := range cfg.Organizations {
		name := oc.Name
		if name == "" {
			name = oc.ID
		}
		org := model.Organization{
			ID:                 oc.ID,
			Name:               name,
			MaxConnections:     oc.MaxConnections,
			MaxSessionsPerUser: oc.MaxSessionsPerUser,
		}
		if err := st.PutOrganization(ctx, org); err != nil {
			return fmt.Errorf("seed organization %s: %w", oc.ID, err)
		}

		if modes != nil && oc.Mode != "" {
			m, _ := mode.Parse(oc.Mode)
			modes.SetOrgMode(oc.ID, m)
		}

		for _, cc := range oc.Connections {
			if err := applyConnection(ctx, st, oc.ID, cc, now); err != nil {
				return fmt.Errorf("seed connection %s: %w", cc.ID, err)
			}
		}
	}

	if mgr != nil {
		for _, tc := range cfg.Tokens {
			mgr.AddToken(tc.Token, tc.OrganizationID, tc.Name)
		}
	}
	return nil
}

func applyConnection(ctx context.Context, st store.Store, orgID string, cc ConnectionConfig, now time.Time) error {
	proto := model.Protocol(cc.Protocol)
	port := cc.Port
	if port == 0 {
		port = proto.DefaultPort()
	}
	status := model.ConnectionEnabled
	if cc.Disabled {
		status = model.ConnectionDisabled
	}
	name := cc.Name
	if name == "" {
		name = cc.ID
	}

	existing, err := st.GetConnection(ctx, cc.ID)
	switch fault.KindOf(err) {
	case "":
		if existing.OrganizationID != orgID {
			return fault.New(fault.Conflict, "tenant.apply", "connection %s belongs to organization %s", cc.ID, existing.OrganizationID)
		}
		existing.Name = name
		existing.Protocol = proto
		existing.Host = cc.Host
		existing.Port = port
		existing.Username = cc.Username
		existing.CredentialRef = cc.CredentialRef
		existing.Status = status
		return st.UpdateConnection(ctx, existing)
	case fault.NotFound:
		return st.CreateConnection(ctx, model.Connection{
			ID:             cc.ID,
			OrganizationID: orgID,
			Name:           name,
			Protocol:       proto,
			Host:           cc.Host,
			Port:           port,
			Username:       cc.Username,
			CredentialRef:  cc.CredentialRef,
			Status:         status,
			CreatedBy:      "config",
			CreatedAt:      now,
		})
	}
	return err
}

// OrganizationIDs returns the configured organization IDs, sorted.
func (c *Config) OrganizationIDs() []string {
	ids := make([]string, 0, len(c.Organizations))
	for _, oc := range c.Organizations {
		ids = append(ids, oc.ID)
	}
	sort.Strings(ids)
	return ids
}
