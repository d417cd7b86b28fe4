// Package mode manages how strictly policy decisions are enforced per organization.
package mode

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// Mode represents an enforcement mode.
type Mode string

const (
	// Enforce blocks commands that match a policy.
	Enforce Mode = "enforce"
	// Audit records matches but lets the command through.
	Audit Mode = "audit"
	// Lockdown blocks every command (emergency).
	Lockdown Mode = "lockdown"
)

// LockdownReason is the blocked reason recorded in lockdown mode.
const LockdownReason = "organization in lockdown"

// Parse converts a string into a Mode.
func Parse(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Enforce, Audit, Lockdown:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want enforce, audit or lockdown)", s)
}

// Manager handles the global mode and per-organization overrides.
type Manager struct {
	mu         sync.RWMutex
	globalMode Mode
	orgModes   map[string]Mode // organization ID -> mode override
}

// NewManager creates a new mode manager with enforce as default.
func NewManager() *Manager {
	return &Manager{
		globalMode: Enforce,
		orgModes:   make(map[string]Mode),
	}
}

// GlobalMode returns the current global mode.
func (m *Manager) GlobalMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalMode
}

// SetGlobalMode sets the global mode.
func (m *Manager) SetGlobalMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalMode = mode
}

// OrgMode returns the effective mode for an organization.
func (m *Manager) OrgMode(orgID string) Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mode, ok := m.orgModes[orgID]; ok {
		return mode
	}
	return m.globalMode
}

// SetOrgMode sets a mode override for one organization.
func (m *Manager) SetOrgMode(orgID string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgModes[orgID] = mode
}

// ClearOrgMode removes the override for an organization (reverts to global).
func (m *Manager) ClearOrgMode(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orgModes, orgID)
}

// Overrides returns a copy of all organization overrides.
func (m *Manager) Overrides() map[string]Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]Mode, len(m.orgModes))
	for k, v := range m.orgModes {
		result[k] = v
	}
	return result
}

// Apply turns a policy decision into the enforced decision for orgID.
//   - Enforce: unchanged.
//   - Audit: a match is kept for the record but no longer blocks.
//   - Lockdown: everything is blocked.
func (m *Manager) Apply(orgID string, d model.Decision) model.Decision {
	switch m.OrgMode(orgID) {
	case Audit:
		if d.Blocked {
			d.Blocked = false
			d.Audited = true
		}
	case Lockdown:
		if !d.Blocked {
			d.Blocked = true
			d.Reason = LockdownReason
		}
	}
	return d
}
