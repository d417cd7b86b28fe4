package model

import "strings"

// ConnectionPatch lists the connection fields that may be updated.
// Nil fields are left unchanged.
type ConnectionPatch struct {
	Name          *string           `json:"name,omitempty"`
	Host          *string           `json:"host,omitempty"`
	Port          *int              `json:"port,omitempty"`
	Username      *string           `json:"username,omitempty"`
	CredentialRef *string           `json:"credential_ref,omitempty"`
	Status        *ConnectionStatus `json:"status,omitempty"`
}

// Apply returns c with the patch applied.
func (p ConnectionPatch) Apply(c Connection) Connection {
	if p.Name != nil {
		c.Name = strings.TrimSpace(*p.Name)
	}
	if p.Host != nil {
		c.Host = strings.TrimSpace(*p.Host)
	}
	if p.Port != nil {
		c.Port = *p.Port
	}
	if p.Username != nil {
		c.Username = *p.Username
	}
	if p.CredentialRef != nil {
		c.CredentialRef = *p.CredentialRef
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	return c
}

// PolicyPatch lists the policy fields that may be updated.
type PolicyPatch struct {
	Name            *string   `json:"name,omitempty"`
	Description     *string   `json:"description,omitempty"`
	BlockedPatterns *[]string `json:"blocked_patterns,omitempty"`
	AppliesToRoles  *[]string `json:"applies_to_roles,omitempty"`
	IsActive        *bool     `json:"is_active,omitempty"`
}

// Apply returns pol with the patch applied. Slices are copied.
func (p PolicyPatch) Apply(pol Policy) Policy {
	if p.Name != nil {
		pol.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		pol.Description = *p.Description
	}
	if p.BlockedPatterns != nil {
		pol.BlockedPatterns = append([]string(nil), (*p.BlockedPatterns)...)
	}
	if p.AppliesToRoles != nil {
		pol.AppliesToRoles = append([]string(nil), (*p.AppliesToRoles)...)
	}
	if p.IsActive != nil {
		pol.IsActive = *p.IsActive
	}
	return pol
}
