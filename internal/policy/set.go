package policy

import (
	"sort"
	"strings"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// compiledPolicy holds a policy with its pre-compiled patterns.
type compiledPolicy struct {
	policy   model.Policy
	patterns []Pattern
	roles    map[string]struct{} // lower-cased; empty means every role
}

func compilePolicy(p model.Policy) compiledPolicy {
	cp := compiledPolicy{
		policy:   p,
		patterns: make([]Pattern, 0, len(p.BlockedPatterns)),
		roles:    make(map[string]struct{}, len(p.AppliesToRoles)),
	}
	for _, src := range p.BlockedPatterns {
		if strings.TrimSpace(src) == "" {
			continue
		}
		cp.patterns = append(cp.patterns, CompilePattern(src))
	}
	for _, r := range p.AppliesToRoles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			cp.roles[r] = struct{}{}
		}
	}
	return cp
}

func (cp compiledPolicy) appliesTo(role string) bool {
	if len(cp.roles) == 0 {
		return true
	}
	_, ok := cp.roles[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

// Set is an immutable, compiled view of one organization's active policies,
// ordered by policy ID ascending. Safe for concurrent use.
type Set struct {
	orgID    string
	policies []compiledPolicy
}

// NewSet compiles the active policies of orgID. Policies belonging to another
// organization and inactive policies are dropped.
func NewSet(orgID string, policies []model.Policy) *Set {
	s := &Set{orgID: orgID, policies: make([]compiledPolicy, 0, len(policies))}
	for _, p := range policies {
		if !p.IsActive {
			continue
		}
		if p.OrganizationID != orgID {
			continue
		}
		s.policies = append(s.policies, compilePolicy(p))
	}
	sort.SliceStable(s.policies, func(i, j int) bool {
		return s.policies[i].policy.ID < s.policies[j].policy.ID
	})
	return s
}

// Len returns the number of active policies in the set.
func (s *Set) Len() int {
	return len(s.policies)
}

// Evaluate tests text against every applicable policy. The first matching
// policy in ID order wins; no match means allowed.
func (s *Set) Evaluate(role, text string) model.Decision {
	for _, cp := range s.policies {
		if !cp.appliesTo(role) {
			continue
		}
		for _, pat := range cp.patterns {
			if pat.Match(text) {
				return model.Decision{
					Blocked:    true,
					Reason:     blockedReason(cp.policy),
					PolicyID:   cp.policy.ID,
					PolicyName: cp.policy.Name,
					Pattern:    pat.Source,
				}
			}
		}
	}
	return model.Decision{}
}

// blockedReason is the policy name, which is what the audit trail shows.
func blockedReason(p model.Policy) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
