// Package policy evaluates command text against an organization's
// blocked-pattern policies.
package policy

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// Source loads the policies of an organization.
type Source interface {
	ListPolicies(ctx context.Context, orgID string) ([]model.Policy, error)
}

// Matcher evaluates commands against policies loaded from a Source.
// Compiled sets are cached per organization until invalidated.
// Thread-safe for concurrent access.
type Matcher struct {
	mu     sync.RWMutex
	source Source
	sets   map[string]*Set
	log    *zap.Logger

	// gens is bumped by Invalidate, epoch by InvalidateAll. A load only
	// lands in sets if neither moved while it ran.
	gens  map[string]uint64
	epoch uint64
	loads singleflight.Group
}

// MatcherOption configures the Matcher.
type MatcherOption func(*Matcher)

// WithLogger sets the logger used for cache activity.
func WithLogger(log *zap.Logger) MatcherOption {
	return func(m *Matcher) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMatcher creates a Matcher backed by source.
func NewMatcher(source Source, opts ...MatcherOption) *Matcher {
	if source == nil {
		panic("policy: nil source")
	}
	m := &Matcher{
		source: source,
		sets:   make(map[string]*Set),
		gens:   make(map[string]uint64),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluate returns the decision for text submitted by a caller holding role
// in orgID. The error is non-nil only when policies could not be loaded.
func (m *Matcher) Evaluate(ctx context.Context, orgID, role, text string) (model.Decision, error) {
	set, err := m.set(ctx, orgID)
	if err != nil {
		return model.Decision{}, err
	}
	return set.Evaluate(role, text), nil
}

// Invalidate drops the cached set for orgID. Call it after any policy change.
func (m *Matcher) Invalidate(orgID string) {
	m.mu.Lock()
	delete(m.sets, orgID)
	m.gens[orgID]++
	m.mu.Unlock()
}

// InvalidateAll drops every cached set.
func (m *Matcher) InvalidateAll() {
	m.mu.Lock()
	m.sets = make(map[string]*Set)
	m.epoch++
	m.mu.Unlock()
}

// PolicyCount returns the number of active policies for orgID.
func (m *Matcher) PolicyCount(ctx context.Context, orgID string) (int, error) {
	set, err := m.set(ctx, orgID)
	if err != nil {
		return 0, err
	}
	return set.Len(), nil
}

func (m *Matcher) set(ctx context.Context, orgID string) (*Set, error) {
	m.mu.RLock()
	set, ok := m.sets[orgID]
	gen, epoch := m.gens[orgID], m.epoch
	m.mu.RUnlock()
	if ok {
		return set, nil
	}

	// Callers that arrive after an invalidation get a fresh key and never
	// share a load that started before it.
	key := orgID + "/" + strconv.FormatUint(epoch, 10) + "/" + strconv.FormatUint(gen, 10)
	v, err, _ := m.loads.Do(key, func() (any, error) {
		policies, err := m.source.ListPolicies(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("load policies for %s: %w", orgID, err)
		}
		set := NewSet(orgID, policies)

		m.mu.Lock()
		stale := m.gens[orgID] != gen || m.epoch != epoch
		if !stale {
			m.sets[orgID] = set
		}
		m.mu.Unlock()

		m.log.Debug("compiled policy set",
			zap.String("organization_id", orgID),
			zap.Int("active_policies", set.Len()),
			zap.Bool("cached", !stale),
		)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Set), nil
}
