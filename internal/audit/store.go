package audit

import (
	"sync"

	"github.com/Extra-Chill/plasma-warden/internal/events"
)

const DefaultLogLimit = 10000

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	OrganizationID string
	SessionID      string
	Type           events.Type
}

func (f Filter) matches(e events.Event) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

// LogStore keeps the most recent audit events in memory.
type LogStore struct {
	mu     sync.RWMutex
	events []events.Event
	limit  int
}

// NewLogStore creates a new LogStore with a limit.
func NewLogStore(limit int) *LogStore {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &LogStore{
		events: make([]events.Event, 0, limit),
		limit:  limit,
	}
}

// Add stores an event, dropping the oldest once the limit is reached.
func (s *LogStore) Add(e events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
	s.mu.Unlock()
}

// List returns a page of events matching f, oldest first, and the total
// number of matches.
func (s *LogStore) List(f Filter, offset, limit int) ([]events.Event, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]events.Event, 0, len(s.events))
	for _, e := range s.events {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = total
	}

	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	result := make([]events.Event, end-start)
	copy(result, matched[start:end])
	return result, total
}
