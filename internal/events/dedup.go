package events

import (
	"context"
	"sync"
)

// DefaultDedupWindow is the number of event IDs Dedup remembers.
const DefaultDedupWindow = 4096

// Dedup forwards each event ID to the wrapped sink at most once, within a
// window of the most recent IDs. An event whose delivery failed is not
// remembered, so a retry goes through.
type Dedup struct {
	next Sink

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	pos  int
}

// NewDedup wraps next. window <= 0 uses DefaultDedupWindow.
func NewDedup(next Sink, window int) *Dedup {
	if next == nil {
		panic("events: nil sink")
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Dedup{
		next: next,
		seen: make(map[string]struct{}, window),
		ring: make([]string, window),
	}
}

// Handle implements Sink.
func (d *Dedup) Handle(ctx context.Context, e Event) error {
	d.mu.Lock()
	if _, dup := d.seen[e.ID]; dup {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.next.Handle(ctx, e); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[e.ID]; dup {
		return nil
	}
	if old := d.ring[d.pos]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.pos] = e.ID
	d.seen[e.ID] = struct{}{}
	d.pos = (d.pos + 1) % len(d.ring)
	return nil
}
