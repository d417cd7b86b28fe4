package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMaxAttempts is how often a failing sink is tried per event.
const DefaultMaxAttempts = 3

// Bus fans events out to every subscribed sink.
type Bus struct {
	mu          sync.RWMutex
	sinks       []namedSink
	maxAttempts int
	backoff     time.Duration
	log         *zap.Logger
}

type namedSink struct {
	name string
	sink Sink
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMaxAttempts sets the number of delivery attempts per sink.
func WithMaxAttempts(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithBackoff sets the pause between attempts. It doubles after each retry.
func WithBackoff(d time.Duration) BusOption {
	return func(b *Bus) { b.backoff = d }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) BusOption {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// NewBus creates a Bus with no sinks.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		maxAttempts: DefaultMaxAttempts,
		backoff:     50 * time.Millisecond,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a sink. name appears in delivery failure logs.
func (b *Bus) Subscribe(name string, s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: s})
	b.mu.Unlock()
}

// Publish delivers e to every sink in subscription order. A sink that keeps
// failing does not stop delivery to the others; the combined error is
// returned.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	sinks := make([]namedSink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	var errs error
	for _, s := range sinks {
		errs = multierr.Append(errs, b.deliver(ctx, s, e))
	}
	return errs
}

func (b *Bus) deliver(ctx context.Context, s namedSink, e Event) error {
	wait := b.backoff
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = s.sink.Handle(ctx, e); err == nil {
			return nil
		}
		b.log.Warn("event delivery failed",
			zap.String("sink", s.name),
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == b.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	b.log.Error("event dropped",
		zap.String("sink", s.name),
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)))
	return err
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
