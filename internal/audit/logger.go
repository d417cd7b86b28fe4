// Package audit records session events for later review: structured log
// lines, a bounded in-memory store and an optional CBOR journal.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/events"
)

// Destinations.
const (
	DestinationAll    = "all"    // log, memory and journal
	DestinationLog    = "log"    // zap only
	DestinationMemory = "memory" // in-memory store only
	DestinationOff    = "off"
)

// Config holds audit configuration.
type Config struct {
	Destination string `yaml:"destination"`
	Limit       int    `yaml:"limit"`
	JournalPath string `yaml:"journal_path"`
}

// Validate checks the destination name.
func (c Config) Validate() error {
	switch c.Destination {
	case "", DestinationAll, DestinationLog, DestinationMemory, DestinationOff:
		return nil
	}
	return fmt.Errorf("audit: unknown destination %q", c.Destination)
}

// Logger is an events.Sink that writes the audit trail.
type Logger struct {
	store   *LogStore
	journal *Journal
	zapLog  *zap.Logger
	dest    string

	mu            sync.Mutex
	sessionStarts map[string]time.Time
}

var _ events.Sink = (*Logger)(nil)

// New creates a Logger. store may be nil when the destination does not keep
// events in memory; journal may be nil to skip the journal.
func New(store *LogStore, journal *Journal, zapLog *zap.Logger, cfg Config) *Logger {
	if zapLog == nil {
		zapLog = zap.NewNop()
	}
	dest := cfg.Destination
	if dest == "" {
		dest = DestinationAll
	}
	return &Logger{
		store:         store,
		journal:       journal,
		zapLog:        zapLog,
		dest:          dest,
		sessionStarts: make(map[string]time.Time),
	}
}

// Store returns the in-memory store, which may be nil.
func (l *Logger) Store() *LogStore { return l.store }

// Handle records e according to the destination.
func (l *Logger) Handle(_ context.Context, e events.Event) error {
	if l == nil || l.dest == DestinationOff {
		return nil
	}

	e = l.withDuration(e)

	if l.dest == DestinationAll || l.dest == DestinationLog {
		l.logToZap(e)
	}
	if (l.dest == DestinationAll || l.dest == DestinationMemory) && l.store != nil {
		l.store.Add(e)
	}
	if l.dest == DestinationAll && l.journal != nil {
		if err := l.journal.Append(e); err != nil {
			return fmt.Errorf("audit: journal append: %w", err)
		}
	}
	return nil
}

// withDuration tags session_ended events with the time since session_started
// was seen, when the event does not already carry one.
func (l *Logger) withDuration(e events.Event) events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch e.Type {
	case events.SessionStarted:
		l.sessionStarts[e.SessionID] = e.At
	case events.SessionEnded:
		start, ok := l.sessionStarts[e.SessionID]
		delete(l.sessionStarts, e.SessionID)
		if _, has := e.Data["duration"]; ok && !has {
			return e.With("duration", e.At.Sub(start).String())
		}
	}
	return e
}

// logToZap logs the event with consistent structure.
func (l *Logger) logToZap(e events.Event) {
	fields := []zap.Field{
		zap.Bool("audit", true),
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("organization_id", e.OrganizationID),
		zap.String("session_id", e.SessionID),
		zap.Time("at", e.At),
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.ParticipantID != "" {
		fields = append(fields, zap.String("participant_id", e.ParticipantID))
	}
	if e.CommandID != "" {
		fields = append(fields, zap.String("command_id", e.CommandID))
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String("detail_"+k, e.Data[k]))
	}

	if e.Data["blocked"] == "true" {
		l.zapLog.Warn("audit event", fields...)
	} else {
		l.zapLog.Info("audit event", fields...)
	}
}
