// Package transport establishes the connection to a session's target
// before the session becomes active.
package transport

import (
	"context"
	"sync"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// Handshaker opens (and verifies) the transport to a connection target.
// Implementations must return promptly once ctx is done.
type Handshaker interface {
	Handshake(ctx context.Context, sessionID string, conn model.Connection) error
}

// HandshakerFunc adapts a function to a Handshaker.
type HandshakerFunc func(ctx context.Context, sessionID string, conn model.Connection) error

// Handshake calls f.
func (f HandshakerFunc) Handshake(ctx context.Context, sessionID string, conn model.Connection) error {
	return f(ctx, sessionID, conn)
}

// Nop accepts every connection without touching the network.
type Nop struct{}

// Handshake returns ctx.Err().
func (Nop) Handshake(ctx context.Context, _ string, _ model.Connection) error {
	return ctx.Err()
}

// Mux routes handshakes by connection protocol.
type Mux struct {
	mu       sync.RWMutex
	handlers map[model.Protocol]Handshaker
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[model.Protocol]Handshaker)}
}

// Handle registers h for protocol p.
func (m *Mux) Handle(p model.Protocol, h Handshaker) {
	m.mu.Lock()
	m.handlers[p] = h
	m.mu.Unlock()
}

// Handshake dispatches to the handler registered for conn.Protocol.
func (m *Mux) Handshake(ctx context.Context, sessionID string, conn model.Connection) error {
	m.mu.RLock()
	h, ok := m.handlers[conn.Protocol]
	m.mu.RUnlock()
	if !ok {
		return fault.New(fault.Invalid, "transport.handshake", "no transport for protocol %q", conn.Protocol)
	}
	return h.Handshake(ctx, sessionID, conn)
}
