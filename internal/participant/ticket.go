package participant

import (
	"context"
	"sync"
)

// Ticket is a pending or resolved write request.
type Ticket struct {
	SessionID     string
	ParticipantID string

	reg   *Registry
	once  sync.Once
	ready chan struct{}
	err   error
}

func newTicket(reg *Registry, sessionID, participantID string) *Ticket {
	return &Ticket{
		SessionID:     sessionID,
		ParticipantID: participantID,
		reg:           reg,
		ready:         make(chan struct{}),
	}
}

// resolve settles the ticket. Later calls are ignored.
func (t *Ticket) resolve(err error) {
	t.resolveIfPending(err)
}

func (t *Ticket) resolveIfPending(err error) bool {
	settled := false
	t.once.Do(func() {
		t.err = err
		close(t.ready)
		settled = true
	})
	return settled
}

// Granted reports whether write access was granted without blocking.
func (t *Ticket) Granted() bool {
	select {
	case <-t.ready:
		return t.err == nil
	default:
		return false
	}
}

// Done is closed once the ticket is resolved.
func (t *Ticket) Done() <-chan struct{} { return t.ready }

// Wait blocks until write access is granted, the request is rejected or ctx
// is done. Cancelling ctx withdraws the request from the queue, unless it was
// granted first, in which case the grant stands and Wait returns nil.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return t.err
	case <-ctx.Done():
		return t.reg.cancel(t, ctx.Err())
	}
}
