// Package recording produces the one recording artifact of a session.
//
// The Service listens for session events: session_started creates a
// processing recording for sessions that have recording enabled, and
// session_ended finalizes it within a bounded time and stamps the artifact
// URL on the session.
package recording

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

// DefaultFinalizeTimeout bounds a single finalization.
const DefaultFinalizeTimeout = 30 * time.Second

// Artifact describes a finalized recording file.
type Artifact struct {
	Format   string
	FileName string
	Size     int64
	URL      string
}

// Finalizer turns a finished session into an artifact.
type Finalizer interface {
	Finalize(ctx context.Context, rec model.Recording) (Artifact, error)
}

// FinalizerFunc adapts a function to a Finalizer.
type FinalizerFunc func(ctx context.Context, rec model.Recording) (Artifact, error)

// Finalize calls f(ctx, rec).
func (f FinalizerFunc) Finalize(ctx context.Context, rec model.Recording) (Artifact, error) {
	return f(ctx, rec)
}

// Service manages recordings.
type Service struct {
	store     store.Store
	finalizer Finalizer
	timeout   time.Duration
	now       func() time.Time
	log       *zap.Logger
}

var _ events.Sink = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds finalization.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now == nil {
			panic("recording: nil clock")
		}
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService creates a Service.
func NewService(st store.Store, finalizer Finalizer, opts ...Option) *Service {
	if st == nil {
		panic("recording: nil store")
	}
	if finalizer == nil {
		panic("recording: nil finalizer")
	}
	s := &Service{
		store:     st,
		finalizer: finalizer,
		timeout:   DefaultFinalizeTimeout,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a processing recording for sessionID. A second create for
// the same session fails with Conflict and leaves the first untouched.
// When the session has already finished, no session_ended event will follow,
// so the recording is finalized right away; a failed finalization is stored
// on the recording rather than returned.
func (s *Service) Create(ctx context.Context, sessionID string) (model.Recording, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Recording{}, err
	}
	rec := model.Recording{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		OrganizationID: sess.OrganizationID,
		Status:         model.RecordingProcessing,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateRecording(ctx, rec); err != nil {
		return model.Recording{}, fault.Storage("recording.create", err)
	}
	if !sess.Status.Terminal() {
		return rec, nil
	}
	done, err := s.Finalize(ctx, sessionID)
	if err != nil && done.ID == "" {
		return rec, err
	}
	if err != nil {
		s.log.Warn("finalize recording of finished session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return done, nil
}

// Get returns the recording of a session.
func (s *Service) Get(ctx context.Context, sessionID string) (model.Recording, error) {
	return s.store.GetRecordingBySession(ctx, sessionID)
}

// Finalize runs the finalizer for the session's recording. A finalizer that
// does not return within the timeout marks the recording as failed and
// yields TimedOut. Already finalized recordings are returned unchanged.
func (s *Service) Finalize(ctx context.Context, sessionID string) (model.Recording, error) {
	rec, err := s.store.GetRecordingBySession(ctx, sessionID)
	if err != nil {
		return model.Recording{}, err
	}
	if rec.Status != model.RecordingProcessing {
		return rec, nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		art Artifact
		err error
	}
	done := make(chan result, 1)
	go func() {
		art, err := s.finalizer.Finalize(fctx, rec)
		done <- result{art, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-fctx.Done():
		res.err = fctx.Err()
	}

	if res.err != nil {
		rec.Status = model.RecordingError
		rec.Error = res.err.Error()
		if uerr := s.store.UpdateRecording(ctx, rec); uerr != nil {
			s.log.Error("mark recording failed", zap.String("session_id", sessionID), zap.Error(uerr))
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return rec, fault.New(fault.TimedOut, "recording.finalize", "finalizer did not finish within %s", s.timeout)
		}
		return rec, fault.Wrap(fault.Unavailable, "recording.finalize", res.err)
	}

	ready := s.now().UTC()
	rec.Status = model.RecordingReady
	rec.Format = res.art.Format
	rec.FileName = res.art.FileName
	rec.FileSize = res.art.Size
	rec.URL = res.art.URL
	rec.ReadyAt = &ready
	if err := s.store.UpdateRecording(ctx, rec); err != nil {
		return model.Recording{}, fault.Storage("recording.finalize", err)
	}
	if rec.URL != "" {
		if err := s.store.SetRecordingURL(ctx, sessionID, rec.URL); err != nil {
			return rec, fault.Storage("recording.finalize", err)
		}
	}
	return rec, nil
}

// Handle implements events.Sink.
func (s *Service) Handle(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.SessionStarted:
		if e.Data["recording"] != "true" {
			return nil
		}
		_, err := s.Create(ctx, e.SessionID)
		if errors.Is(err, fault.ErrConflict) {
			// Redelivered event; the first create already won.
			s.log.Info("recording already exists", zap.String("session_id", e.SessionID))
			return nil
		}
		return err

	case events.SessionEnded:
		_, err := s.Finalize(ctx, e.SessionID)
		switch {
		case errors.Is(err, fault.ErrNotFound):
			return nil
		case errors.Is(err, fault.ErrTimedOut):
			// The recording is already marked failed; retrying would not help.
			s.log.Warn("recording finalize timed out", zap.String("session_id", e.SessionID))
			return nil
		}
		return err
	}
	return nil
}
