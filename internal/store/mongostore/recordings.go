package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// CreateRecording relies on the unique session_id index for the one
// recording per session rule.
func (s *Store) CreateRecording(ctx context.Context, r model.Recording) error {
	_, err := s.recordings.InsertOne(ctx, r)
	return translate("mongostore.create_recording", "recording for session", r.SessionID, err)
}

func (s *Store) GetRecordingBySession(ctx context.Context, sessionID string) (model.Recording, error) {
	var r model.Recording
	err := s.recordings.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&r)
	return r, translate("mongostore.get_recording", "recording for session", sessionID, err)
}

func (s *Store) UpdateRecording(ctx context.Context, r model.Recording) error {
	res, err := s.recordings.ReplaceOne(ctx, bson.M{"_id": r.ID, "session_id": r.SessionID}, r)
	if err != nil {
		return fault.Storage("mongostore.update_recording", err)
	}
	if res.MatchedCount == 0 {
		return fault.New(fault.NotFound, "mongostore.update_recording", "recording %s not found", r.ID)
	}
	return nil
}
