package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

func sessionQuery(f store.SessionFilter) bson.M {
	q := bson.M{}
	if f.OrganizationID != "" {
		q["organization_id"] = f.OrganizationID
	}
	if f.ConnectionID != "" {
		q["connection_id"] = f.ConnectionID
	}
	if f.UserID != "" {
		q["initiated_by_user_id"] = f.UserID
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	return q
}

func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.sessions.InsertOne(ctx, sess)
	return translate("mongostore.create_session", "session", sess.ID, err)
}

func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	var sess model.Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&sess)
	return sess, translate("mongostore.get_session", "session", id, err)
}

func (s *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]model.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.sessions.Find(ctx, sessionQuery(f), opts)
	return all[model.Session](ctx, cur, err, "mongostore.list_sessions")
}

func (s *Store) CountSessions(ctx context.Context, f store.SessionFilter) (int, error) {
	n, err := s.sessions.CountDocuments(ctx, sessionQuery(f))
	if err != nil {
		return 0, fault.Storage("mongostore.count_sessions", err)
	}
	return int(n), nil
}

func (s *Store) TransitionSession(ctx context.Context, id string, t store.Transition) (model.Session, error) {
	if !t.From.CanTransition(t.To) {
		return model.Session{}, fault.New(fault.InvalidState, "mongostore.transition_session",
			"session cannot move from %s to %s", t.From, t.To)
	}
	set := bson.M{
		"status":           t.To,
		"last_activity_at": t.At,
	}
	if t.Reason != "" {
		set["status_reason"] = t.Reason
	}
	if t.To == model.SessionActive {
		set["started_at"] = t.At
	}
	if t.To.Terminal() {
		set["ended_at"] = t.At
	}
	if t.DurationSeconds != nil {
		set["duration_seconds"] = *t.DurationSeconds
	}

	var sess model.Session
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": t.From},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := s.GetSession(ctx, id)
		if getErr != nil {
			return model.Session{}, getErr
		}
		return model.Session{}, fault.New(fault.Conflict, "mongostore.transition_session",
			"session %s is %s, expected %s", id, current.Status, t.From)
	}
	if err != nil {
		return model.Session{}, fault.Storage("mongostore.transition_session", err)
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$max": bson.M{"last_activity_at": at}})
	if err != nil {
		return fault.Storage("mongostore.touch_session", err)
	}
	if res.MatchedCount == 0 {
		return fault.New(fault.NotFound, "mongostore.touch_session", "session %s not found", id)
	}
	return nil
}

func (s *Store) SetRecordingURL(ctx context.Context, id, url string) error {
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"recording_url": url}})
	if err != nil {
		return fault.Storage("mongostore.set_recording_url", err)
	}
	if res.MatchedCount == 0 {
		return fault.New(fault.NotFound, "mongostore.set_recording_url", "session %s not found", id)
	}
	return nil
}

func (s *Store) SaveParticipant(ctx context.Context, p model.Participant) error {
	n, err := s.sessions.CountDocuments(ctx, bson.M{"_id": p.SessionID})
	if err != nil {
		return fault.Storage("mongostore.save_participant", err)
	}
	if n == 0 {
		return fault.New(fault.NotFound, "mongostore.save_participant", "session %s not found", p.SessionID)
	}
	_, err = s.participants.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	return fault.Storage("mongostore.save_participant", err)
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	opts := options.Find().SetSort(bson.D{{Key: "join_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.participants.Find(ctx, bson.M{"session_id": sessionID}, opts)
	return all[model.Participant](ctx, cur, err, "mongostore.list_participants")
}
