package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

// AppendCommand bumps the session counters with $inc first, taking the new
// total as the command's sequence number, then inserts the command. If the
// insert fails the counters are rolled back.
func (s *Store) AppendCommand(ctx context.Context, c model.Command) (model.Command, error) {
	inc := bson.M{"total_commands": int64(1)}
	if c.WasBlocked {
		inc["blocked_commands"] = int64(1)
	}
	update := bson.M{
		"$inc": inc,
		"$max": bson.M{"last_activity_at": c.CreatedAt},
	}

	var sess model.Session
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"_id": c.SessionID},
		update,
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"total_commands": 1}),
	).Decode(&sess)
	if err != nil {
		return model.Command{}, translate("mongostore.append_command", "session", c.SessionID, err)
	}

	c.Seq = sess.TotalCommands
	if _, err := s.commands.InsertOne(ctx, c); err != nil {
		s.rollbackCounters(c.SessionID, inc)
		return model.Command{}, translate("mongostore.append_command", "command", c.ID, err)
	}
	return c, nil
}

func (s *Store) rollbackCounters(sessionID string, inc bson.M) {
	dec := bson.M{}
	for k, v := range inc {
		dec[k] = -v.(int64)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{"$inc": dec}); err != nil {
		s.log.Error("rollback session counters",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (s *Store) GetCommand(ctx context.Context, id string) (model.Command, error) {
	var c model.Command
	err := s.commands.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	return c, translate("mongostore.get_command", "command", id, err)
}

func (s *Store) ListCommands(ctx context.Context, sessionID string) ([]model.Command, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.commands.Find(ctx, bson.M{"session_id": sessionID}, opts)
	return all[model.Command](ctx, cur, err, "mongostore.list_commands")
}

// CompleteCommand sets the completion only while completed is false, so two
// racing completions cannot both win.
func (s *Store) CompleteCommand(ctx context.Context, id string, exitCode int, output string, at time.Time) (model.Command, error) {
	var c model.Command
	err := s.commands.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "completed": false},
		bson.M{"$set": bson.M{
			"exit_code":    exitCode,
			"output":       output,
			"completed":    true,
			"completed_at": at,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return model.Command{}, fault.Storage("mongostore.complete_command", err)
	}

	existing, err := s.GetCommand(ctx, id)
	if err != nil {
		return model.Command{}, err
	}
	if store.SameCompletion(existing, exitCode, output) {
		return existing, nil
	}
	return model.Command{}, fault.New(fault.Conflict, "mongostore.complete_command",
		"command %s already completed with a different result", id)
}
