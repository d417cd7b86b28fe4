// Package mongostore implements store.Store on MongoDB.
//
// Counters and status changes are single-document atomic updates ($inc and
// filtered FindOneAndUpdate), so no multi-document transactions are needed
// and a standalone mongod is enough.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

var _ store.Store = (*Store)(nil)

// Collection names.
const (
	colOrganizations = "organizations"
	colConnections   = "connections"
	colPolicies      = "policies"
	colSessions      = "sessions"
	colParticipants  = "session_participants"
	colCommands      = "session_commands"
	colRecordings    = "session_recordings"
)

// Store is a MongoDB-backed store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger

	orgs         *mongo.Collection
	connections  *mongo.Collection
	policies     *mongo.Collection
	sessions     *mongo.Collection
	participants *mongo.Collection
	commands     *mongo.Collection
	recordings   *mongo.Collection

	ownsClient bool
}

// Open connects to uri, pings the primary and ensures indexes.
func Open(ctx context.Context, uri, database string, log *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, fault.Storage("mongostore.open", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fault.Storage("mongostore.ping", err)
	}
	s := New(client.Database(database), log)
	s.client = client
	s.ownsClient = true
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The caller keeps ownership of the
// client.
func New(db *mongo.Database, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		client:       db.Client(),
		db:           db,
		log:          log,
		orgs:         db.Collection(colOrganizations),
		connections:  db.Collection(colConnections),
		policies:     db.Collection(colPolicies),
		sessions:     db.Collection(colSessions),
		participants: db.Collection(colParticipants),
		commands:     db.Collection(colCommands),
		recordings:   db.Collection(colRecordings),
	}
}

// EnsureIndexes creates the indexes every query relies on. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := map[*mongo.Collection][]mongo.IndexModel{
		s.connections: {
			{Keys: bson.D{{Key: "organization_id", Value: 1}}, Options: options.Index().SetName("idx_connections_org")},
		},
		s.policies: {
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "_id", Value: 1}}, Options: options.Index().SetName("idx_policies_org")},
		},
		s.sessions: {
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("idx_sessions_org_status")},
			{Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("idx_sessions_conn_status")},
			{Keys: bson.D{{Key: "initiated_by_user_id", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("idx_sessions_user_status")},
		},
		s.participants: {
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "join_at", Value: 1}}, Options: options.Index().SetName("idx_participants_session")},
		},
		s.commands: {
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_commands_session_seq")},
		},
		s.recordings: {
			{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_recordings_session")},
		},
	}

	var errs error
	for col, models := range specs {
		if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", col.Name(), err))
		}
	}
	if errs != nil {
		return fault.Storage("mongostore.ensure_indexes", errs)
	}
	return nil
}

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return fault.Storage("mongostore.ping", s.client.Ping(ctx, readpref.Primary()))
}

// Close disconnects the client if Open created it.
func (s *Store) Close(ctx context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return fault.Storage("mongostore.close", s.client.Disconnect(ctx))
}

// translate maps driver errors onto fault kinds.
func translate(op, what, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fault.New(fault.NotFound, op, "%s %s not found", what, id)
	case mongo.IsDuplicateKeyError(err):
		return fault.New(fault.Conflict, op, "%s %s already exists", what, id)
	}
	return fault.Storage(op, err)
}

// all decodes every document from cur.
func all[T any](ctx context.Context, cur *mongo.Cursor, err error, op string) ([]T, error) {
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	defer cur.Close(ctx)
	out := make([]T, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fault.Storage(op, err)
	}
	return out, nil
}
