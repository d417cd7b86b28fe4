package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

var byID = options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

func orgFilter(orgID string) bson.M {
	if orgID == "" {
		return bson.M{}
	}
	return bson.M{"organization_id": orgID}
}

func (s *Store) PutOrganization(ctx context.Context, org model.Organization) error {
	_, err := s.orgs.ReplaceOne(ctx, bson.M{"_id": org.ID}, org, options.Replace().SetUpsert(true))
	return fault.Storage("mongostore.put_organization", err)
}

func (s *Store) GetOrganization(ctx context.Context, id string) (model.Organization, error) {
	var org model.Organization
	err := s.orgs.FindOne(ctx, bson.M{"_id": id}).Decode(&org)
	return org, translate("mongostore.get_organization", "organization", id, err)
}

func (s *Store) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	cur, err := s.orgs.Find(ctx, bson.M{}, byID)
	return all[model.Organization](ctx, cur, err, "mongostore.list_organizations")
}

func (s *Store) CreateConnection(ctx context.Context, c model.Connection) error {
	_, err := s.connections.InsertOne(ctx, c)
	return translate("mongostore.create_connection", "connection", c.ID, err)
}

func (s *Store) GetConnection(ctx context.Context, id string) (model.Connection, error) {
	var c model.Connection
	err := s.connections.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	return c, translate("mongostore.get_connection", "connection", id, err)
}

func (s *Store) UpdateConnection(ctx context.Context, c model.Connection) error {
	res, err := s.connections.ReplaceOne(ctx, bson.M{"_id": c.ID}, c)
	if err != nil {
		return fault.Storage("mongostore.update_connection", err)
	}
	if res.MatchedCount == 0 {
		return fault.New(fault.NotFound, "mongostore.update_connection", "connection %s not found", c.ID)
	}
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	live, err := s.sessions.CountDocuments(ctx, sessionQuery(store.SessionFilter{ConnectionID: id, Statuses: store.LiveStatuses}))
	if err != nil {
		return fault.Storage("mongostore.delete_connection", err)
	}
	if live > 0 {
		return fault.New(fault.Conflict, "mongostore.delete_connection", "connection %s has live sessions", id)
	}
	res, err := s.connections.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fault.Storage("mongostore.delete_connection", err)
	}
	if res.DeletedCount == 0 {
		return fault.New(fault.NotFound, "mongostore.delete_connection", "connection %s not found", id)
	}
	return nil
}

func (s *Store) ListConnections(ctx context.Context, orgID string) ([]model.Connection, error) {
	cur, err := s.connections.Find(ctx, orgFilter(orgID), byID)
	return all[model.Connection](ctx, cur, err, "mongostore.list_connections")
}

func (s *Store) PutPolicy(ctx context.Context, p model.Policy) error {
	_, err := s.policies.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	return fault.Storage("mongostore.put_policy", err)
}

func (s *Store) GetPolicy(ctx context.Context, id string) (model.Policy, error) {
	var p model.Policy
	err := s.policies.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	return p, translate("mongostore.get_policy", "policy", id, err)
}

func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.policies.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fault.Storage("mongostore.delete_policy", err)
	}
	if res.DeletedCount == 0 {
		return fault.New(fault.NotFound, "mongostore.delete_policy", "policy %s not found", id)
	}
	return nil
}

func (s *Store) ListPolicies(ctx context.Context, orgID string) ([]model.Policy, error) {
	cur, err := s.policies.Find(ctx, orgFilter(orgID), byID)
	return all[model.Policy](ctx, cur, err, "mongostore.list_policies")
}
