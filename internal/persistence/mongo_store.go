package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// MongoStore is a ContextRepository backed by MongoDB. Each context is one
// document whose indexed fields mirror the payload.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed context store.
// dbName defaults to "fluxgraph" if empty, collName defaults to "flow_contexts".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "fluxgraph"
	}
	if collName == "" {
		collName = "flow_contexts"
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection(collName),
	}
}

type mongoContextDoc struct {
	ID        string `bson:"_id"`
	TraceID   string `bson:"trace_id"`
	StreamID  string `bson:"stream_id"`
	Position  string `bson:"position"`
	Status    string `bson:"status"`
	UpdatedAt int64  `bson:"updated_at"`
	Payload   string `bson:"payload"`
}

func (s *MongoStore) Save(ctx context.Context, fc *api.FlowContext) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fc.UpdatedAt = nowIfZero(fc.UpdatedAt)
	payload, err := Encode(fc)
	if err != nil {
		return err
	}

	doc := mongoContextDoc{
		ID:        fc.ID,
		TraceID:   fc.TraceID,
		StreamID:  fc.StreamID,
		Position:  fc.Position,
		Status:    string(fc.Status),
		UpdatedAt: fc.UpdatedAt.UnixNano(),
		Payload:   string(payload),
	}

	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": fc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*api.FlowContext, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc mongoContextDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrContextNotFound
		}
		return nil, err
	}
	return Decode([]byte(doc.Payload))
}

func (s *MongoStore) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.List(ctx, api.ContextFilter{TraceID: traceID})
}

func (s *MongoStore) List(ctx context.Context, filter api.ContextFilter) ([]*api.FlowContext, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{}
	if filter.StreamID != "" {
		query["stream_id"] = filter.StreamID
	}
	if filter.TraceID != "" {
		query["trace_id"] = filter.TraceID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.Position != "" {
		query["position"] = filter.Position
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.FlowContext
	for cur.Next(ctx) {
		var doc mongoContextDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		fc, err := Decode([]byte(doc.Payload))
		if err != nil {
			return nil, err
		}
		result = append(result, fc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// Close disconnects the Mongo client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
