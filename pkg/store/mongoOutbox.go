package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
)

type mongoEntry struct {
	ID          primitive.ObjectID `bson:"_id"`
	Destination string             `bson:"destination"`
	Payload     []byte             `bson:"payload"`
	EnqueuedAt  time.Time          `bson:"enqueued_at"`
}

// MongoOutbox keeps entries in a collection; ObjectIDs provide insertion order.
type MongoOutbox struct {
	client     *mongo.Client
	collection *mongo.Collection
	head       primitive.ObjectID
	closed     bool
}

func NewMongoOutbox(client *mongo.Client, database, collection string) *MongoOutbox {
	return &MongoOutbox{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}
}

func (m *MongoOutbox) HasPending(ctx context.Context) (bool, error) {
	var n int64
	err := m.run(ctx, "HasPending", func(ctx context.Context) (int, error) {
		var err error
		n, err = m.collection.CountDocuments(ctx, bson.M{}, options.Count().SetLimit(1))
		return int(n), err
	})
	return n > 0, err
}

func (m *MongoOutbox) PendingCount(ctx context.Context) (int, error) {
	var n int64
	err := m.run(ctx, "PendingCount", func(ctx context.Context) (int, error) {
		var err error
		n, err = m.collection.CountDocuments(ctx, bson.M{})
		return 1, err
	})
	return int(n), err
}

func (m *MongoOutbox) Peek(ctx context.Context) (outbox.Entry, bool, error) {
	var doc mongoEntry
	found := false
	err := m.run(ctx, "Peek", func(ctx context.Context) (int, error) {
		opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
		err := m.collection.FindOne(ctx, bson.M{}, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		m.head = doc.ID
		found = true
		return 1, nil
	})
	if !found {
		return outbox.Entry{}, false, err
	}
	return outbox.Entry{Destination: doc.Destination, Payload: doc.Payload}, true, err
}

func (m *MongoOutbox) Pop(ctx context.Context) error {
	if m.head.IsZero() {
		return outbox.ErrNotPeeked
	}
	return m.run(ctx, "Pop", func(ctx context.Context) (int, error) {
		res, err := m.collection.DeleteOne(ctx, bson.M{"_id": m.head})
		if err != nil {
			return 0, err
		}
		m.head = primitive.NilObjectID
		return int(res.DeletedCount), nil
	})
}

func (m *MongoOutbox) Requeue(ctx context.Context, entry outbox.Entry) error {
	return m.run(ctx, "Requeue", func(ctx context.Context) (int, error) {
		_, err := m.collection.InsertOne(ctx, mongoEntry{
			ID:          primitive.NewObjectID(),
			Destination: entry.Destination,
			Payload:     entry.Payload,
			EnqueuedAt:  time.Now().UTC(),
		})
		return 1, err
	})
}

func (m *MongoOutbox) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.client.Disconnect(context.Background())
}

func (m *MongoOutbox) run(ctx context.Context, operation string, fn func(ctx context.Context) (int, error)) error {
	if m.closed {
		return outbox.ErrClosed
	}
	return withSpan(ctx, "mongodb", operation, fn)
}
