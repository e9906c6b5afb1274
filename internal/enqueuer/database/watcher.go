package database

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Stream is the cursor side of a change stream. *mongo.ChangeStream
// satisfies it.
type Stream interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// Watcher opens change streams filtered by operation type.
type Watcher interface {
	Watch(ctx context.Context, collection, operationType string) (Stream, error)
}

// MongoWatcher opens change streams on a MongoDB database.
type MongoWatcher struct {
	db *mongo.Database
}

func NewMongoWatcher(db *mongo.Database) *MongoWatcher {
	return &MongoWatcher{db: db}
}

func (w *MongoWatcher) Watch(ctx context.Context, collection, operationType string) (Stream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: operationType}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	cs, err := w.db.Collection(collection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	return cs, nil
}
