package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mahaj/chat-dispatch/pkg/db"
)

// ConnectMongo opens a client, checks the primary is reachable and returns
// the named database.
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, client.Database(database), nil
}

// OpenScheduled returns the scheduled-message store for driver ("scylla" or
// "mongo") and a func releasing whatever it opened.
func OpenScheduled(ctx context.Context, driver string, session *db.Session, mongoURI, mongoDB string) (ScheduledStore, func(), error) {
	switch driver {
	case "scylla":
		return NewScyllaScheduled(session), func() {}, nil
	case "mongo":
		client, database, err := ConnectMongo(ctx, mongoURI, mongoDB)
		if err != nil {
			return nil, nil, err
		}
		st := NewMongoScheduled(database)
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return st, func() { _ = client.Disconnect(context.Background()) }, nil
	}
	return nil, nil, fmt.Errorf("unknown scheduled store driver %q", driver)
}
