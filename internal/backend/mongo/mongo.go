// Package mongo implements the backend interfaces on MongoDB. Live
// subscriptions use change streams: every relevant change triggers a full
// re-query, so subscribers always receive complete ordered lists, matching
// the replace-not-patch contract.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const opTimeout = 5 * time.Second

// Backend is a MongoDB-backed document store.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger

	messages      *mongo.Collection
	conversations *mongo.Collection
	typing        *mongo.Collection
	presence      *mongo.Collection
	users         *mongo.Collection
}

// Connect dials MongoDB and prepares the collections. Change streams
// require a replica set; standalone servers will fail on the first
// subscription, not here.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	b := &Backend{
		client:        client,
		db:            db,
		logger:        logger,
		messages:      db.Collection("messages"),
		conversations: db.Collection("conversations"),
		typing:        db.Collection("typing"),
		presence:      db.Collection("presence"),
		users:         db.Collection("users"),
	}
	b.ensureIndexes(ctx)
	return b, nil
}

func (b *Backend) ensureIndexes(ctx context.Context) {
	_, err := b.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: map[string]any{"conversation_id": 1},
	})
	if err != nil {
		b.logger.Warn("create message index", zap.Error(err))
	}
	_, err = b.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: map[string]any{"participants": 1},
	})
	if err != nil {
		b.logger.Warn("create conversation index", zap.Error(err))
	}
}

// Close disconnects from MongoDB.
func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

// watch runs a change stream over a collection and calls requery after the
// initial attach and after every change event. It returns a cancel function
// that synchronously stops future requery calls.
func (b *Backend) watch(coll *mongo.Collection, pipeline mongo.Pipeline, requery func(ctx context.Context)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	cs, err := coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", coll.Name(), err)
	}

	requery(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), opTimeout)
			defer closeCancel()
			_ = cs.Close(closeCtx)
		}()
		for cs.Next(ctx) {
			requery(ctx)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			b.logger.Error("change stream failed", zap.Error(err), zap.String("collection", coll.Name()))
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
