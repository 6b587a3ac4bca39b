package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type typingDoc struct {
	ID             string    `bson:"_id"` // <conversation_id>:<user_id>
	ConversationID string    `bson:"conversation_id"`
	UserID         string    `bson:"user_id"`
	IsTyping       bool      `bson:"is_typing"`
	Timestamp      time.Time `bson:"timestamp"`
}

type presenceDoc struct {
	UserID    string    `bson:"_id"`
	State     string    `bson:"state"`
	LastSeen  time.Time `bson:"last_seen"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type userDoc struct {
	ID          string    `bson:"_id"`
	Email       string    `bson:"email,omitempty"`
	DisplayName string    `bson:"display_name,omitempty"`
	PhotoURL    string    `bson:"photo_url,omitempty"`
	PushToken   string    `bson:"push_token,omitempty"`
	CreatedAt   time.Time `bson:"created_at,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at,omitempty"`
}

// SetTyping upserts the (conversation, user) typing document. Stale
// documents are left in place; readers apply the freshness window.
func (b *Backend) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := typingDoc{
		ID:             conversationID + ":" + userID,
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		Timestamp:      time.Now().UTC(),
	}
	_, err := b.typing.UpdateByID(ctx, doc.ID,
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (b *Backend) SubscribeTyping(conversationID string, fn func([]backend.TypingStatus)) (func(), error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"fullDocument.conversation_id": conversationID}}},
	}
	return b.watch(b.typing, pipeline, func(ctx context.Context) {
		list, err := b.listTyping(ctx, conversationID)
		if err != nil {
			// Typing is best-effort; deliver an empty result instead of
			// surfacing the failure.
			if ctx.Err() == nil {
				b.logger.Debug("re-query typing", zap.Error(err), zap.String("conversation_id", conversationID))
			}
			fn(nil)
			return
		}
		fn(list)
	})
}

func (b *Backend) listTyping(ctx context.Context, conversationID string) ([]backend.TypingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := b.typing.Find(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []backend.TypingStatus
	for cur.Next(ctx) {
		var d typingDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, backend.TypingStatus{
			ConversationID: d.ConversationID,
			UserID:         d.UserID,
			IsTyping:       d.IsTyping,
			Timestamp:      d.Timestamp,
		})
	}
	return out, cur.Err()
}

func (b *Backend) SetPresence(ctx context.Context, p backend.Presence) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := presenceDoc{
		UserID:    p.UserID,
		State:     p.State,
		LastSeen:  p.LastSeen.UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := b.presence.UpdateByID(ctx, doc.UserID,
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

func (b *Backend) SubscribePresence(userID string, fn func(*backend.Presence)) (func(), error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"documentKey._id": userID}}},
	}
	return b.watch(b.presence, pipeline, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		var d presenceDoc
		err := b.presence.FindOne(ctx, bson.M{"_id": userID}).Decode(&d)
		if err == mongo.ErrNoDocuments {
			fn(nil)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Debug("re-query presence", zap.Error(err), zap.String("user_id", userID))
			}
			fn(nil)
			return
		}
		fn(&backend.Presence{
			UserID:    d.UserID,
			State:     d.State,
			LastSeen:  d.LastSeen,
			UpdatedAt: d.UpdatedAt,
		})
	})
}

func (b *Backend) ListUsers(ctx context.Context) ([]backend.User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := b.users.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "display_name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []backend.User
	for cur.Next(ctx) {
		var d userDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, toUser(d))
	}
	return out, cur.Err()
}

func (b *Backend) GetUsers(ctx context.Context, ids []string) ([]backend.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := b.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []backend.User
	for cur.Next(ctx) {
		var d userDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, toUser(d))
	}
	return out, cur.Err()
}

func toUser(d userDoc) backend.User {
	return backend.User{
		ID:          d.ID,
		Email:       d.Email,
		DisplayName: d.DisplayName,
		PhotoURL:    d.PhotoURL,
		PushToken:   d.PushToken,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
