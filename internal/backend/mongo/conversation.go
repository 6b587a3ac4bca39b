package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type conversationDoc struct {
	ID              primitive.ObjectID `bson:"_id,omitempty"`
	Type            string             `bson:"type"`
	Participants    []string           `bson:"participants"`
	Name            string             `bson:"name,omitempty"`
	PhotoURL        string             `bson:"photo_url,omitempty"`
	CreatedBy       string             `bson:"created_by"`
	CreatedAt       time.Time          `bson:"created_at"`
	LastMessage     string             `bson:"last_message,omitempty"`
	LastMessageAt   time.Time          `bson:"last_message_at,omitempty"`
	LastMessageType string             `bson:"last_message_type,omitempty"`
}

func (d conversationDoc) toConversation() backend.Conversation {
	return backend.Conversation{
		ID:              d.ID.Hex(),
		Type:            backend.ConversationType(d.Type),
		Participants:    d.Participants,
		Name:            d.Name,
		PhotoURL:        d.PhotoURL,
		CreatedBy:       d.CreatedBy,
		CreatedAt:       d.CreatedAt,
		LastMessage:     d.LastMessage,
		LastMessageAt:   d.LastMessageAt,
		LastMessageType: backend.MessageType(d.LastMessageType),
	}
}

func (b *Backend) InsertConversation(ctx context.Context, c backend.Conversation) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := conversationDoc{
		Type:         string(c.Type),
		Participants: emptyIfNil(c.Participants),
		Name:         c.Name,
		PhotoURL:     c.PhotoURL,
		CreatedBy:    c.CreatedBy,
		CreatedAt:    time.Now().UTC(),
	}
	res, err := b.conversations.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

// GetConversation returns nil with no error when the conversation does not
// exist.
func (b *Backend) GetConversation(ctx context.Context, id string) (*backend.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("conversation id %q: %w", id, err)
	}
	var d conversationDoc
	err = b.conversations.FindOne(ctx, bson.M{"_id": oid}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c := d.toConversation()
	return &c, nil
}

func (b *Backend) ListOneOnOne(ctx context.Context, userID string) ([]backend.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := b.conversations.Find(ctx, bson.M{
		"type":         string(backend.OneOnOne),
		"participants": userID,
	})
	if err != nil {
		return nil, fmt.Errorf("list direct conversations: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []backend.Conversation
	for cur.Next(ctx) {
		var d conversationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toConversation())
	}
	return out, cur.Err()
}

func (b *Backend) SetParticipants(ctx context.Context, id string, participants []string) error {
	return b.updateConversation(ctx, id, bson.M{"participants": emptyIfNil(participants)})
}

func (b *Backend) SetLastMessage(ctx context.Context, id, preview string, messageType backend.MessageType, at time.Time) error {
	return b.updateConversation(ctx, id, bson.M{
		"last_message":      preview,
		"last_message_type": string(messageType),
		"last_message_at":   at.UTC(),
	})
}

func (b *Backend) SetGroupInfo(ctx context.Context, id, name, photoURL string) error {
	set := bson.M{}
	if name != "" {
		set["name"] = name
	}
	if photoURL != "" {
		set["photo_url"] = photoURL
	}
	if len(set) == 0 {
		return nil
	}
	return b.updateConversation(ctx, id, set)
}

func (b *Backend) updateConversation(ctx context.Context, id string, set bson.M) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("conversation id %q: %w", id, err)
	}
	res, err := b.conversations.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// SubscribeConversations re-queries the user's conversation list on every
// change to the collection. The stream is unfiltered: membership changes
// that remove the user would never match a participant filter.
func (b *Backend) SubscribeConversations(userID string, fn func([]backend.Conversation)) (func(), error) {
	return b.watch(b.conversations, mongo.Pipeline{}, func(ctx context.Context) {
		convs, err := b.listConversations(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("re-query conversations", zap.Error(err), zap.String("user_id", userID))
			}
			return
		}
		fn(convs)
	})
}

func (b *Backend) listConversations(ctx context.Context, userID string) ([]backend.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := b.conversations.Find(ctx,
		bson.M{"participants": userID},
		options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []backend.Conversation
	for cur.Next(ctx) {
		var d conversationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toConversation())
	}
	return out, cur.Err()
}
