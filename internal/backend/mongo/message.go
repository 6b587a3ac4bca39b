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

type messageDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID string             `bson:"conversation_id"`
	Type           string             `bson:"type"`
	Text           string             `bson:"text,omitempty"`
	ImageURL       string             `bson:"image_url,omitempty"`
	ImageWidth     int                `bson:"image_width,omitempty"`
	ImageHeight    int                `bson:"image_height,omitempty"`
	SenderID       string             `bson:"sender_id"`
	Timestamp      time.Time          `bson:"timestamp"`
	Status         string             `bson:"status"`
	ReadBy         []string           `bson:"read_by"`
}

func (d messageDoc) toMessage() backend.Message {
	readBy := d.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return backend.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID,
		Type:           backend.MessageType(d.Type),
		Text:           d.Text,
		ImageURL:       d.ImageURL,
		ImageWidth:     d.ImageWidth,
		ImageHeight:    d.ImageHeight,
		SenderID:       d.SenderID,
		Timestamp:      d.Timestamp,
		Status:         d.Status,
		ReadBy:         readBy,
	}
}

// InsertMessage writes a message with the server clock as its timestamp and
// returns the ObjectID hex as the durable id.
func (b *Backend) InsertMessage(ctx context.Context, m backend.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := messageDoc{
		ConversationID: m.ConversationID,
		Type:           string(m.Type),
		Text:           m.Text,
		ImageURL:       m.ImageURL,
		ImageWidth:     m.ImageWidth,
		ImageHeight:    m.ImageHeight,
		SenderID:       m.SenderID,
		Timestamp:      time.Now().UTC(),
		Status:         m.Status,
		ReadBy:         emptyIfNil(m.ReadBy),
	}
	res, err := b.messages.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (b *Backend) UpdateMessageStatus(ctx context.Context, conversationID, messageID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(messageID)
	if err != nil {
		return fmt.Errorf("message id %q: %w", messageID, err)
	}
	_, err = b.messages.UpdateOne(ctx,
		bson.M{"_id": oid, "conversation_id": conversationID},
		bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// MarkMessagesRead promotes the messages to read and unions the reader into
// each reader set. $addToSet keeps the union idempotent under concurrent
// readers.
func (b *Backend) MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, readerID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	oids := make([]primitive.ObjectID, 0, len(messageIDs))
	for _, id := range messageIDs {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return fmt.Errorf("message id %q: %w", id, err)
		}
		oids = append(oids, oid)
	}

	_, err := b.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": oids}, "conversation_id": conversationID},
		bson.M{
			"$set":      bson.M{"status": "read"},
			"$addToSet": bson.M{"read_by": readerID},
		})
	if err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

func (b *Backend) SubscribeMessages(conversationID string, fn func([]backend.Message)) (func(), error) {
	// Matching on fullDocument drops events without one (deletes,
	// invalidates); messages are insert/update only, so none are missed.
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"fullDocument.conversation_id": conversationID}}},
	}
	return b.watch(b.messages, pipeline, func(ctx context.Context) {
		msgs, err := b.listMessages(ctx, conversationID)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("re-query messages", zap.Error(err), zap.String("conversation_id", conversationID))
			}
			return
		}
		fn(msgs)
	})
}

func (b *Backend) listMessages(ctx context.Context, conversationID string) ([]backend.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := b.messages.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []backend.Message
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toMessage())
	}
	return out, cur.Err()
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
