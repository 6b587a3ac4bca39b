// Package backend defines the interfaces the delivery core consumes from
// the remote document store, object storage, and push delivery service.
// The remote store is authoritative once reachable; the local cache only
// mirrors it.
package backend

import (
	"context"
	"time"
)

// MessageStore is the remote message collection.
//
// Subscriptions deliver the full ordered message list for a conversation on
// every change (no incremental patches), ascending by the store's server
// timestamp. The returned cancel function synchronously stops future
// deliveries; one in-flight callback may still land after cancel.
type MessageStore interface {
	// InsertMessage writes a message and returns the durable id assigned by
	// the store. The store assigns the server timestamp.
	InsertMessage(ctx context.Context, m Message) (string, error)
	// UpdateMessageStatus sets the status field of a single message.
	UpdateMessageStatus(ctx context.Context, conversationID, messageID, status string) error
	// MarkMessagesRead batches status=read updates and unions readerID into
	// each message's reader set. The union is idempotent: concurrent readers
	// never clobber each other's entries.
	MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, readerID string) error
	SubscribeMessages(conversationID string, fn func([]Message)) (func(), error)
}

// ConversationStore is the remote conversation collection.
type ConversationStore interface {
	InsertConversation(ctx context.Context, c Conversation) (string, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListOneOnOne returns the oneOnOne conversations containing userID.
	// Used by the dedup scan before creating a direct conversation.
	ListOneOnOne(ctx context.Context, userID string) ([]Conversation, error)
	SetParticipants(ctx context.Context, id string, participants []string) error
	SetLastMessage(ctx context.Context, id, preview string, messageType MessageType, at time.Time) error
	SetGroupInfo(ctx context.Context, id, name, photoURL string) error
	// SubscribeConversations delivers the conversations containing userID,
	// ordered by last message time descending, on every change.
	SubscribeConversations(userID string, fn func([]Conversation)) (func(), error)
}

// TypingStore is the remote ephemeral typing collection. Write failures are
// tolerated by callers; typing is a best-effort signal.
type TypingStore interface {
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error
	SubscribeTyping(conversationID string, fn func([]TypingStatus)) (func(), error)
}

// PresenceStore is the remote presence collection.
type PresenceStore interface {
	SetPresence(ctx context.Context, p Presence) error
	SubscribePresence(userID string, fn func(*Presence)) (func(), error)
}

// UserStore is the remote user directory.
type UserStore interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUsers(ctx context.Context, ids []string) ([]User, error)
}

// Store is the full remote document store surface.
type Store interface {
	MessageStore
	ConversationStore
	TypingStore
	PresenceStore
	UserStore
}

// ObjectStore uploads binary blobs and returns a download URL. Image sends
// upload before composing the message.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte) (string, error)
}

// Multicaster fans a push notification out to device tokens.
type Multicaster interface {
	SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) (MulticastResult, error)
}
