package backend

import "time"

// MessageType discriminates the message payload.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
)

// ConversationType discriminates direct chats from groups.
type ConversationType string

const (
	OneOnOne ConversationType = "oneOnOne"
	Group    ConversationType = "group"
)

// Message is a chat message as stored remotely. Exactly one of Text or
// ImageURL is populated, matching Type. The ID is either a durable id
// issued by the store or a provisional temp_* id before confirmation.
type Message struct {
	ID             string
	ConversationID string
	Type           MessageType
	Text           string
	ImageURL       string
	ImageWidth     int
	ImageHeight    int
	SenderID       string
	Timestamp      time.Time
	Status         string
	ReadBy         []string
}

// Conversation is a chat a user belongs to, with a denormalized summary of
// its latest message for list rendering.
type Conversation struct {
	ID              string
	Type            ConversationType
	Participants    []string
	Name            string
	PhotoURL        string
	CreatedBy       string
	CreatedAt       time.Time
	LastMessage     string
	LastMessageAt   time.Time
	LastMessageType MessageType
}

// TypingStatus is an ephemeral typing signal keyed by (conversation, user).
// Readers decide freshness; stale documents are never deleted.
type TypingStatus struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	Timestamp      time.Time
}

// Presence is a user's online/offline state, driven by app lifecycle.
type Presence struct {
	UserID    string
	State     string // "online" | "offline"
	LastSeen  time.Time
	UpdatedAt time.Time
}

// User is a chat user profile.
type User struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
	PushToken   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MulticastResult reports per-token delivery outcome counts.
type MulticastResult struct {
	Success int
	Failure int
}
