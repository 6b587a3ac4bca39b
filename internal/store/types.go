package store

// Message is a cached chat message. Timestamps are unix milliseconds.
type Message struct {
	ConversationID string
	MsgID          string
	Type           string
	Body           string
	ImageURL       string
	ImageWidth     int
	ImageHeight    int
	SenderID       string
	Status         string
	ReadBy         []string
	Timestamp      int64
}

// Conversation is a cached conversation record.
type Conversation struct {
	ID              string
	Type            string
	Participants    []string
	Name            string
	PhotoURL        string
	CreatedBy       string
	CreatedAt       int64
	LastMessage     string
	LastMessageAt   int64
	LastMessageType string
}

// QueuedMessage is an outbound queue entry: a message snapshot plus its
// retry count. Identity is the provisional client message id.
type QueuedMessage struct {
	ClientMsgID    string
	ConversationID string
	Type           string
	Body           string
	ImageURL       string
	ImageWidth     int
	ImageHeight    int
	SenderID       string
	Timestamp      int64
	RetryCount     int
}

// User is a cached user profile.
type User struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
	PushToken   string
	CreatedAt   int64
	UpdatedAt   int64
}
