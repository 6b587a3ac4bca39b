// Package memory provides an in-memory implementation of the backend
// interfaces. It powers development mode when no remote store is configured
// and the component tests. Subscriptions behave like the real store: every
// mutation re-delivers the full ordered list to affected subscribers.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasreb/courier/internal/backend"
)

// Backend is an in-memory document store.
type Backend struct {
	mu            sync.Mutex
	messages      map[string]map[string]backend.Message // conversation id → message id → message
	conversations map[string]backend.Conversation
	typing        map[string]map[string]backend.TypingStatus // conversation id → user id → status
	presence      map[string]backend.Presence
	users         map[string]backend.User

	msgSubs      map[int]*msgSub
	convSubs     map[int]*convSub
	typingSubs   map[int]*typingSub
	presenceSubs map[int]*presenceSub
	nextSub      int

	// Now is the server clock. Tests may override it.
	Now func() time.Time
}

type msgSub struct {
	conversationID string
	fn             func([]backend.Message)
}

type convSub struct {
	userID string
	fn     func([]backend.Conversation)
}

type typingSub struct {
	conversationID string
	fn             func([]backend.TypingStatus)
}

type presenceSub struct {
	userID string
	fn     func(*backend.Presence)
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		messages:      make(map[string]map[string]backend.Message),
		conversations: make(map[string]backend.Conversation),
		typing:        make(map[string]map[string]backend.TypingStatus),
		presence:      make(map[string]backend.Presence),
		users:         make(map[string]backend.User),
		msgSubs:       make(map[int]*msgSub),
		convSubs:      make(map[int]*convSub),
		typingSubs:    make(map[int]*typingSub),
		presenceSubs:  make(map[int]*presenceSub),
		Now:           time.Now,
	}
}

// InsertMessage stores a message under a fresh durable id with the server
// timestamp and notifies subscribers of the conversation.
func (b *Backend) InsertMessage(_ context.Context, m backend.Message) (string, error) {
	b.mu.Lock()
	m.ID = uuid.NewString()
	m.Timestamp = b.Now()
	if b.messages[m.ConversationID] == nil {
		b.messages[m.ConversationID] = make(map[string]backend.Message)
	}
	b.messages[m.ConversationID][m.ID] = m
	id := m.ID
	notify := b.messageNotifications(m.ConversationID)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return id, nil
}

func (b *Backend) UpdateMessageStatus(_ context.Context, conversationID, messageID, status string) error {
	b.mu.Lock()
	m, ok := b.messages[conversationID][messageID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("message %s not found in %s", messageID, conversationID)
	}
	m.Status = status
	b.messages[conversationID][messageID] = m
	notify := b.messageNotifications(conversationID)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// MarkMessagesRead sets status=read and unions readerID into each reader
// set. Re-marking is idempotent.
func (b *Backend) MarkMessagesRead(_ context.Context, conversationID string, messageIDs []string, readerID string) error {
	b.mu.Lock()
	for _, id := range messageIDs {
		m, ok := b.messages[conversationID][id]
		if !ok {
			continue
		}
		m.Status = "read"
		if !slices.Contains(m.ReadBy, readerID) {
			m.ReadBy = append(m.ReadBy, readerID)
		}
		b.messages[conversationID][id] = m
	}
	notify := b.messageNotifications(conversationID)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (b *Backend) SubscribeMessages(conversationID string, fn func([]backend.Message)) (func(), error) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.msgSubs[id] = &msgSub{conversationID: conversationID, fn: fn}
	initial := b.messageList(conversationID)
	b.mu.Unlock()

	// Initial snapshot, like the real store's first listener callback.
	fn(initial)

	return func() {
		b.mu.Lock()
		delete(b.msgSubs, id)
		b.mu.Unlock()
	}, nil
}

func (b *Backend) InsertConversation(_ context.Context, c backend.Conversation) (string, error) {
	b.mu.Lock()
	c.ID = uuid.NewString()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = b.Now()
	}
	b.conversations[c.ID] = c
	id := c.ID
	notify := b.conversationNotifications(c.Participants)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return id, nil
}

func (b *Backend) GetConversation(_ context.Context, id string) (*backend.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok {
		return nil, nil
	}
	out := c
	out.Participants = slices.Clone(c.Participants)
	return &out, nil
}

func (b *Backend) ListOneOnOne(_ context.Context, userID string) ([]backend.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.Conversation
	for _, c := range b.conversations {
		if c.Type == backend.OneOnOne && slices.Contains(c.Participants, userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *Backend) SetParticipants(_ context.Context, id string, participants []string) error {
	b.mu.Lock()
	c, ok := b.conversations[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("conversation %s not found", id)
	}
	before := c.Participants
	c.Participants = slices.Clone(participants)
	b.conversations[id] = c
	// Both old and new members see the change.
	affected := append(slices.Clone(before), participants...)
	notify := b.conversationNotifications(affected)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (b *Backend) SetLastMessage(_ context.Context, id, preview string, messageType backend.MessageType, at time.Time) error {
	b.mu.Lock()
	c, ok := b.conversations[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("conversation %s not found", id)
	}
	c.LastMessage = preview
	c.LastMessageType = messageType
	c.LastMessageAt = at
	b.conversations[id] = c
	notify := b.conversationNotifications(c.Participants)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (b *Backend) SetGroupInfo(_ context.Context, id, name, photoURL string) error {
	b.mu.Lock()
	c, ok := b.conversations[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("conversation %s not found", id)
	}
	if name != "" {
		c.Name = name
	}
	if photoURL != "" {
		c.PhotoURL = photoURL
	}
	b.conversations[id] = c
	notify := b.conversationNotifications(c.Participants)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (b *Backend) SubscribeConversations(userID string, fn func([]backend.Conversation)) (func(), error) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.convSubs[id] = &convSub{userID: userID, fn: fn}
	initial := b.conversationList(userID)
	b.mu.Unlock()

	fn(initial)

	return func() {
		b.mu.Lock()
		delete(b.convSubs, id)
		b.mu.Unlock()
	}, nil
}

// SetTyping upserts the (conversation, user) typing document. Stale
// documents linger; freshness is the reader's concern.
func (b *Backend) SetTyping(_ context.Context, conversationID, userID string, isTyping bool) error {
	b.mu.Lock()
	if b.typing[conversationID] == nil {
		b.typing[conversationID] = make(map[string]backend.TypingStatus)
	}
	b.typing[conversationID][userID] = backend.TypingStatus{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		Timestamp:      b.Now(),
	}
	notify := b.typingNotifications(conversationID)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (b *Backend) SubscribeTyping(conversationID string, fn func([]backend.TypingStatus)) (func(), error) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.typingSubs[id] = &typingSub{conversationID: conversationID, fn: fn}
	initial := b.typingList(conversationID)
	b.mu.Unlock()

	fn(initial)

	return func() {
		b.mu.Lock()
		delete(b.typingSubs, id)
		b.mu.Unlock()
	}, nil
}

func (b *Backend) SetPresence(_ context.Context, p backend.Presence) error {
	b.mu.Lock()
	p.UpdatedAt = b.Now()
	b.presence[p.UserID] = p
	var notify []func()
	for _, sub := range b.presenceSubs {
		if sub.userID == p.UserID {
			cp := p
			fn := sub.fn
			notify = append(notify, func() { fn(&cp) })
		}
	}
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (b *Backend) SubscribePresence(userID string, fn func(*backend.Presence)) (func(), error) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.presenceSubs[id] = &presenceSub{userID: userID, fn: fn}
	var initial *backend.Presence
	if p, ok := b.presence[userID]; ok {
		cp := p
		initial = &cp
	}
	b.mu.Unlock()

	fn(initial)

	return func() {
		b.mu.Lock()
		delete(b.presenceSubs, id)
		b.mu.Unlock()
	}, nil
}

func (b *Backend) ListUsers(_ context.Context) ([]backend.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.User, 0, len(b.users))
	for _, u := range b.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out, nil
}

func (b *Backend) GetUsers(_ context.Context, ids []string) ([]backend.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.User
	for _, id := range ids {
		if u, ok := b.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// SeedUser registers a user profile. Used by development mode and tests.
func (b *Backend) SeedUser(u backend.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[u.ID] = u
}

// messageList builds the ordered message list for a conversation.
// Caller must hold the lock.
func (b *Backend) messageList(conversationID string) []backend.Message {
	msgs := make([]backend.Message, 0, len(b.messages[conversationID]))
	for _, m := range b.messages[conversationID] {
		m.ReadBy = slices.Clone(m.ReadBy)
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs
}

func (b *Backend) conversationList(userID string) []backend.Conversation {
	var out []backend.Conversation
	for _, c := range b.conversations {
		if slices.Contains(c.Participants, userID) {
			c.Participants = slices.Clone(c.Participants)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

func (b *Backend) typingList(conversationID string) []backend.TypingStatus {
	out := make([]backend.TypingStatus, 0, len(b.typing[conversationID]))
	for _, t := range b.typing[conversationID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// messageNotifications snapshots the callbacks to run for a conversation's
// message subscribers. Caller must hold the lock; callbacks run after unlock.
func (b *Backend) messageNotifications(conversationID string) []func() {
	list := b.messageList(conversationID)
	var out []func()
	for _, sub := range b.msgSubs {
		if sub.conversationID == conversationID {
			fn := sub.fn
			out = append(out, func() { fn(list) })
		}
	}
	return out
}

func (b *Backend) conversationNotifications(affected []string) []func() {
	var out []func()
	for _, sub := range b.convSubs {
		if slices.Contains(affected, sub.userID) {
			list := b.conversationList(sub.userID)
			fn := sub.fn
			out = append(out, func() { fn(list) })
		}
	}
	return out
}

func (b *Backend) typingNotifications(conversationID string) []func() {
	list := b.typingList(conversationID)
	var out []func()
	for _, sub := range b.typingSubs {
		if sub.conversationID == conversationID {
			fn := sub.fn
			out = append(out, func() { fn(list) })
		}
	}
	return out
}
