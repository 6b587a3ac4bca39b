// Package sync mirrors remote conversation data into the local cache and
// republishes it on the bus. Consumers always see the cached list first,
// then live full-list replacements as the remote store changes.
package sync

import (
	"sync"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/store"
	"go.uber.org/zap"
)

// MessageSnapshot is the payload of a message.snapshot event: the full
// ordered message list for one conversation. FromCache marks the initial
// emission served from the local cache before the live subscription lands.
type MessageSnapshot struct {
	ConversationID string
	Messages       []store.Message
	FromCache      bool
}

// TypingUpdate is the payload of a typing.changed event: the users
// currently typing in a conversation, freshness-filtered and excluding the
// local user.
type TypingUpdate struct {
	ConversationID string
	UserIDs        []string
}

type handle struct {
	cancelMessages func()
	cancelTyping   func()
}

// Synchronizer keeps the local message cache in step with the remote store.
// At most one live listener exists per conversation; repeated Subscribe
// calls for the same conversation are no-ops.
type Synchronizer struct {
	remote    backend.Store
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
	selfID    string
	freshness time.Duration

	now func() time.Time

	mu      sync.Mutex
	handles map[string]*handle
}

func NewSynchronizer(remote backend.Store, db *store.DB, b *bus.Bus, selfID string, freshness time.Duration, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		remote:    remote,
		db:        db,
		bus:       b,
		logger:    logger,
		selfID:    selfID,
		freshness: freshness,
		now:       time.Now,
		handles:   make(map[string]*handle),
	}
}

// Subscribe opens a live message subscription for a conversation, emitting
// the cached list immediately and mirroring every remote snapshot into the
// cache. A companion typing subscription is opened alongside. Calling
// Subscribe again for the same conversation does nothing.
func (s *Synchronizer) Subscribe(conversationID string) error {
	s.mu.Lock()
	if _, ok := s.handles[conversationID]; ok {
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot before releasing the lock so a concurrent Subscribe
	// for the same conversation backs off instead of double-subscribing.
	h := &handle{}
	s.handles[conversationID] = h
	s.mu.Unlock()

	s.emitCached(conversationID)

	cancelMsgs, err := s.remote.SubscribeMessages(conversationID, func(msgs []backend.Message) {
		s.onMessages(conversationID, msgs)
	})
	if err != nil {
		s.drop(conversationID, h)
		return err
	}
	if !s.attach(conversationID, h, func() { h.cancelMessages = cancelMsgs }) {
		// Unsubscribed while the listener was attaching.
		cancelMsgs()
		return nil
	}

	cancelTyping, err := s.remote.SubscribeTyping(conversationID, func(ts []backend.TypingStatus) {
		s.onTyping(conversationID, ts)
	})
	if err != nil {
		cancelMsgs()
		s.drop(conversationID, h)
		return err
	}
	if !s.attach(conversationID, h, func() { h.cancelTyping = cancelTyping }) {
		cancelTyping()
		return nil
	}
	return nil
}

// attach records a cancel func on h under the lock, but only while h still
// owns its slot. Returns false when a concurrent Unsubscribe already
// removed it, in which case the caller must cancel the listener itself;
// cancelMessages is covered by Unsubscribe once it has been recorded.
func (s *Synchronizer) attach(conversationID string, h *handle, set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[conversationID] != h {
		return false
	}
	set()
	return true
}

// Unsubscribe synchronously tears down the message and typing listeners for
// a conversation. Unknown conversations are ignored.
func (s *Synchronizer) Unsubscribe(conversationID string) {
	s.mu.Lock()
	h, ok := s.handles[conversationID]
	if ok {
		delete(s.handles, conversationID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if h.cancelMessages != nil {
		h.cancelMessages()
	}
	if h.cancelTyping != nil {
		h.cancelTyping()
	}
}

// UnsubscribeAll tears down every live subscription. Used on sign-out and
// daemon shutdown.
func (s *Synchronizer) UnsubscribeAll() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.cancelMessages != nil {
			h.cancelMessages()
		}
		if h.cancelTyping != nil {
			h.cancelTyping()
		}
	}
}

// Subscribed reports whether a live listener exists for the conversation.
func (s *Synchronizer) Subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[conversationID]
	return ok
}

// drop releases a slot on a failed Subscribe, leaving it alone if another
// handle has taken it over in the meantime.
func (s *Synchronizer) drop(conversationID string, h *handle) {
	s.mu.Lock()
	if s.handles[conversationID] == h {
		delete(s.handles, conversationID)
	}
	s.mu.Unlock()
}

func (s *Synchronizer) emitCached(conversationID string) {
	cached, err := s.db.Messages(conversationID)
	if err != nil {
		s.logger.Error("read cached messages", zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "message.snapshot",
		Timestamp: s.now(),
		Payload: MessageSnapshot{
			ConversationID: conversationID,
			Messages:       cached,
			FromCache:      true,
		},
	})
}

// onMessages mirrors a remote snapshot into the cache and republishes it.
// Queued provisional messages that the remote store has not confirmed yet
// are appended back so an offline send stays visible as "sending".
func (s *Synchronizer) onMessages(conversationID string, msgs []backend.Message) {
	rows := make([]store.Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		rows = append(rows, fromRemote(m))
		seen[m.ID] = true
	}

	if err := s.db.ReplaceMessages(conversationID, rows); err != nil {
		s.logger.Error("mirror message snapshot", zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}

	queued, err := s.db.Queue()
	if err != nil {
		s.logger.Error("read outbound queue", zap.Error(err))
	}
	for _, q := range queued {
		if q.ConversationID != conversationID || seen[q.ClientMsgID] {
			continue
		}
		pending := store.Message{
			ConversationID: q.ConversationID,
			MsgID:          q.ClientMsgID,
			Type:           q.Type,
			Body:           q.Body,
			ImageURL:       q.ImageURL,
			ImageWidth:     q.ImageWidth,
			ImageHeight:    q.ImageHeight,
			SenderID:       q.SenderID,
			Status:         "sending",
			ReadBy:         []string{},
			Timestamp:      q.Timestamp,
		}
		if err := s.db.UpsertMessage(&pending); err != nil {
			s.logger.Error("restore queued message", zap.Error(err), zap.String("client_msg_id", q.ClientMsgID))
			continue
		}
		rows = append(rows, pending)
	}

	s.bus.Publish(bus.Event{
		Kind:      "message.snapshot",
		Timestamp: s.now(),
		Payload: MessageSnapshot{
			ConversationID: conversationID,
			Messages:       rows,
		},
	})
}

// onTyping reduces raw typing documents to the set of users the UI should
// show as typing: isTyping=true, fresher than the freshness window, and not
// the local user. Stale documents are never deleted remotely, so the filter
// is the only thing keeping the indicator honest.
func (s *Synchronizer) onTyping(conversationID string, ts []backend.TypingStatus) {
	cutoff := s.now().Add(-s.freshness)
	var users []string
	for _, t := range ts {
		if !t.IsTyping || t.UserID == s.selfID {
			continue
		}
		if t.Timestamp.Before(cutoff) {
			continue
		}
		users = append(users, t.UserID)
	}
	s.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: s.now(),
		Payload: TypingUpdate{
			ConversationID: conversationID,
			UserIDs:        users,
		},
	})
}

func fromRemote(m backend.Message) store.Message {
	return store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		Type:           string(m.Type),
		Body:           m.Text,
		ImageURL:       m.ImageURL,
		ImageWidth:     m.ImageWidth,
		ImageHeight:    m.ImageHeight,
		SenderID:       m.SenderID,
		Status:         m.Status,
		ReadBy:         m.ReadBy,
		Timestamp:      m.Timestamp.UnixMilli(),
	}
}
