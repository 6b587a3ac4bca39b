// Package notify turns incoming messages into user-facing notifications:
// in-app notification.show events with suppression for the open
// conversation, and push multicast to the other participants' devices.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/store"
	sy "github.com/lucasreb/courier/internal/sync"
	"go.uber.org/zap"
)

// Notification is the payload of a notification.show event.
type Notification struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Title          string
	Body           string
}

// Notifier watches message snapshots and emits one notification per new
// foreign message. Messages for the currently active conversation are
// suppressed: the user is already looking at them.
type Notifier struct {
	bus           *bus.Bus
	db            *store.DB
	logger        *zap.Logger
	selfID        string
	previewLength int

	mu     sync.Mutex
	active string
	seen   map[string]map[string]struct{} // conversation id → observed message ids

	cancel context.CancelFunc
	done   chan struct{}
}

func NewNotifier(b *bus.Bus, db *store.DB, selfID string, previewLength int, logger *zap.Logger) *Notifier {
	return &Notifier{
		bus:           b,
		db:            db,
		logger:        logger,
		selfID:        selfID,
		previewLength: previewLength,
		seen:          make(map[string]map[string]struct{}),
	}
}

// SetActive marks the conversation the user currently has open. Pass the
// empty string when no conversation is open.
func (n *Notifier) SetActive(conversationID string) {
	n.mu.Lock()
	n.active = conversationID
	n.mu.Unlock()
}

// Active returns the currently open conversation id.
func (n *Notifier) Active() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Start begins consuming message snapshots.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	ch, unsub := n.bus.Subscribe("message.snapshot", 64)
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				snap, ok := evt.Payload.(sy.MessageSnapshot)
				if !ok {
					continue
				}
				n.handle(snap)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts snapshot consumption and waits for the loop to exit.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
}

// handle diffs a snapshot against the message ids already observed for
// its conversation and notifies for each new message from another user.
// Diffing by id rather than by count: a reconnect snapshot can interleave
// a drained own message after a foreign one, and a dropped provisional can
// shrink the snapshot without anything being read.
func (n *Notifier) handle(snap sy.MessageSnapshot) {
	n.mu.Lock()
	known, tracked := n.seen[snap.ConversationID]
	if !tracked {
		known = make(map[string]struct{})
		n.seen[snap.ConversationID] = known
	}
	var fresh []store.Message
	for _, m := range snap.Messages {
		if _, ok := known[m.MsgID]; ok {
			continue
		}
		known[m.MsgID] = struct{}{}
		fresh = append(fresh, m)
	}
	active := n.active
	n.mu.Unlock()

	// The first snapshot (cached or live) establishes the baseline; nothing
	// in it is "new".
	if !tracked || snap.FromCache {
		return
	}

	for _, m := range fresh {
		if m.SenderID == n.selfID {
			continue
		}
		if snap.ConversationID == active {
			continue
		}
		n.bus.Publish(bus.Event{
			Kind:      "notification.show",
			Timestamp: time.Now(),
			Payload: Notification{
				ConversationID: snap.ConversationID,
				MessageID:      m.MsgID,
				SenderID:       m.SenderID,
				Title:          n.senderName(m.SenderID),
				Body:           Preview(m.Type, m.Body, n.previewLength),
			},
		})
	}
}

// senderName resolves a display name from the local users cache, falling
// back to the raw id.
func (n *Notifier) senderName(userID string) string {
	u, err := n.db.GetUser(userID)
	if err != nil {
		n.logger.Debug("resolve sender name", zap.Error(err), zap.String("user_id", userID))
		return userID
	}
	if u == nil || u.DisplayName == "" {
		return userID
	}
	return u.DisplayName
}
