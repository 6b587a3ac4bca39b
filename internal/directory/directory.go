// Package directory resolves conversation creation and maintains the live
// conversation list. Direct conversations are deduplicated: creating one
// for a pair of users that already share one returns the existing id.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/store"
	"go.uber.org/zap"
)

// ConversationSnapshot is the payload of a conversation.snapshot event:
// the user's full conversation list ordered by last message time descending.
type ConversationSnapshot struct {
	Conversations []store.Conversation
	FromCache     bool
}

// Directory creates conversations and watches the conversation list.
type Directory struct {
	remote backend.ConversationStore
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel func()
}

func New(remote backend.ConversationStore, db *store.DB, b *bus.Bus, logger *zap.Logger) *Directory {
	return &Directory{remote: remote, db: db, bus: b, logger: logger}
}

// CreateOneOnOne returns the id of the direct conversation between the two
// users, creating it only if none exists. The scan over the caller's
// existing direct conversations makes repeated calls idempotent.
func (d *Directory) CreateOneOnOne(ctx context.Context, userA, userB string) (string, error) {
	if userA == "" || userB == "" {
		return "", fmt.Errorf("both participant ids are required")
	}
	if userA == userB {
		return "", fmt.Errorf("cannot create a conversation with yourself")
	}

	existing, err := d.remote.ListOneOnOne(ctx, userA)
	if err != nil {
		return "", fmt.Errorf("scan existing conversations: %w", err)
	}
	for _, c := range existing {
		for _, p := range c.Participants {
			if p == userB {
				return c.ID, nil
			}
		}
	}

	id, err := d.remote.InsertConversation(ctx, backend.Conversation{
		Type:         backend.OneOnOne,
		Participants: []string{userA, userB},
		CreatedBy:    userA,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// CreateGroup inserts a new group conversation with the creator plus all
// named participants. Groups are never deduplicated.
func (d *Directory) CreateGroup(ctx context.Context, creatorID, name string, participants []string, photoURL string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("group name is required")
	}
	if len(participants) == 0 {
		return "", fmt.Errorf("a group needs at least one other participant")
	}

	members := unionIDs([]string{creatorID}, participants)
	id, err := d.remote.InsertConversation(ctx, backend.Conversation{
		Type:         backend.Group,
		Participants: members,
		Name:         name,
		PhotoURL:     photoURL,
		CreatedBy:    creatorID,
	})
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	return id, nil
}

// AddGroupMembers unions new ids into a group's participant set and writes
// the full set back. The read-union-write is not atomic: two clients adding
// members to the same group at the same time can lose one side's addition.
func (d *Directory) AddGroupMembers(ctx context.Context, conversationID string, userIDs []string) error {
	conv, err := d.remote.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if conv.Type != backend.Group {
		return fmt.Errorf("conversation %s is not a group", conversationID)
	}

	merged := unionIDs(conv.Participants, userIDs)
	if len(merged) == len(conv.Participants) {
		return nil
	}
	if err := d.remote.SetParticipants(ctx, conversationID, merged); err != nil {
		return fmt.Errorf("update participants: %w", err)
	}
	return nil
}

// UpdateGroupInfo sets a group's display name and photo.
func (d *Directory) UpdateGroupInfo(ctx context.Context, conversationID, name, photoURL string) error {
	conv, err := d.remote.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if conv.Type != backend.Group {
		return fmt.Errorf("conversation %s is not a group", conversationID)
	}
	if err := d.remote.SetGroupInfo(ctx, conversationID, name, photoURL); err != nil {
		return fmt.Errorf("update group info: %w", err)
	}
	return nil
}

// GetConversation loads a single conversation from the remote store.
func (d *Directory) GetConversation(ctx context.Context, id string) (*backend.Conversation, error) {
	return d.remote.GetConversation(ctx, id)
}

// WatchConversations emits the cached conversation list, then opens a live
// subscription whose every snapshot is mirrored to the cache and published
// as a conversation.snapshot event. At most one watch is active; a second
// call replaces the first.
func (d *Directory) WatchConversations(userID string) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()

	cached, err := d.db.Conversations()
	if err != nil {
		d.logger.Error("read cached conversations", zap.Error(err))
	} else {
		d.bus.Publish(bus.Event{
			Kind:      "conversation.snapshot",
			Timestamp: time.Now(),
			Payload:   ConversationSnapshot{Conversations: cached, FromCache: true},
		})
	}

	cancel, err := d.remote.SubscribeConversations(userID, d.onConversations)
	if err != nil {
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	return nil
}

// StopWatching synchronously tears down the live conversation subscription.
func (d *Directory) StopWatching() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *Directory) onConversations(convs []backend.Conversation) {
	rows := make([]store.Conversation, 0, len(convs))
	for _, c := range convs {
		rows = append(rows, fromRemote(c))
	}
	if err := d.db.ReplaceConversations(rows); err != nil {
		d.logger.Error("mirror conversation snapshot", zap.Error(err))
		return
	}
	d.bus.Publish(bus.Event{
		Kind:      "conversation.snapshot",
		Timestamp: time.Now(),
		Payload:   ConversationSnapshot{Conversations: rows},
	})
}

// unionIDs merges id lists preserving first-seen order, dropping duplicates
// and empty ids.
func unionIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func fromRemote(c backend.Conversation) store.Conversation {
	return store.Conversation{
		ID:              c.ID,
		Type:            string(c.Type),
		Participants:    c.Participants,
		Name:            c.Name,
		PhotoURL:        c.PhotoURL,
		CreatedBy:       c.CreatedBy,
		CreatedAt:       c.CreatedAt.UnixMilli(),
		LastMessage:     c.LastMessage,
		LastMessageAt:   c.LastMessageAt.UnixMilli(),
		LastMessageType: string(c.LastMessageType),
	}
}
