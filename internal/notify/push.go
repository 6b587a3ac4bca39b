package notify

import (
	"context"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/delivery"
	"go.uber.org/zap"
)

// PushRelay fans confirmed outgoing messages out to the other participants'
// devices. Each send_ack resolves the conversation, drops the sender from
// the participant set, looks up the remaining users' push tokens, and
// multicasts a notification carrying the message reference.
type PushRelay struct {
	convs         backend.ConversationStore
	users         backend.UserStore
	push          backend.Multicaster
	bus           *bus.Bus
	logger        *zap.Logger
	previewLength int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPushRelay(convs backend.ConversationStore, users backend.UserStore, push backend.Multicaster,
	b *bus.Bus, previewLength int, logger *zap.Logger) *PushRelay {
	return &PushRelay{
		convs:         convs,
		users:         users,
		push:          push,
		bus:           b,
		logger:        logger,
		previewLength: previewLength,
	}
}

// Start begins consuming send confirmations.
func (r *PushRelay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("message.send_ack", 64)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				ack, ok := evt.Payload.(delivery.Ack)
				if !ok {
					continue
				}
				r.relay(ctx, ack.Message)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts confirmation consumption and waits for the loop to exit.
func (r *PushRelay) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *PushRelay) relay(ctx context.Context, m backend.Message) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conv, err := r.convs.GetConversation(ctx, m.ConversationID)
	if err != nil || conv == nil {
		r.logger.Warn("push relay: load conversation", zap.Error(err), zap.String("conversation_id", m.ConversationID))
		return
	}

	var recipients []string
	for _, p := range conv.Participants {
		if p != m.SenderID {
			recipients = append(recipients, p)
		}
	}
	if len(recipients) == 0 {
		return
	}

	users, err := r.users.GetUsers(ctx, append(recipients, m.SenderID))
	if err != nil {
		r.logger.Warn("push relay: load users", zap.Error(err), zap.String("conversation_id", m.ConversationID))
		return
	}

	senderName := m.SenderID
	var tokens []string
	for _, u := range users {
		if u.ID == m.SenderID {
			if u.DisplayName != "" {
				senderName = u.DisplayName
			}
			continue
		}
		if u.PushToken != "" {
			tokens = append(tokens, u.PushToken)
		}
	}
	if len(tokens) == 0 {
		return
	}

	title := senderName
	if conv.Type == backend.Group && conv.Name != "" {
		title = senderName + " in " + conv.Name
	}

	res, err := r.push.SendMulticast(ctx, tokens, title,
		Preview(string(m.Type), m.Text, r.previewLength), map[string]string{
			"type":            "new_message",
			"conversation_id": m.ConversationID,
			"message_id":      m.ID,
			"sender_id":       m.SenderID,
		})
	if err != nil {
		r.logger.Warn("push relay: multicast", zap.Error(err), zap.String("message_id", m.ID))
		return
	}
	r.logger.Debug("push relay: delivered",
		zap.String("message_id", m.ID),
		zap.Int("success", res.Success),
		zap.Int("failure", res.Failure))
}

// NopMulticaster drops every push. Used when no push backend is configured.
type NopMulticaster struct{}

func (NopMulticaster) SendMulticast(_ context.Context, tokens []string, _, _ string, _ map[string]string) (backend.MulticastResult, error) {
	return backend.MulticastResult{Success: len(tokens)}, nil
}
