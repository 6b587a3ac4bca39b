// Package delivery ties the cache, the outbound queue, connectivity, and
// the remote store together: optimistic local insert, dispatch-or-queue,
// reconciliation on confirmation, read receipts, and typing signals.
package delivery

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/outbox"
	"github.com/lucasreb/courier/internal/store"
	"go.uber.org/zap"
)

// Connectivity reports whether the network is currently usable.
type Connectivity interface {
	Online() bool
}

// Ack is the payload of a message.send_ack event: the store-confirmed
// message plus the provisional id it replaces.
type Ack struct {
	ProvisionalID string
	Message       backend.Message
}

// Orchestrator drives the outgoing message state machine:
// composing → sending → {sent | queued}, queued → sending on drain.
type Orchestrator struct {
	remote  backend.Store
	objects backend.ObjectStore
	db      *store.DB
	bus     *bus.Bus
	queue   *outbox.Manager
	net     Connectivity
	logger  *zap.Logger

	selfID      string
	sendTimeout time.Duration
	debounce    time.Duration

	now   func() time.Time
	newID func() string

	typingMu   sync.Mutex
	lastTyping map[string]time.Time
}

func NewOrchestrator(remote backend.Store, objects backend.ObjectStore, db *store.DB, b *bus.Bus,
	queue *outbox.Manager, net Connectivity, selfID string, sendTimeout, debounce time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		remote:      remote,
		objects:     objects,
		db:          db,
		bus:         b,
		queue:       queue,
		net:         net,
		logger:      logger,
		selfID:      selfID,
		sendTimeout: sendTimeout,
		debounce:    debounce,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		lastTyping:  make(map[string]time.Time),
	}
}

// SendText sends a text message. The returned message is the provisional
// entry when the send was deferred (offline or failed-and-queued) and the
// confirmed entry on success. A send attempted offline returns no error:
// queuing is the expected outcome, not a failure.
func (o *Orchestrator) SendText(ctx context.Context, conversationID, text string) (*backend.Message, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Field: "text", Reason: "empty message"}
	}

	provisional := backend.Message{
		ID:             o.provisionalID(),
		ConversationID: conversationID,
		Type:           backend.TypeText,
		Text:           text,
		SenderID:       o.selfID,
		Timestamp:      o.now(),
		Status:         "sending",
		ReadBy:         []string{},
	}
	return o.dispatch(ctx, provisional)
}

// SendImage uploads the image bytes to object storage, then sends a message
// referencing the resulting URL. The upload happens before any message is
// composed; an upload failure aborts the send with nothing queued.
func (o *Orchestrator) SendImage(ctx context.Context, conversationID string, data []byte, width, height int) (*backend.Message, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Field: "image", Reason: "empty payload"}
	}

	id := o.provisionalID()
	url, err := o.objects.Upload(ctx, path.Join("images", conversationID, id+".jpg"), data)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}

	provisional := backend.Message{
		ID:             id,
		ConversationID: conversationID,
		Type:           backend.TypeImage,
		ImageURL:       url,
		ImageWidth:     width,
		ImageHeight:    height,
		SenderID:       o.selfID,
		Timestamp:      o.now(),
		Status:         "sending",
		ReadBy:         []string{},
	}
	return o.dispatch(ctx, provisional)
}

// dispatch caches the provisional message for immediate display, then
// either sends it now or queues it for the next drain.
func (o *Orchestrator) dispatch(ctx context.Context, provisional backend.Message) (*backend.Message, error) {
	cached := toCache(provisional)
	if err := o.db.UpsertMessage(&cached); err != nil {
		return nil, fmt.Errorf("cache provisional message: %w", err)
	}
	o.bus.Publish(bus.Event{Kind: "message.pending", Timestamp: o.now(), Payload: provisional})

	if !o.net.Online() {
		if err := o.queue.Enqueue(toQueued(provisional)); err != nil {
			return nil, fmt.Errorf("enqueue offline message: %w", err)
		}
		return &provisional, nil
	}

	confirmed, err := o.sendNow(ctx, provisional)
	if err != nil {
		// Online but the write failed: queue for retry AND surface the
		// error, unlike the offline path where queuing is expected.
		if qerr := o.queue.Enqueue(toQueued(provisional)); qerr != nil {
			o.logger.Error("enqueue after failed send", zap.Error(qerr), zap.String("client_msg_id", provisional.ID))
		}
		o.bus.Publish(bus.Event{Kind: "message.send_failed", Timestamp: o.now(), Payload: provisional})
		return &provisional, fmt.Errorf("send message: %w", err)
	}
	return confirmed, nil
}

// sendNow performs one remote write attempt under the send timeout and
// reconciles the cache on success.
func (o *Orchestrator) sendNow(ctx context.Context, m backend.Message) (*backend.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()

	remote := m
	remote.ID = ""
	remote.Status = "sent"
	id, err := o.remote.InsertMessage(ctx, remote)
	if err != nil {
		return nil, err
	}

	if err := o.remote.SetLastMessage(ctx, m.ConversationID, lastMessagePreview(m), m.Type, o.now()); err != nil {
		o.logger.Warn("update last message summary", zap.Error(err), zap.String("conversation_id", m.ConversationID))
	}

	confirmed := remote
	confirmed.ID = id
	o.reconcile(m.ID, confirmed)
	return &confirmed, nil
}

// Resend is the SendFunc the outbound queue drains with: it performs the
// same remote write and reconciliation for a previously queued entry.
func (o *Orchestrator) Resend(ctx context.Context, qm store.QueuedMessage) error {
	ctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()

	remote := backend.Message{
		ConversationID: qm.ConversationID,
		Type:           backend.MessageType(qm.Type),
		Text:           qm.Body,
		ImageURL:       qm.ImageURL,
		ImageWidth:     qm.ImageWidth,
		ImageHeight:    qm.ImageHeight,
		SenderID:       qm.SenderID,
		Timestamp:      time.UnixMilli(qm.Timestamp),
		Status:         "sent",
		ReadBy:         []string{},
	}
	id, err := o.remote.InsertMessage(ctx, remote)
	if err != nil {
		return err
	}

	if err := o.remote.SetLastMessage(ctx, qm.ConversationID, lastMessagePreview(remote), remote.Type, o.now()); err != nil {
		o.logger.Warn("update last message summary", zap.Error(err), zap.String("conversation_id", qm.ConversationID))
	}

	confirmed := remote
	confirmed.ID = id
	o.reconcile(qm.ClientMsgID, confirmed)
	return nil
}

// reconcile swaps the provisional cache entry for the confirmed one and
// announces the confirmation.
func (o *Orchestrator) reconcile(provisionalID string, confirmed backend.Message) {
	if err := o.db.DeleteMessage(confirmed.ConversationID, provisionalID); err != nil {
		o.logger.Error("drop provisional entry", zap.Error(err), zap.String("client_msg_id", provisionalID))
	}
	cached := toCache(confirmed)
	if err := o.db.UpsertMessage(&cached); err != nil {
		o.logger.Error("cache confirmed message", zap.Error(err), zap.String("msg_id", confirmed.ID))
	}
	o.bus.Publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: o.now(),
		Payload:   Ack{ProvisionalID: provisionalID, Message: confirmed},
	})
}

// MarkAsRead promotes the given messages to read and unions the reader into
// each message's reader set, remotely and in the cache. The remote union is
// idempotent, so concurrent readers never clobber each other.
func (o *Orchestrator) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string, readerID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := o.remote.MarkMessagesRead(ctx, conversationID, messageIDs, readerID); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	for _, id := range messageIDs {
		if err := o.db.SetMessageStatus(conversationID, id, "read"); err != nil {
			o.logger.Error("cache read status", zap.Error(err), zap.String("msg_id", id))
		}
	}
	return nil
}

// SetTyping publishes a typing signal for the local user. Failures are
// swallowed: typing is a best-effort ephemeral signal, never worth a
// user-facing error. Repeated isTyping=true calls inside the debounce
// window collapse into one remote write; isTyping=false always writes.
func (o *Orchestrator) SetTyping(ctx context.Context, conversationID string, isTyping bool) {
	if isTyping {
		o.typingMu.Lock()
		last, ok := o.lastTyping[conversationID]
		if ok && o.now().Sub(last) < o.debounce {
			o.typingMu.Unlock()
			return
		}
		o.lastTyping[conversationID] = o.now()
		o.typingMu.Unlock()
	} else {
		o.typingMu.Lock()
		delete(o.lastTyping, conversationID)
		o.typingMu.Unlock()
	}

	if err := o.remote.SetTyping(ctx, conversationID, o.selfID, isTyping); err != nil {
		o.logger.Debug("typing write failed", zap.Error(err), zap.String("conversation_id", conversationID))
	}
}

// provisionalID builds a temp_<unixms>_<rand> id unique enough to never
// collide with a store-issued durable id.
func (o *Orchestrator) provisionalID() string {
	frag := o.newID()
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return fmt.Sprintf("temp_%d_%s", o.now().UnixMilli(), frag)
}

// lastMessagePreview is the denormalized summary stored on the
// conversation record: the raw text for text messages, a fixed placeholder
// for images.
func lastMessagePreview(m backend.Message) string {
	if m.Type == backend.TypeImage {
		return "📷 Image"
	}
	return m.Text
}

func toCache(m backend.Message) store.Message {
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

func toQueued(m backend.Message) store.QueuedMessage {
	return store.QueuedMessage{
		ClientMsgID:    m.ID,
		ConversationID: m.ConversationID,
		Type:           string(m.Type),
		Body:           m.Text,
		ImageURL:       m.ImageURL,
		ImageWidth:     m.ImageWidth,
		ImageHeight:    m.ImageHeight,
		SenderID:       m.SenderID,
		Timestamp:      m.Timestamp.UnixMilli(),
	}
}
