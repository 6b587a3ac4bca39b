// Package outbox durably queues outgoing messages that could not be sent
// and drains them, in insertion order, when connectivity returns.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/status"
	"github.com/lucasreb/courier/internal/store"
	"go.uber.org/zap"
)

// SendFunc attempts to deliver one queued message to the remote store.
type SendFunc func(ctx context.Context, qm store.QueuedMessage) error

// Manager owns the durable outbound queue. Entries are drained
// sequentially, never concurrently, so messages within a conversation keep
// their send order.
type Manager struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	maxRetries int
	baseDelay  time.Duration

	mu         sync.Mutex
	processing bool

	cancel context.CancelFunc
}

// NewManager creates a queue manager. maxRetries bounds attempts per entry;
// baseDelay seeds the exponential backoff between failed attempts.
func NewManager(db *store.DB, b *bus.Bus, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		db:         db,
		bus:        b,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Enqueue appends a message snapshot to the durable queue.
func (m *Manager) Enqueue(qm store.QueuedMessage) error {
	return m.db.Enqueue(&qm)
}

// Dequeue removes an entry by provisional id.
func (m *Manager) Dequeue(clientMsgID string) error {
	return m.db.Dequeue(clientMsgID)
}

// Queued returns the current queue contents in insertion order.
func (m *Manager) Queued() ([]store.QueuedMessage, error) {
	return m.db.Queue()
}

// Start subscribes to connectivity events; every offline→online transition
// triggers a drain with the given send function.
func (m *Manager) Start(ctx context.Context, send SendFunc) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("network.online", 8)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				if err := m.Drain(ctx, send); err != nil {
					m.logger.Error("queue drain failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the drain trigger loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Drain attempts to send every queued entry in insertion order. A drain
// started while another is running is a no-op. Failed entries have their
// retry count bumped and are left for the next pass, with an exponential
// backoff pause before the drain moves on; entries that exhaust their
// retries are evicted and their cached message marked failed.
func (m *Manager) Drain(ctx context.Context, send SendFunc) error {
	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return nil
	}
	m.processing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.processing = false
		m.mu.Unlock()
	}()

	queue, err := m.db.Queue()
	if err != nil {
		return err
	}

	for _, qm := range queue {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := send(ctx, qm)
		if err == nil {
			if err := m.db.Dequeue(qm.ClientMsgID); err != nil {
				m.logger.Error("dequeue after send failed",
					zap.Error(err), zap.String("client_msg_id", qm.ClientMsgID))
			}
			continue
		}

		m.logger.Warn("queued send failed",
			zap.Error(err),
			zap.String("client_msg_id", qm.ClientMsgID),
			zap.Int("retry_count", qm.RetryCount))

		count, rerr := m.db.IncrementRetry(qm.ClientMsgID)
		if rerr != nil {
			m.logger.Error("persist retry count failed", zap.Error(rerr), zap.String("client_msg_id", qm.ClientMsgID))
			continue
		}

		if count >= m.maxRetries {
			m.evict(qm)
			continue
		}

		// Exponential backoff before moving on: base, 2×base, 4×base.
		if !m.wait(ctx, m.baseDelay*(1<<qm.RetryCount)) {
			return ctx.Err()
		}
	}
	return nil
}

// evict drops an entry whose retries are exhausted. The message stays
// visible in the conversation, promoted to a terminal failed status so the
// user sees the outcome instead of a forever-sending spinner.
func (m *Manager) evict(qm store.QueuedMessage) {
	if err := m.db.Dequeue(qm.ClientMsgID); err != nil {
		m.logger.Error("evict dequeue failed", zap.Error(err), zap.String("client_msg_id", qm.ClientMsgID))
		return
	}
	if err := m.db.SetMessageStatus(qm.ConversationID, qm.ClientMsgID, string(status.Failed)); err != nil {
		m.logger.Error("mark failed after eviction", zap.Error(err), zap.String("client_msg_id", qm.ClientMsgID))
	}

	m.logger.Warn("retries exhausted, entry evicted", zap.String("client_msg_id", qm.ClientMsgID))
	m.bus.Publish(bus.Event{
		Kind:      "outbox.dropped",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"client_msg_id":   qm.ClientMsgID,
			"conversation_id": qm.ConversationID,
		},
	})
}

func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
