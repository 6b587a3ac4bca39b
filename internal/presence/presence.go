// Package presence reports the local user's online state and watches other
// users'. Presence follows the application lifecycle: foreground means
// online, anything else means offline.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/bus"
	"go.uber.org/zap"
)

// Tracker writes the local user's presence and relays watched users'
// presence changes onto the bus.
type Tracker struct {
	remote backend.PresenceStore
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	now func() time.Time

	mu      sync.Mutex
	watches map[string]func()
}

func NewTracker(remote backend.PresenceStore, b *bus.Bus, selfID string, logger *zap.Logger) *Tracker {
	return &Tracker{
		remote:  remote,
		bus:     b,
		logger:  logger,
		selfID:  selfID,
		now:     time.Now,
		watches: make(map[string]func()),
	}
}

// SetOnline marks the local user online.
func (t *Tracker) SetOnline(ctx context.Context) error {
	return t.set(ctx, "online")
}

// SetOffline marks the local user offline and records the last-seen time.
func (t *Tracker) SetOffline(ctx context.Context) error {
	return t.set(ctx, "offline")
}

func (t *Tracker) set(ctx context.Context, state string) error {
	err := t.remote.SetPresence(ctx, backend.Presence{
		UserID:   t.selfID,
		State:    state,
		LastSeen: t.now(),
	})
	if err != nil {
		return fmt.Errorf("set presence %s: %w", state, err)
	}
	return nil
}

// HandleAppState maps an application lifecycle state onto presence:
// "active" means online, "background" and "inactive" mean offline.
// Presence is a best-effort signal; write failures are logged, not
// returned.
func (t *Tracker) HandleAppState(ctx context.Context, appState string) {
	var err error
	if appState == "active" {
		err = t.SetOnline(ctx)
	} else {
		err = t.SetOffline(ctx)
	}
	if err != nil {
		t.logger.Debug("presence write failed", zap.Error(err), zap.String("app_state", appState))
	}
}

// Watch opens a live presence subscription for a user, republishing each
// update as a presence.changed bus event. Watching an already-watched user
// is a no-op.
func (t *Tracker) Watch(userID string) error {
	t.mu.Lock()
	if _, ok := t.watches[userID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.watches[userID] = func() {}
	t.mu.Unlock()

	cancel, err := t.remote.SubscribePresence(userID, func(p *backend.Presence) {
		if p == nil {
			return
		}
		t.bus.Publish(bus.Event{Kind: "presence.changed", Timestamp: t.now(), Payload: *p})
	})
	if err != nil {
		t.mu.Lock()
		delete(t.watches, userID)
		t.mu.Unlock()
		return fmt.Errorf("watch presence: %w", err)
	}

	t.mu.Lock()
	t.watches[userID] = cancel
	t.mu.Unlock()
	return nil
}

// Unwatch tears down the presence subscription for a user.
func (t *Tracker) Unwatch(userID string) {
	t.mu.Lock()
	cancel, ok := t.watches[userID]
	if ok {
		delete(t.watches, userID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close tears down every watch.
func (t *Tracker) Close() {
	t.mu.Lock()
	watches := t.watches
	t.watches = make(map[string]func())
	t.mu.Unlock()
	for _, cancel := range watches {
		cancel()
	}
}
