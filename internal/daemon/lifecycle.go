package daemon

import (
	"context"
	"time"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/connectivity"
	"github.com/lucasreb/courier/internal/delivery"
	"github.com/lucasreb/courier/internal/directory"
	"github.com/lucasreb/courier/internal/lock"
	"github.com/lucasreb/courier/internal/notify"
	"github.com/lucasreb/courier/internal/outbox"
	"github.com/lucasreb/courier/internal/presence"
	"github.com/lucasreb/courier/internal/store"
	intsync "github.com/lucasreb/courier/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, remote backend.Store, b *bus.Bus,
	probe *connectivity.ProbeSource, monitor *connectivity.Monitor, queue *outbox.Manager,
	sync *intsync.Synchronizer, dir *directory.Directory, orch *delivery.Orchestrator,
	notifier *notify.Notifier, relay *notify.PushRelay, tracker *presence.Tracker,
	id Identity, logger *zap.Logger) {

	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx, c := context.WithCancel(context.Background())
			cancel = c

			probe.Start(ctx)
			monitor.Start()

			// Drain on every offline→online transition, using the
			// orchestrator's send path so confirmations reconcile the cache.
			queue.Start(ctx, orch.Resend)

			notifier.Start(ctx)
			relay.Start(ctx)

			// Keep a live message subscription open for every conversation
			// the user belongs to.
			go followConversations(ctx, b, sync, logger)

			if err := dir.WatchConversations(id.UserID); err != nil {
				logger.Error("watch conversations", zap.Error(err))
			}

			go refreshUsers(ctx, remote, db, logger)

			tracker.HandleAppState(ctx, "active")

			logger.Info("daemon started", zap.String("user_id", id.UserID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			offCtx, offCancel := context.WithTimeout(context.Background(), 3*time.Second)
			tracker.HandleAppState(offCtx, "background")
			offCancel()
			tracker.Close()

			sync.UnsubscribeAll()
			dir.StopWatching()
			relay.Stop()
			notifier.Stop()
			queue.Stop()
			monitor.Stop()
			probe.Stop()
			if cancel != nil {
				cancel()
			}
			if closer, ok := remote.(interface{ Close(context.Context) error }); ok {
				if err := closer.Close(ctx); err != nil {
					logger.Warn("close backend", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("release profile lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// followConversations opens a message subscription for every conversation
// that appears in the directory's snapshots.
func followConversations(ctx context.Context, b *bus.Bus, sync *intsync.Synchronizer, logger *zap.Logger) {
	ch, unsub := b.Subscribe("conversation.snapshot", 16)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			snap, ok := evt.Payload.(directory.ConversationSnapshot)
			if !ok {
				continue
			}
			for _, c := range snap.Conversations {
				if err := sync.Subscribe(c.ID); err != nil {
					logger.Error("subscribe conversation", zap.Error(err), zap.String("conversation_id", c.ID))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// refreshUsers mirrors the remote user directory into the local cache so
// notifications can resolve sender names offline.
func refreshUsers(ctx context.Context, remote backend.UserStore, db *store.DB, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	users, err := remote.ListUsers(ctx)
	if err != nil {
		logger.Warn("refresh user directory", zap.Error(err))
		return
	}
	for _, u := range users {
		cached := store.User{
			ID:          u.ID,
			Email:       u.Email,
			DisplayName: u.DisplayName,
			PhotoURL:    u.PhotoURL,
			PushToken:   u.PushToken,
			CreatedAt:   u.CreatedAt.UnixMilli(),
			UpdatedAt:   u.UpdatedAt.UnixMilli(),
		}
		if err := db.UpsertUser(&cached); err != nil {
			logger.Warn("cache user", zap.Error(err), zap.String("user_id", u.ID))
		}
	}
}
