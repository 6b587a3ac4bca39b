// Package daemon composes the delivery core into a running process: one
// profile, one lock, one cache database, one set of live subscriptions.
package daemon

import (
	"context"
	"fmt"

	"github.com/lucasreb/courier/internal/backend"
	"github.com/lucasreb/courier/internal/backend/memory"
	backendmongo "github.com/lucasreb/courier/internal/backend/mongo"
	backends3 "github.com/lucasreb/courier/internal/backend/s3"
	"github.com/lucasreb/courier/internal/bus"
	"github.com/lucasreb/courier/internal/config"
	"github.com/lucasreb/courier/internal/connectivity"
	"github.com/lucasreb/courier/internal/delivery"
	"github.com/lucasreb/courier/internal/directory"
	"github.com/lucasreb/courier/internal/lock"
	"github.com/lucasreb/courier/internal/logging"
	"github.com/lucasreb/courier/internal/notify"
	"github.com/lucasreb/courier/internal/outbox"
	"github.com/lucasreb/courier/internal/presence"
	"github.com/lucasreb/courier/internal/profile"
	"github.com/lucasreb/courier/internal/store"
	intsync "github.com/lucasreb/courier/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ProfileName string
	UserID      string // optional; overrides the cached profile identity
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIdentity,
			provideBackend,
			provideObjectStore,
			provideMulticaster,
			provideProbe,
			provideMonitor,
			provideOutbox,
			provideSynchronizer,
			provideDirectory,
			provideOrchestrator,
			provideNotifier,
			providePushRelay,
			providePresence,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// Identity is the local user this daemon acts as.
type Identity struct {
	UserID string
}

func provideIdentity(p Params, db *store.DB, logger *zap.Logger) (Identity, error) {
	if p.UserID != "" {
		if err := db.SaveProfile(&store.User{ID: p.UserID}); err != nil {
			return Identity{}, fmt.Errorf("save profile identity: %w", err)
		}
		logger.Info("identity set", zap.String("user_id", p.UserID))
		return Identity{UserID: p.UserID}, nil
	}
	u, err := db.Profile()
	if err != nil {
		return Identity{}, fmt.Errorf("load profile identity: %w", err)
	}
	if u == nil {
		return Identity{}, fmt.Errorf("no identity: pass -user on first run")
	}
	return Identity{UserID: u.ID}, nil
}

func provideBackend(p Params, logger *zap.Logger) (backend.Store, error) {
	if p.Config.Mongo.URI == "" {
		logger.Info("no mongodb uri configured, using in-memory backend")
		return memory.New(), nil
	}
	b, err := backendmongo.Connect(context.Background(), p.Config.Mongo.URI, p.Config.Mongo.Database, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("mongodb backend connected", zap.String("database", p.Config.Mongo.Database))
	return b, nil
}

// unconfiguredObjects rejects uploads when no bucket is configured, so
// image sends fail fast with a clear reason instead of queueing garbage.
type unconfiguredObjects struct{}

func (unconfiguredObjects) Upload(context.Context, string, []byte) (string, error) {
	return "", fmt.Errorf("object storage not configured: set [s3] bucket")
}

func provideObjectStore(p Params, logger *zap.Logger) (backend.ObjectStore, error) {
	if p.Config.S3.Bucket == "" {
		logger.Info("no s3 bucket configured, image sends disabled")
		return unconfiguredObjects{}, nil
	}
	s, err := backends3.NewStore(context.Background(), p.Config.S3.Region, p.Config.S3.Bucket, p.Config.S3.PublicRead)
	if err != nil {
		return nil, err
	}
	logger.Info("s3 object store ready", zap.String("bucket", p.Config.S3.Bucket))
	return s, nil
}

func provideMulticaster() backend.Multicaster {
	return notify.NopMulticaster{}
}

func provideProbe(p Params) *connectivity.ProbeSource {
	return connectivity.NewProbeSource(p.Config.Connectivity.ProbeURL, p.Config.Connectivity.Interval())
}

func provideMonitor(probe *connectivity.ProbeSource, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(probe, b, logger)
}

func provideOutbox(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Manager {
	return outbox.NewManager(db, b, p.Config.Retry.MaxAttempts, p.Config.Retry.BaseDelay(), logger)
}

func provideSynchronizer(p Params, remote backend.Store, db *store.DB, b *bus.Bus, id Identity, logger *zap.Logger) *intsync.Synchronizer {
	return intsync.NewSynchronizer(remote, db, b, id.UserID, p.Config.Typing.Freshness(), logger)
}

func provideDirectory(remote backend.Store, db *store.DB, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(remote, db, b, logger)
}

func provideOrchestrator(p Params, remote backend.Store, objects backend.ObjectStore, db *store.DB,
	b *bus.Bus, queue *outbox.Manager, monitor *connectivity.Monitor, id Identity, logger *zap.Logger) *delivery.Orchestrator {
	return delivery.NewOrchestrator(remote, objects, db, b, queue, monitor,
		id.UserID, p.Config.Send.Timeout(), p.Config.Typing.Debounce(), logger)
}

func provideNotifier(p Params, b *bus.Bus, db *store.DB, id Identity, logger *zap.Logger) *notify.Notifier {
	return notify.NewNotifier(b, db, id.UserID, p.Config.Notify.PreviewLength, logger)
}

func providePushRelay(p Params, remote backend.Store, push backend.Multicaster, b *bus.Bus, logger *zap.Logger) *notify.PushRelay {
	return notify.NewPushRelay(remote, remote, push, b, p.Config.Notify.PreviewLength, logger)
}

func providePresence(remote backend.Store, b *bus.Bus, id Identity, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(remote, b, id.UserID, logger)
}
