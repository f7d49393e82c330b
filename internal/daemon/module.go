// Package daemon composes the messaging core into a running process.
package daemon

import (
	"context"
	"time"

	"github.com/lumenhq/messenger/internal/bus"
	"github.com/lumenhq/messenger/internal/config"
	"github.com/lumenhq/messenger/internal/ingest"
	"github.com/lumenhq/messenger/internal/lock"
	"github.com/lumenhq/messenger/internal/logging"
	"github.com/lumenhq/messenger/internal/notify"
	"github.com/lumenhq/messenger/internal/outbox"
	"github.com/lumenhq/messenger/internal/presence"
	"github.com/lumenhq/messenger/internal/rest"
	"github.com/lumenhq/messenger/internal/session"
	"github.com/lumenhq/messenger/internal/status"
	"github.com/lumenhq/messenger/internal/store"
	"github.com/lumenhq/messenger/internal/transport"
	"github.com/lumenhq/messenger/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideFocus,
			provideRESTClient,
			provideTransport,
			provideTypingNotifier,
			provideTypingTracker,
			providePresenceTracker,
			provideIngestEngine,
			provideReconciler,
			provideDispatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideFocus() *store.Focus {
	return store.NewFocus()
}

func provideRESTClient(p Params) *rest.Client {
	return rest.NewClient(rest.Config{
		BaseURL:   p.Config.APIBaseURL,
		AuthToken: p.Config.AuthToken,
	})
}

func provideTransport(p Params, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.Session {
	return transport.NewSession(transport.Config{
		URL:     p.Config.ServerURL,
		MinWait: time.Duration(p.Config.ReconnectMinWaitMs) * time.Millisecond,
		MaxWait: time.Duration(p.Config.ReconnectMaxWaitMs) * time.Millisecond,
	}, b, machine, logger)
}

func provideTypingNotifier(sess *transport.Session, logger *zap.Logger) *typing.Notifier {
	return typing.NewNotifier(sess, typing.DefaultIdleTimeout, logger)
}

func provideTypingTracker(b *bus.Bus, logger *zap.Logger) *typing.Tracker {
	return typing.NewTracker(b, typing.DefaultExpiry, logger)
}

func providePresenceTracker(b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, logger)
}

func provideIngestEngine(p Params, db *store.DB, focus *store.Focus, client *rest.Client, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, focus, client, b, p.Config.UserID, logger)
}

func provideReconciler(p Params, db *store.DB, client *rest.Client, b *bus.Bus, notifier *typing.Notifier, logger *zap.Logger) *outbox.Reconciler {
	return outbox.NewReconciler(db, client, b, notifier, p.Config.UserID, logger)
}

func provideDispatcher(p Params, b *bus.Bus, focus *store.Focus, logger *zap.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(b, focus, &notify.LogCue{Logger: logger}, p.Config.SoundEnabled, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	lk *lock.Lock,
	sess *transport.Session,
	presenceTracker *presence.Tracker,
	typingTracker *typing.Tracker,
	engine *ingest.Engine,
	reconciler *outbox.Reconciler,
	dispatcher *notify.Dispatcher,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Observers subscribe before the transport connects so no push
			// arrives without a consumer.
			presenceTracker.Start(context.Background())
			typingTracker.Start(context.Background())
			engine.Start(context.Background())
			dispatcher.Start(context.Background())

			// Drains sends left unsettled by a previous run.
			reconciler.Start(context.Background())

			sess.Connect(p.Config.AuthToken)
			logger.Info("daemon started", zap.String("session", p.SessionName))
			return nil
		},
		OnStop: func(_ context.Context) error {
			sess.Close()
			reconciler.Stop()
			dispatcher.Stop()
			engine.Stop()
			typingTracker.Stop()
			presenceTracker.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
