package daemon

import (
	"context"

	"github.com/hirelink/chatsync/internal/api"
	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/config"
	"github.com/hirelink/chatsync/internal/lock"
	"github.com/hirelink/chatsync/internal/logging"
	"github.com/hirelink/chatsync/internal/outbox"
	"github.com/hirelink/chatsync/internal/presence"
	"github.com/hirelink/chatsync/internal/rest"
	"github.com/hirelink/chatsync/internal/session"
	"github.com/hirelink/chatsync/internal/status"
	"github.com/hirelink/chatsync/internal/store"
	intsync "github.com/hirelink/chatsync/internal/sync"
	"github.com/hirelink/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
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
			provideSessionConfig,
			provideStore,
			providePresence,
			provideTransport,
			provideRESTClient,
			provideSender,
			provideEngine,
			provideAPI,
			NewServer,
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

func provideSessionConfig(p Params, logger *zap.Logger) (*config.Session, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.SessionConfigPath(p.SessionName)
	}
	cfg, err := config.LoadSession(path)
	if err != nil {
		return nil, err
	}
	logger.Info("session config loaded",
		zap.String("gateway_url", cfg.GatewayURL),
		zap.String("api_url", cfg.APIURL))
	return cfg, nil
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

func providePresence() *presence.Tracker {
	return presence.NewTracker()
}

func provideTransport(cfg *config.Session, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(cfg, b, machine, logger)
}

func provideRESTClient(cfg *config.Session) *rest.Client {
	return rest.NewClient(cfg)
}

func provideSender(db *store.DB, tm *transport.Manager, b *bus.Bus, cfg *config.Session, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, tm, b, logger, cfg.AckTimeout())
}

func provideEngine(db *store.DB, b *bus.Bus, tm *transport.Manager, sender *outbox.Sender, rc *rest.Client, pr *presence.Tracker, cfg *config.Session, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, tm, sender, rc, pr, cfg, logger)
}

func provideAPI(p Params, db *store.DB, engine *intsync.Engine, sender *outbox.Sender, machine *status.Machine, pr *presence.Tracker, tm *transport.Manager, b *bus.Bus, logger *zap.Logger) *api.API {
	return api.New(p.SessionName, db, engine, sender, machine, pr, tm, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, tm *transport.Manager, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes to gateway events before the
			// transport dials, so the first connected event is seen.
			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// A rejected handshake on first connect is fatal; a
			// transient dial error leaves the reconnect loop running.
			if err := tm.Start(context.Background()); err != nil {
				logger.Error("gateway start failed", zap.Error(err))
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			tm.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
