// Package daemon composes a session's components and runs the control
// server over the session's unix socket.
package daemon

import (
	"context"
	"fmt"

	"github.com/courierapp/courier/internal/active"
	"github.com/courierapp/courier/internal/api"
	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/config"
	"github.com/courierapp/courier/internal/directory"
	"github.com/courierapp/courier/internal/lock"
	"github.com/courierapp/courier/internal/logging"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/outbound"
	"github.com/courierapp/courier/internal/rest"
	"github.com/courierapp/courier/internal/session"
	"github.com/courierapp/courier/internal/socket"
	"github.com/courierapp/courier/internal/status"
	"github.com/courierapp/courier/internal/store"
	intsync "github.com/courierapp/courier/internal/sync"
	"github.com/courierapp/courier/internal/uploads"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
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
			provideConfig,
			provideIdentity,
			provideStore,
			provideRESTClient,
			provideMessageLog,
			provideDirectory,
			provideTracker,
			provideSocketManager,
			provideSyncEngine,
			provideSender,
			provideUploadRunner,
			provideController,
			provideAPIHandler,
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

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideIdentity(p Params, logger *zap.Logger) (*session.Identity, error) {
	id, err := session.LoadIdentity(p.SessionName)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w (log in first)", err)
	}
	if !id.TokenValid() {
		logger.Warn("stored token looks expired, sends may fail", zap.String("user_id", id.UserID))
	}
	logger.Info("identity loaded", zap.String("user_id", id.UserID))
	return id, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("cache store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(cfg *config.Config, id *session.Identity, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.APIURL, id.Token, logger)
}

func provideMessageLog(b *bus.Bus, logger *zap.Logger) *msglog.Log {
	return msglog.New(b, logger)
}

func provideDirectory(api *rest.Client, id *session.Identity, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(api, id.UserID, b, logger)
}

func provideTracker(b *bus.Bus) *uploads.Tracker {
	return uploads.NewTracker(b)
}

func provideSocketManager(cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *socket.Manager {
	return socket.New(cfg.SocketURL, machine, b, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideSender(api *rest.Client, log *msglog.Log, id *session.Identity, b *bus.Bus, logger *zap.Logger) *outbound.Sender {
	return outbound.New(api, log, b, logger, id.UserID)
}

func provideUploadRunner(api *rest.Client, log *msglog.Log, tracker *uploads.Tracker, id *session.Identity, b *bus.Bus, logger *zap.Logger) *uploads.Runner {
	return uploads.NewRunner(api, log, tracker, b, logger, id.UserID)
}

func provideController(api *rest.Client, sock *socket.Manager, log *msglog.Log, dir *directory.Directory, tracker *uploads.Tracker, id *session.Identity, b *bus.Bus, logger *zap.Logger) *active.Controller {
	return active.New(api, sock, log, dir, tracker, b, logger, id.UserID)
}

func provideAPIHandler(p Params, machine *status.Machine, dir *directory.Directory, log *msglog.Log, tracker *uploads.Tracker, controller *active.Controller, sender *outbound.Sender, runner *uploads.Runner, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Handler {
	return api.NewHandler(p.SessionName, machine, dir, log, tracker, controller, sender, runner, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, sock *socket.Manager, engine *intsync.Engine, controller *active.Controller, dir *directory.Directory, id *session.Identity, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Serve yesterday's directory while the network catches up.
			if cached, err := engine.CachedDirectory(100); err == nil && len(cached) > 0 {
				dir.Prime(cached)
				logger.Info("directory primed from cache", zap.Int("threads", len(cached)))
			}

			engine.Start(runCtx)
			controller.Start(runCtx)

			// Every (re)connect re-syncs the directory and re-enters the
			// open thread.
			sock.SetOnConnect(func() {
				go func() { _ = dir.Refresh(runCtx) }()
				go controller.RejoinActive(runCtx)
			})

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			sock.Open(id.UserID, id.Token)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			controller.Stop()
			engine.Stop()
			sock.Close()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
