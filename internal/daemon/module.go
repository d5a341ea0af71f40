package daemon

import (
	"context"
	"runtime"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/tripsafe/internal/auth"
	"github.com/matheus3301/tripsafe/internal/bus"
	"github.com/matheus3301/tripsafe/internal/config"
	"github.com/matheus3301/tripsafe/internal/control"
	"github.com/matheus3301/tripsafe/internal/device"
	"github.com/matheus3301/tripsafe/internal/guard"
	"github.com/matheus3301/tripsafe/internal/lock"
	"github.com/matheus3301/tripsafe/internal/logging"
	"github.com/matheus3301/tripsafe/internal/migration"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/profile"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/status"
	"github.com/matheus3301/tripsafe/internal/store"
	tripsync "github.com/matheus3301/tripsafe/internal/sync"
	"github.com/matheus3301/tripsafe/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string      // optional override for testing; empty = use default
	Logger     *zap.Logger // optional override for testing; nil = rotating file + stderr
}

// New builds the daemon application with fx events routed into zap.
func New(p Params, opts ...fx.Option) *fx.App {
	return fx.New(Options(p, opts...)...)
}

// Options returns the daemon module plus the fx logger wiring.
func Options(p Params, extra ...fx.Option) []fx.Option {
	opts := []fx.Option{
		Module(p),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	}
	return append(opts, extra...)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p, cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideQueue,
			provideAPI,
			provideAuth,
			provideGuard,
			provideState,
			provideEngine,
			provideRegistrar,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, zapcore.InfoLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock")
	l, err := lock.Acquire(profile.LockPath(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens the store, applies the baseline schema and then the
// in-place upgrades. It depends on the lock so no other daemon has the
// file open.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath, store.WithTripCacheLimit(cfg.TripCacheLimit))
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("baseline schema applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("baseline schema up to date", zap.Uint("version", result.Version))
	}

	runner := migration.NewRunner(db, migration.FileVersionStore{Path: profile.SchemaVersionPath(p.Profile)}, store.Upgrades(), logger)
	upgraded, err := runner.Run(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("path", dbPath), zap.Int("version", upgraded.To), zap.Ints("applied", upgraded.Applied))
	return db, nil
}

func provideQueue(db *store.DB, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, logger.Named("outbox"))
}

func provideAPI(cfg *config.Config, logger *zap.Logger) *transport.API {
	return transport.NewAPI(transport.NewClient(cfg.APIBaseURL, cfg.RequestTimeout.Std(), logger.Named("transport")))
}

func provideAuth(api *transport.API, db *store.DB, cfg *config.Config, logger *zap.Logger) *auth.Coordinator {
	return auth.New(api, db, cfg.RefreshWaitTimeout.Std(), logger.Named("auth"))
}

func provideGuard(cfg *config.Config) *guard.Guard {
	return guard.New(cfg.SuppressionWindow.Std(), cfg.ExtensionSettle.Std())
}

func provideState(b *bus.Bus) *state.State {
	return state.New(b)
}

func provideEngine(
	cfg *config.Config,
	db *store.DB,
	q *outbox.Queue,
	api *transport.API,
	coord *auth.Coordinator,
	g *guard.Guard,
	st *state.State,
	m *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *tripsync.Engine {
	return tripsync.New(tripsync.Deps{
		DB:     db,
		Queue:  q,
		API:    api,
		Auth:   coord,
		Guard:  g,
		State:  st,
		Status: m,
		Bus:    b,
		Logger: logger.Named("sync"),
	}, tripsync.WithInterval(cfg.SyncInterval.Std()))
}

func provideRegistrar(api *transport.API, coord *auth.Coordinator, cfg *config.Config, logger *zap.Logger) *device.Registrar {
	policy := device.Policy{
		MaxAttempts: cfg.Device.MaxAttempts,
		BaseDelay:   cfg.Device.BaseDelay.Std(),
		MaxDelay:    cfg.Device.MaxDelay.Std(),
	}
	return device.NewRegistrar(api, coord, policy, runtime.GOOS, logger.Named("device"))
}

func provideService(p Params, engine *tripsync.Engine, registrar *device.Registrar) *control.Service {
	return control.NewService(p.Profile, engine, registrar)
}

// watchSignOut cancels device registration whenever the user signs out.
func watchSignOut(b *bus.Bus, registrar *device.Registrar, logger *zap.Logger) (stop func()) {
	events, unsub := b.Subscribe("auth.", 4)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case evt := <-events:
				if evt.Kind == bus.KindSignedOut {
					registrar.Forget()
					logger.Info("device registration cancelled after sign-out")
				}
			}
		}
	}()
	return func() {
		unsub()
		close(done)
		<-exited
	}
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	engine *tripsync.Engine,
	registrar *device.Registrar,
	b *bus.Bus,
	logger *zap.Logger,
) {
	var stopWatch func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := engine.Restore(ctx); err != nil {
				return err
			}
			stopWatch = watchSignOut(b, registrar, logger)

			// Start sync loop (drains now, then periodically and on reconnect).
			engine.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started", zap.String("state", string(engine.Status())))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			registrar.Cancel()
			engine.Stop()
			if stopWatch != nil {
				stopWatch()
			}
			err := multierr.Combine(db.Close(), lk.Release())
			if err != nil {
				logger.Warn("error during shutdown", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return err
		},
	})
}
