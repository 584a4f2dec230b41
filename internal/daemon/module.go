package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/fluxy/internal/api"
	"github.com/matheus3301/fluxy/internal/bus"
	"github.com/matheus3301/fluxy/internal/chat"
	"github.com/matheus3301/fluxy/internal/config"
	"github.com/matheus3301/fluxy/internal/debounce"
	"github.com/matheus3301/fluxy/internal/gateway"
	"github.com/matheus3301/fluxy/internal/lock"
	"github.com/matheus3301/fluxy/internal/logging"
	"github.com/matheus3301/fluxy/internal/mongostore"
	"github.com/matheus3301/fluxy/internal/paths"
	"github.com/matheus3301/fluxy/internal/store"
	"github.com/matheus3301/fluxy/internal/voice"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance   string
	SocketPath string // optional override for testing; empty = use default
	Config     *config.Config
}

// MembershipStore is where the coordinator persists voice channel members.
// Every entry is reset on start because no gateway connection survives a
// restart.
type MembershipStore interface {
	voice.MembershipStore
	ClearVoiceMembers(ctx context.Context) (int64, error)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMembershipStore,
			provideScheduler,
			provideCoordinator,
			provideChatService,
			provideHub,
			provideHandler,
			provideRelay,
			NewHTTPServer,
			providePresenceService,
			provideHistoryService,
			provideDaemonService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.LogPath(p.Instance), p.Instance)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(paths.Dir(p.Instance), lock.Info{
		Instance: p.Instance,
		Gateway:  p.Config.Gateway.Listen,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath(p.Instance)
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

func provideMembershipStore(lc fx.Lifecycle, p Params, db *store.DB, logger *zap.Logger) (MembershipStore, error) {
	switch p.Config.Store.MembershipBackend {
	case config.BackendMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ms, err := mongostore.Connect(ctx, p.Config.Store.MongoURI, p.Config.Store.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect membership store: %w", err)
		}
		lc.Append(fx.StopHook(func(ctx context.Context) error {
			return ms.Close(ctx)
		}))
		logger.Info("voice memberships in mongodb", zap.String("database", p.Config.Store.MongoDatabase))
		return ms, nil
	default:
		return db, nil
	}
}

func provideScheduler() *debounce.Scheduler {
	return debounce.New(clock.New())
}

func provideCoordinator(p Params, ms MembershipStore, b *bus.Bus, sched *debounce.Scheduler, logger *zap.Logger) *voice.Coordinator {
	return voice.NewCoordinator(ms, b, sched, p.Config.Voice.SyncDebounce.Duration, logger.Named("voice"))
}

func provideChatService(db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, b, logger.Named("chat"))
}

func provideHub(logger *zap.Logger) *gateway.Hub {
	return gateway.NewHub(logger.Named("gateway"))
}

func provideHandler(hub *gateway.Hub, coord *voice.Coordinator, chatSvc *chat.Service, db *store.DB, logger *zap.Logger) *gateway.Handler {
	return gateway.NewHandler(hub, coord, chatSvc, db, logger.Named("gateway"))
}

func provideRelay(b *bus.Bus, hub *gateway.Hub) *gateway.Relay {
	return gateway.NewRelay(b, hub)
}

func providePresenceService(coord *voice.Coordinator, b *bus.Bus) *api.PresenceService {
	return api.NewPresenceService(coord, b)
}

func provideHistoryService(chatSvc *chat.Service) *api.HistoryService {
	return api.NewHistoryService(chatSvc)
}

func provideDaemonService(p Params, hub *gateway.Hub, coord *voice.Coordinator, db *store.DB) *api.DaemonService {
	return api.NewDaemonService(p.Instance, p.Config.Gateway.Listen, hub, coord, db)
}

type lifecycleDeps struct {
	fx.In

	Server     *Server
	HTTP       *HTTPServer
	Lock       *lock.Lock
	DB         *store.DB
	Membership MembershipStore
	Scheduler  *debounce.Scheduler
	Coord      *voice.Coordinator
	Hub        *gateway.Hub
	Relay      *gateway.Relay
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := d.Membership.ClearVoiceMembers(ctx)
			if err != nil {
				return fmt.Errorf("reset voice state: %w", err)
			}
			if n > 0 {
				d.Logger.Info("cleared stale voice memberships", zap.Int64("channels", n))
			}

			d.Relay.Start(context.Background())

			if err := d.HTTP.Listen(); err != nil {
				return err
			}
			go func() {
				if err := d.HTTP.Serve(); err != nil {
					d.Logger.Error("gateway server error", zap.Error(err))
				}
			}()

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.HTTP.Stop(ctx)
			if err := d.Hub.Shutdown(ctx); err != nil {
				d.Logger.Warn("gateway connections did not drain", zap.Error(err))
			}
			d.Coord.Close()
			d.Scheduler.Stop()
			d.Relay.Stop()
			d.Server.Stop(ctx)
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}
