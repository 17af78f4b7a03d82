package daemon

import (
	"context"
	"time"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/config"
	"github.com/fleetdesk/convsync/internal/convcache"
	"github.com/fleetdesk/convsync/internal/live"
	"github.com/fleetdesk/convsync/internal/lock"
	"github.com/fleetdesk/convsync/internal/logging"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/outbox"
	"github.com/fleetdesk/convsync/internal/rest"
	"github.com/fleetdesk/convsync/internal/session"
	intsync "github.com/fleetdesk/convsync/internal/sync"
	"github.com/fleetdesk/convsync/internal/typing"
	"github.com/fleetdesk/convsync/internal/window"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const warmupTimeout = 15 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override; empty = the session's config.toml
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideREST,
			provideConversations,
			provideWindows,
			provideTyping,
			provideLive,
			provideSyncEngine,
			provideSender,
			provideInspector,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Session, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.SessionConfigPath(p.SessionName)
	}
	return config.LoadSession(path)
}

func provideLogger(p Params, cfg *config.Session) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, cfg *config.Session, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.Server.APIURL)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideREST(cfg *config.Session, logger *zap.Logger) (*rest.Client, error) {
	return rest.New(cfg.Server.APIURL, cfg.Server.Token, nil, logger.Named("rest"))
}

func provideConversations(rc *rest.Client, cfg *config.Session, b *bus.Bus, logger *zap.Logger) *convcache.Cache {
	return convcache.NewCache(rc, cfg.Sync.StaleAfter.Duration, b, logger.Named("conversations"))
}

func provideWindows(rc *rest.Client, cfg *config.Session, b *bus.Bus, logger *zap.Logger) *window.Cache {
	return window.NewCache(rc, cfg.Sync.PageSize, b, logger.Named("windows"))
}

func provideTyping(cfg *config.Session, b *bus.Bus) *typing.Tracker {
	return typing.NewTracker(cfg.Sync.TypingTimeout.Duration, b)
}

func provideLive(cfg *config.Session, w *window.Cache, b *bus.Bus, logger *zap.Logger) *live.Manager {
	dialer := &live.WebSocketDialer{URL: cfg.LiveEndpoint(), Token: cfg.Server.Token}
	m := live.NewManager(dialer, live.Options{
		InitialInterval: cfg.Reconnect.Initial.Duration,
		MaxInterval:     cfg.Reconnect.Max.Duration,
		MaxRetries:      cfg.Reconnect.MaxRetries,
	}, b, logger.Named("live"))
	// Nobody is looking at a conversation once its last handle is gone.
	m.OnIdle(w.Cancel)
	return m
}

func provideSyncEngine(w *window.Cache, c *convcache.Cache, t *typing.Tracker, m *live.Manager, cfg *config.Session, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	e := intsync.NewEngine(w, c, t, m, cfg.SelfID, b, logger.Named("sync"))
	m.OnEvent(e.Apply)
	return e
}

func provideSender(rc *rest.Client, w *window.Cache, c *convcache.Cache, cfg *config.Session, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(rc, w, c, cfg.SelfID, b, logger.Named("outbox"))
}

func provideInspector(p Params, cfg *config.Session, m *live.Manager, c *convcache.Cache, w *window.Cache,
	s *outbox.Sender, t *typing.Tracker, b *bus.Bus, logger *zap.Logger) *api.Inspector {
	return api.NewInspector(p.SessionName, cfg.SelfID, m, c, w, s, t, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, lm *live.Manager, engine *intsync.Engine,
	sender *outbox.Sender, convs *convcache.Cache, tracker *typing.Tracker, inspector *api.Inspector, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (live events reach it through the manager's handler).
			engine.Start(context.Background())

			// Start outbox sender.
			sender.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			lm.Start(context.Background())

			// Warm the unfiltered list so the first listing is not empty.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
				defer cancel()
				_ = convs.Refresh(ctx, model.FilterAll)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			inspector.Close()
			lm.Stop()
			sender.Stop()
			engine.Stop()
			tracker.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
