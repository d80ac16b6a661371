// Package bootstrap assembles the service from configuration: storage,
// sessions, tokens, the order engine, notifications, the bot fleet and the
// HTTP server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/shopfleet/core/auth"
	"github.com/m3rciful/shopfleet/core/buildinfo"
	coreconfig "github.com/m3rciful/shopfleet/core/config"
	coredatabase "github.com/m3rciful/shopfleet/core/database"
	"github.com/m3rciful/shopfleet/core/flow"
	"github.com/m3rciful/shopfleet/core/httpapi"
	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/notify"
	"github.com/m3rciful/shopfleet/core/observability"
	"github.com/m3rciful/shopfleet/core/order"
	"github.com/m3rciful/shopfleet/core/panel"
	"github.com/m3rciful/shopfleet/core/revocation"
	"github.com/m3rciful/shopfleet/core/session"
	"github.com/m3rciful/shopfleet/core/storage/memory"
	"github.com/m3rciful/shopfleet/core/storage/postgres"
	coretelegram "github.com/m3rciful/shopfleet/core/telegram"
	"github.com/m3rciful/shopfleet/core/telegram/router"
	"github.com/m3rciful/shopfleet/core/tenant"
)

// PlatformStoreID is the tenant id of the platform bot, which hosts store
// onboarding rather than a catalog.
const PlatformStoreID = "platform"

// adminCommands are kept out of the public command menu.
var adminCommands = map[string]bool{
	"/login":      true,
	"/logout":     true,
	"/newstore":   true,
	"/connectbot": true,
}

// Options control the bootstrap pipeline. Only Config is required.
type Options struct {
	Config *coreconfig.Config

	LoggerInit  func(*coreconfig.Config) error
	OpenStorage func(ctx context.Context, cfg *coreconfig.Config) (Storage, error)
	// Launcher replaces the Telegram launcher, mostly for tests.
	Launcher tenant.Launcher
	Seeders  []Seeder
}

// App is the assembled service.
type App struct {
	Config      *coreconfig.Config
	Storage     Storage
	Sessions    *session.Store
	Auth        *auth.Service
	Revocations *revocation.Registry
	Orders      *order.Engine
	Notifier    *notify.Dispatcher
	Events      *notify.Queue
	Hub         *panel.Hub
	Tenants     *tenant.Manager
	Flow        *flow.Engine
	API         *httpapi.Server
	Metrics     *prometheus.Registry

	redis *redis.Client
}

// Build initializes the logger, opens storage and wires every service. It
// does not start anything; see Run.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	open := opts.OpenStorage
	if open == nil {
		open = OpenStorage
	}
	store, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: storage initialization failed: %w", err)
	}
	for _, s := range opts.Seeders {
		if err := s.Seed(ctx, store); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("bootstrap: seed failed: %w", err)
		}
	}

	app := &App{Config: cfg, Storage: store, Metrics: prometheus.NewRegistry()}
	observability.Register(app.Metrics)
	app.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var remote session.Remote
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		remote = session.NewRedisRemote(app.redis, cfg.Redis.Prefix)
	}
	app.Sessions = session.NewStore(remote, session.OptionsFromConfig(cfg))

	app.Auth = auth.NewService(cfg.Auth, nil)
	app.Revocations = revocation.NewRegistry(app.Auth.ExpiryOf, store,
		revocation.WithPurgeInterval(cfg.Revocation.PurgeInterval),
		revocation.WithSyncInterval(cfg.Revocation.SyncInterval))
	app.Auth.SetRevocations(app.Revocations)
	if n, err := app.Revocations.Load(ctx); err != nil {
		logger.Warn(ctx, logger.CompRevocation, "revocations_load", slog.String("status", "fail"), slog.Any("err", err))
	} else {
		logger.Info(ctx, logger.CompRevocation, "revocations_load", slog.String("status", "ok"), slog.Int("count", n))
	}

	app.Hub = panel.NewHub(64)

	defaultMode, err := tenant.ParseMode(cfg.Telegram.RunMode, tenant.ModePolling)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = coretelegram.NewLauncher(coretelegram.Options{
			Config:   cfg,
			Registry: commandRegistry(),
			// The flow engine is built after the manager it depends on;
			// bots are only launched once Build has returned.
			Routes: func(inst *tenant.Instance) []coretelegram.Route {
				return router.Routes(app.Flow)(inst)
			},
		})
	}
	app.Tenants = tenant.NewManager(launcher, store, tenant.WithDefaultMode(defaultMode))

	app.Notifier = notify.NewDispatcher(store,
		[]notify.Channel{
			notify.NewBotChannel(app.Tenants, cfg.Notify.RatePerSecond, cfg.Notify.Burst),
			notify.NewPanelChannel(app.Hub),
		},
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithRenderer(notify.NewRenderer(func(storeID string) map[string]string {
			return app.Tenants.Settings(storeID).Notifications
		})),
	)

	app.Events = notify.NewQueue(app.Notifier, cfg.Notify.QueueSize, cfg.Notify.Workers)
	app.Orders = order.NewEngine(store, app.Events,
		order.WithCurrency(cfg.Orders.Currency),
		order.WithIdempotencyWindow(cfg.Orders.IdempotencyWindow),
	)

	app.Flow = flow.NewEngine(flow.Deps{
		Sessions:     app.Sessions,
		Catalog:      store,
		Orders:       app.Orders,
		Tokens:       app.Auth,
		Revoker:      app.Revocations,
		Provisioner:  app.Tenants,
		Settings:     app.Tenants.Settings,
		SuperadminID: cfg.Telegram.AdminID,
		Currency:     cfg.Orders.Currency,
	})

	app.API = httpapi.New(httpapi.Deps{
		Orders:  app.Orders,
		Tenants: app.Tenants,
		Auth:    app.Auth,
		Revoker: app.Revocations,
		Events:  app.Hub,
		Data:    store,
		Checks:  map[string]httpapi.Check{"storage": store.Ping},
		Status: map[string]func() string{
			"sessions": func() string { return string(app.Sessions.Health()) },
		},
		Metrics: promhttp.HandlerFor(app.Metrics, promhttp.HandlerOpts{}),
	})
	return app, nil
}

// OpenStorage opens the configured storage driver. The PostgreSQL driver
// connects and applies pending migrations first.
func OpenStorage(ctx context.Context, cfg *coreconfig.Config) (Storage, error) {
	if cfg.Database.Driver == coreconfig.DriverMemory {
		logger.Warn(ctx, logger.CompDB, "storage_open",
			slog.String("status", "degraded"),
			slog.String("reason", "memory driver, data is lost on exit"),
		)
		return memory.New(), nil
	}
	db, err := coredatabase.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := coredatabase.Migrate(ctx, cfg.Database, coredatabase.Up); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return postgres.New(db), nil
}

func commandRegistry() *coretelegram.Registry {
	reg := coretelegram.NewRegistry()
	for cmd, desc := range flow.Commands() {
		reg.RegisterCommand(cmd, coretelegram.Command{Description: desc, Hidden: adminCommands[cmd]})
	}
	return reg
}

// Run starts the background loops, the bot fleet and the HTTP server, and
// blocks until ctx ends. Shutdown stops the bots first so no handler writes
// to a closed store.
func (a *App) Run(ctx context.Context) error {
	startedAt := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { a.Sessions.Run(gctx); return nil })
	g.Go(func() error { a.Revocations.Run(gctx); return nil })
	g.Go(func() error { a.Hub.Run(gctx); return nil })

	srv := &http.Server{
		Addr:              a.Config.HTTP.Listen,
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := a.Tenants.StartAll(gctx); err != nil {
		// Failed stores are logged by the manager; the rest keep running.
		logger.Warn(gctx, logger.CompApp, "tenants_start", slog.String("status", "degraded"), slog.Any("err", err))
	}
	if token := a.Config.Telegram.PlatformToken; token != "" {
		err := a.Tenants.Start(gctx, tenant.Tenant{StoreID: PlatformStoreID, Token: token})
		if err != nil {
			logger.Error(gctx, logger.CompApp, "platform_start", slog.String("status", "fail"), slog.Any("err", err))
		}
	}

	logger.Info(gctx, logger.CompApp, "ready",
		slog.String("status", "ok"),
		slog.String("version", buildinfo.Version),
		slog.String("listen", a.Config.HTTP.Listen),
		slog.Int("count", len(a.Tenants.Running())),
		slog.Duration("duration_ms", logger.RoundMS(time.Since(startedAt))),
	)

	<-gctx.Done()
	logger.Info(logger.Background(), logger.CompApp, "shutdown", slog.String("status", "ok"))
	a.shutdown(srv)
	return g.Wait()
}

func (a *App) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(logger.Background(), 15*time.Second)
	defer cancel()

	// Events raised while bots drain are delivered inline once the queue is closed.
	a.closeEvents(ctx)
	if err := a.Tenants.StopAll(ctx); err != nil {
		logger.Warn(ctx, logger.CompApp, "tenants_stop", slog.String("status", "fail"), slog.Any("err", err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn(ctx, logger.CompHTTP, "http_shutdown", slog.String("status", "fail"), slog.Any("err", err))
	}
	a.Close(ctx)
}

func (a *App) closeEvents(ctx context.Context) {
	if err := a.Events.Close(ctx); err != nil {
		logger.Warn(ctx, logger.CompNotify, "notify_close", slog.String("status", "fail"), slog.Any("err", err))
	}
}

// Close flushes queued notifications and releases storage and the session cache. Run calls it on shutdown.
func (a *App) Close(ctx context.Context) {
	a.closeEvents(ctx)
	if err := a.Sessions.Close(ctx); err != nil {
		logger.Warn(ctx, logger.CompSession, "session_close", slog.String("status", "fail"), slog.Any("err", err))
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.Storage.Close(); err != nil {
		logger.Warn(ctx, logger.CompDB, "storage_close", slog.String("status", "fail"), slog.Any("err", err))
	}
}
