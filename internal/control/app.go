package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/outagewatch/internal/api"
	"github.com/vietddude/outagewatch/internal/core/config"
	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/eligibility"
	"github.com/vietddude/outagewatch/internal/core/ledger"
	"github.com/vietddude/outagewatch/internal/core/lifecycle"
	"github.com/vietddude/outagewatch/internal/core/outage"
	"github.com/vietddude/outagewatch/internal/core/policy"
	"github.com/vietddude/outagewatch/internal/core/registry"
	"github.com/vietddude/outagewatch/internal/core/script"
	"github.com/vietddude/outagewatch/internal/core/worker"
	"github.com/vietddude/outagewatch/internal/events"
	redisclient "github.com/vietddude/outagewatch/internal/infra/redis"
	"github.com/vietddude/outagewatch/internal/infra/signal"
	"github.com/vietddude/outagewatch/internal/infra/storage"
	"github.com/vietddude/outagewatch/internal/infra/storage/memory"
	"github.com/vietddude/outagewatch/internal/infra/storage/sqldb"
	"github.com/vietddude/outagewatch/internal/monitoring/health"
	"github.com/vietddude/outagewatch/internal/monitoring/monitor"
)

// App is the main application struct that manages the engine lifecycle.
type App struct {
	cfg          *config.AppConfig
	engine       *Engine
	monitor      *monitor.Monitor
	refresher    *worker.Refresher
	healthMon    *health.Monitor
	healthServer *health.Server
	apiServer    *api.Server
	bus          *events.Bus
	store        storage.Store
	db           *sqldb.DB
	redisClient  *redisclient.Client
	closers      []io.Closer
	log          *slog.Logger
}

// AppOption customizes application wiring.
type AppOption func(*appOptions)

type appOptions struct {
	source signal.Source
	store  storage.Store
}

// WithSignalSource replaces the configured signal source.
func WithSignalSource(src signal.Source) AppOption {
	return func(o *appOptions) { o.source = src }
}

// WithStore replaces the configured store. The app closes it on Stop.
func WithStore(s storage.Store) AppOption {
	return func(o *appOptions) { o.store = s }
}

// NewApp creates a new App instance with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: slog.Default().With("component", "app")}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	// 1. Initialize Storage
	switch {
	case o.store != nil:
		a.store = o.store
	case cfg.Database.Enabled():
		db, err := sqldb.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate db: %w", err)
			}
		}
		a.store = sqldb.NewStore(db)
		a.log.Info("Using SQL storage", "driver", db.Driver())
	default:
		a.store = memory.NewMemoryStorage()
		a.log.Info("Using Memory storage")
	}

	// 2. Providers and policies
	providers, err := directory.NewStatic(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("invalid provider directory: %w", err)
	}
	catalog, err := policy.LoadFile(cfg.Policies.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	// 3. Signal source, optionally behind redis
	source := o.source
	if source == nil {
		source, err = a.buildSource(cfg.Signal)
		if err != nil {
			return nil, err
		}
	}

	var monitorOpts []monitor.Option
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, signal cache and poll leases disabled", "error", err)
		} else {
			a.redisClient = client
			if cfg.Redis.CacheTTL > 0 {
				source = redisclient.NewCachedSource(client, source, cfg.Redis.CacheTTL)
			}
			if cfg.Redis.LeaseTTL > 0 {
				monitorOpts = append(monitorOpts, monitor.WithSharedGuard(redisclient.NewPollLease(client, cfg.Redis.LeaseTTL)))
			}
		}
	}

	// 4. Core components
	a.bus = events.New()
	book := outage.NewBook()
	reg := registry.New(a.store, providers, a.bus)
	led := ledger.New(a.store.Claims(), cfg.User.ID)

	mgr := lifecycle.NewManager(lifecycle.Deps{
		Store:       a.store,
		Book:        book,
		Eligibility: eligibility.NewEngine(catalog, providers),
		Scripts:     script.NewGenerator(loc),
		Directory:   providers,
		Ledger:      led,
		Events:      a.bus,
	})

	a.monitor = monitor.New(monitor.Config{
		UserID:          cfg.User.ID,
		PollInterval:    cfg.Monitor.PollInterval,
		MinPollInterval: cfg.Monitor.MinPollInterval,
		ReportThreshold: cfg.Monitor.ReportThreshold,
		PollTimeout:     cfg.Monitor.PollTimeout,
	}, source, reg, book, a.bus, monitorOpts...)
	a.monitor.Subscribe(a.bus)

	a.refresher = worker.NewRefresher(led, a.bus, cfg.User.ID, cfg.Monitor.SummaryRefresh)

	a.engine = NewEngine(EngineDeps{
		UserID:    cfg.User.ID,
		Registry:  reg,
		Monitor:   a.monitor,
		Book:      book,
		Lifecycle: mgr,
		Providers: providers,
		Bus:       a.bus,
	})

	// 5. Health and HTTP
	a.healthMon = health.NewMonitor(a.monitor, a.store)
	var apiOpts []api.Option
	if cfg.Server.HealthPort > 0 {
		a.healthServer = health.NewServer(a.healthMon, cfg.Server.HealthPort)
	} else {
		apiOpts = append(apiOpts, api.WithHealth(health.NewServer(a.healthMon, 0)))
	}
	a.apiServer = api.NewServer(a.engine, cfg.Server.Port, apiOpts...)

	ok = true
	return a, nil
}

func (a *App) buildSource(cfg config.SignalConfig) (signal.Source, error) {
	switch cfg.Type {
	case config.SignalHTTP:
		return signal.NewHTTPSource(cfg.Name, cfg.URL, cfg.APIKey, cfg.Timeout), nil
	case config.SignalGRPC:
		src, err := signal.DialGRPCSource(cfg.Name, cfg.URL, cfg.Method, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, src)
		return src, nil
	default:
		src := signal.NewStaticSource()
		now := time.Now()
		for _, f := range cfg.Fixtures {
			src.Set(signal.Report{
				ProviderID:  directory.NormalizeID(f.ProviderID),
				ZipCode:     f.ZipCode,
				ReportCount: f.ReportCount,
				FirstSeen:   now.Add(-f.StartedAgo),
				LastSeen:    now,
				Message:     f.Message,
			})
		}
		a.log.Warn("Using static signal source", "fixtures", len(cfg.Fixtures))
		return src, nil
	}
}

// Engine returns the engine facade.
func (a *App) Engine() *Engine { return a.engine }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Start starts the app and all its components. It does not block.
func (a *App) Start(ctx context.Context) error {
	// Start HTTP API
	go func() {
		if err := a.apiServer.Start(); err != nil && err != http.ErrServerClosed {
			a.log.Error("API server failed", "error", err)
		}
	}()

	// Start separate Health Server
	if a.healthServer != nil {
		go func() {
			if err := a.healthServer.Start(); err != nil && err != http.ErrServerClosed {
				a.log.Error("Health server failed", "error", err)
			}
		}()
	}

	// Start DB Metrics Collector
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	// Start Outage Monitor
	if a.cfg.Monitor.Disabled {
		a.log.Warn("Outage polling disabled by configuration")
	} else {
		a.log.Info("Starting outage monitor", "interval", a.cfg.Monitor.PollInterval)
		go func() {
			if err := a.monitor.Start(ctx); err != nil {
				a.log.Error("Outage monitor failed", "error", err)
			}
		}()
	}

	// Start Summary Refresher
	go a.refresher.Start(ctx)

	a.log.Info("Outagewatch started", "user", a.cfg.User.ID, "port", a.cfg.Server.Port)
	return nil
}

// Stop stops the app.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Outagewatch...")

	a.monitor.Stop()

	var firstErr error
	if err := a.apiServer.Stop(ctx); err != nil {
		firstErr = err
	}
	if a.healthServer != nil {
		if err := a.healthServer.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.bus.Close()
	a.closeResources()
	return firstErr
}

func (a *App) closeResources() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("Failed to close signal source", "error", err)
		}
	}
	a.closers = nil

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	switch {
	case a.store != nil:
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close store", "error", err)
		}
	case a.db != nil:
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
	a.store, a.db = nil, nil
}
