// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/notifyq/internal/config"
	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/delivery/inapp"
	inapppostgres "github.com/bissquit/notifyq/internal/delivery/inapp/postgres"
	"github.com/bissquit/notifyq/internal/delivery/postmark"
	"github.com/bissquit/notifyq/internal/delivery/smtp"
	"github.com/bissquit/notifyq/internal/delivery/twilio"
	"github.com/bissquit/notifyq/internal/delivery/waha"
	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/directory/cache"
	directorypostgres "github.com/bissquit/notifyq/internal/directory/postgres"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/pkg/auth"
	"github.com/bissquit/notifyq/internal/pkg/ctxlog"
	"github.com/bissquit/notifyq/internal/pkg/httputil"
	"github.com/bissquit/notifyq/internal/pkg/metrics"
	"github.com/bissquit/notifyq/internal/pkg/postgres"
	redisconn "github.com/bissquit/notifyq/internal/pkg/redis"
	"github.com/bissquit/notifyq/internal/pkg/tracing"
	"github.com/bissquit/notifyq/internal/queue"
	"github.com/bissquit/notifyq/internal/queue/kafka"
	queuepostgres "github.com/bissquit/notifyq/internal/queue/postgres"
	"github.com/bissquit/notifyq/internal/schedule"
	schedulepostgres "github.com/bissquit/notifyq/internal/schedule/postgres"
	"github.com/bissquit/notifyq/internal/version"
	"github.com/bissquit/notifyq/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	processor       *queue.Processor
	janitor         *queue.Janitor
	scheduler       *schedule.Scheduler
	publisher       *kafka.Publisher
	tracingShutdown tracing.ShutdownFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	if cfg.Database.AutoMigrate {
		if err := runMigrations(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		TraceQueries:    cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	if cfg.Redis.Enabled {
		client, err := redisconn.Connect(connectCtx, redisconn.Config{
			URL:             cfg.Redis.URL,
			ConnectAttempts: cfg.Redis.ConnectAttempts,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.redis = client
	}

	app.tracingShutdown, err = tracing.Setup(connectCtx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version.Version,
	})
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel

	go app.collectPoolMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		metricsCancel()
		app.stopWorkers()
		app.closeStores()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop producers of work before the servers so no tick outlives the pool.
	a.stopWorkers()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka publisher: %w", err))
		}
	}
	if a.tracingShutdown != nil {
		if err := a.tracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}

	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) stopWorkers() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.processor != nil {
		a.processor.Stop()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis client", "error", err)
		}
	}
	a.db.Close()
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	// Collect immediately on start
	a.recordPoolMetrics()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.recordPoolMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordPoolMetrics() {
	metrics.RecordDBPoolMetrics(a.db)
	if a.redis != nil {
		metrics.RecordRedisPoolMetrics(a.redis)
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Processor returns the queue processor. Used in tests to drive ticks.
func (a *App) Processor() *queue.Processor {
	return a.processor
}

// Scheduler returns the schedule engine, or nil when disabled.
func (a *App) Scheduler() *schedule.Scheduler {
	return a.scheduler
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	if a.config.Tracing.Enabled {
		r.Use(httputil.TracingMiddleware)
	}
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>notifyq API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	// Directory
	directoryRepo := directorypostgres.NewRepository(a.db)
	var resolver directory.Resolver = directoryRepo
	var invalidator directory.Invalidator
	if a.redis != nil {
		cached := cache.NewResolver(directoryRepo, a.redis, a.config.Redis.CacheTTL)
		resolver = cached
		invalidator = cached
	}
	directoryHandler := directory.NewHandler(directoryRepo, resolver, invalidator)

	// Delivery
	inappAdapter := inapp.NewAdapter(inapppostgres.NewStore(a.db))
	registry, err := a.buildRegistry(inappAdapter)
	if err != nil {
		return nil, err
	}
	coordinator := delivery.NewCoordinator(delivery.CoordinatorConfig{
		InAppFloor:    a.config.Delivery.InAppFloor,
		SubBatchSize:  a.config.Delivery.SubBatchSize,
		Stagger:       a.config.Delivery.Stagger,
		SubBatchDelay: a.config.Delivery.SubBatchDelay,
	}, registry)
	deliveryHandler := delivery.NewHandler(registry)
	inappHandler := inapp.NewHandler(inappAdapter)

	var publisher queue.EventPublisher = queue.NopPublisher{}
	if a.config.Kafka.Enabled {
		p, err := kafka.NewPublisher(kafka.Config{
			Brokers: a.config.Kafka.Brokers,
			Topic:   a.config.Kafka.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		a.publisher = p
		publisher = p
	}

	// Queue
	queueRepo := queuepostgres.NewRepository(a.db)
	a.processor = queue.NewProcessor(queue.ProcessorConfig{
		PollInterval: a.config.Queue.PollInterval,
		BatchSize:    a.config.Queue.BatchSize,
		BackoffBase:  a.config.Queue.BackoffBase,
		Heartbeat:    a.config.Queue.Heartbeat,
	}, queueRepo, resolver, coordinator, publisher)

	queueService := queue.NewService(queue.ServiceConfig{
		DefaultMaxAttempts: a.config.Queue.MaxAttempts,
		InAppFloor:         a.config.Delivery.InAppFloor,
	}, queueRepo, registry, nil, a.processor)
	queueHandler := queue.NewHandler(queueService)

	a.janitor = queue.NewJanitor(queue.JanitorConfig{
		Schedule:      a.config.Queue.PurgeSchedule,
		RetentionDays: a.config.Queue.RetentionDays,
		StuckAfter:    a.config.Queue.StuckAfter,
	}, queueRepo)
	if err := a.janitor.Start(ctx); err != nil {
		return nil, fmt.Errorf("start queue janitor: %w", err)
	}
	a.processor.Start(ctx)

	// Schedules
	scheduleRepo := schedulepostgres.NewRepository(a.db)
	scheduleService := schedule.NewService(scheduleRepo)
	scheduleHandler := schedule.NewHandler(scheduleService)
	if a.config.Scheduler.Enabled {
		a.scheduler = schedule.NewScheduler(schedule.SchedulerConfig{
			TickInterval:      a.config.Scheduler.TickInterval,
			FailureRetryDelay: a.config.Scheduler.FailureRetryDelay,
		}, scheduleRepo, directoryRepo, queueService)
		a.scheduler.Start(ctx)
	}

	var validator httputil.TokenValidator
	if a.config.Auth.Enabled {
		authenticator, err := auth.NewAuthenticator(auth.Config{
			JWTSecret:  a.config.Auth.JWTSecret,
			APIKeyHash: a.config.Auth.APIKeyHash,
		})
		if err != nil {
			return nil, fmt.Errorf("create authenticator: %w", err)
		}
		validator = authenticator
	} else {
		a.logger.Warn("control API authentication disabled")
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if validator != nil {
				r.Use(httputil.AuthMiddleware(validator))
			}

			queueHandler.RegisterRoutes(r)
			scheduleHandler.RegisterRoutes(r)
			directoryHandler.RegisterRoutes(r)
			deliveryHandler.RegisterRoutes(r)
			inappHandler.RegisterRoutes(r)

			r.Group(func(r chi.Router) {
				if validator != nil {
					r.Use(httputil.RequireRole(domain.RoleOperator))
				}
				queueHandler.RegisterOperatorRoutes(r)
				scheduleHandler.RegisterOperatorRoutes(r)
				directoryHandler.RegisterOperatorRoutes(r)
				inappHandler.RegisterOperatorRoutes(r)
			})
		})
	})

	return r, nil
}

// buildRegistry creates one router per channel from the enabled providers.
// The in-app channel is always configured.
func (a *App) buildRegistry(inappAdapter *inapp.Adapter) (*delivery.Registry, error) {
	p := a.config.Providers

	wahaAdapter, err := waha.NewAdapter(waha.Config{
		Enabled:   p.WAHA.Enabled,
		BaseURL:   p.WAHA.BaseURL,
		APIKey:    p.WAHA.APIKey,
		Session:   p.WAHA.Session,
		Priority:  p.WAHA.Priority,
		RateLimit: p.WAHA.RateLimit,
	})
	if err != nil {
		return nil, err
	}

	twilioAdapter, err := twilio.NewAdapter(twilio.Config{
		Enabled:        p.Twilio.Enabled,
		AccountSID:     p.Twilio.AccountSID,
		AuthToken:      p.Twilio.AuthToken,
		From:           p.Twilio.From,
		Priority:       p.Twilio.Priority,
		RateLimit:      p.Twilio.RateLimit,
		CostPerMessage: p.Twilio.CostPerMessage,
	})
	if err != nil {
		return nil, err
	}

	smtpAdapter, err := smtp.NewAdapter(smtp.Config{
		Enabled:     p.SMTP.Enabled,
		Host:        p.SMTP.Host,
		Port:        p.SMTP.Port,
		User:        p.SMTP.User,
		Password:    p.SMTP.Password,
		FromAddress: p.SMTP.From,
		Priority:    p.SMTP.Priority,
	})
	if err != nil {
		return nil, err
	}

	postmarkAdapter, err := postmark.NewAdapter(postmark.Config{
		Enabled:        p.Postmark.Enabled,
		ServerToken:    p.Postmark.ServerToken,
		AccountToken:   p.Postmark.AccountToken,
		FromAddress:    p.Postmark.From,
		Priority:       p.Postmark.Priority,
		CostPerMessage: p.Postmark.CostPerMessage,
	})
	if err != nil {
		return nil, err
	}

	return delivery.NewRegistry(
		delivery.NewRouter(domain.ChannelChat, wahaAdapter, twilioAdapter),
		delivery.NewRouter(domain.ChannelEmail, smtpAdapter, postmarkAdapter),
		delivery.NewRouter(domain.ChannelInApp, inappAdapter),
	), nil
}

func runMigrations(databaseURL string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := migrator.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.redis != nil {
		if err := redisconn.Healthcheck(a.redis)(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
