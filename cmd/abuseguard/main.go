package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradewell/abuseguard/config"
	"github.com/tradewell/abuseguard/delivery/http/handlers"
	"github.com/tradewell/abuseguard/infrastructure/blocklist"
	"github.com/tradewell/abuseguard/infrastructure/counter"
	"github.com/tradewell/abuseguard/infrastructure/detector"
	"github.com/tradewell/abuseguard/infrastructure/metrics"
	"github.com/tradewell/abuseguard/infrastructure/middleware"
	"github.com/tradewell/abuseguard/infrastructure/monitoring"
	"github.com/tradewell/abuseguard/usecase"
)

const (
	ServiceName = "tradewell-abuseguard"
	Version     = "1.0.0"
)

// Application represents the abuse-protection gateway service
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	router     *gin.Engine

	guard     *usecase.Guard
	collector *monitoring.Collector
	redis     *counter.Redis
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.logger.Fatal("Application exited with error", zap.Error(err))
	}

	app.logger.Info("Application stopped successfully")
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load(os.Getenv("ABUSEGUARD_CONFIG_PATH"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting abuse-protection gateway",
		zap.String("service", ServiceName),
		zap.String("version", Version),
		zap.String("environment", cfg.Environment),
	)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	app.initGuard()
	app.initRouter()

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// initGuard wires the protection components. The counter store variant is a
// construction-time decision driven by configuration.
func (app *Application) initGuard() {
	app.collector = monitoring.NewCollector(ServiceName)

	store := metrics.NewStore(app.config.Protection.MapMaxSize, app.logger.Named("metrics"))
	blocks := blocklist.NewManager(app.logger.Named("blocklist"))

	var counters counter.Store
	if app.config.Protection.Distributed {
		app.redis = counter.NewRedis(counter.RedisOptions{
			Addr:            app.config.GetRedisAddr(),
			Password:        app.config.Redis.Password,
			DB:              app.config.Redis.Database,
			PoolSize:        app.config.Redis.PoolSize,
			MaxRetries:      app.config.Redis.MaxRetries,
			DialTimeout:     app.config.Redis.DialTimeout,
			CallTimeout:     app.config.Redis.CallTimeout,
			FallbackMaxKeys: app.config.Protection.MapMaxSize,
			OnDegrade:       app.collector.ObserveDegradation,
		}, app.logger.Named("counter"))
		counters = app.redis
	} else {
		counters = counter.NewLocal(app.config.Protection.MapMaxSize)
	}

	var det *detector.Detector
	if app.config.Detector.Enabled {
		det = detector.New(detector.Options{
			MaxDuplicateParams:  app.config.Detector.MaxDuplicateParams,
			FingerprintCacheLen: app.config.Detector.FingerprintCacheLen,
			FingerprintWindow:   app.config.Detector.FingerprintWindow,
			FingerprintMaxIPs:   app.config.Detector.FingerprintMaxIPs,
		}, app.logger.Named("detector"))
	}

	app.guard = usecase.NewGuard(
		&app.config.Protection,
		store,
		blocks,
		counters,
		det,
		app.collector,
		app.logger.Named("guard"),
	)
}

// initRouter initializes the HTTP router with middleware and routes
func (app *Application) initRouter() {
	if app.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.router = gin.New()
	app.router.Use(gin.Recovery())

	app.router.Use(middleware.Protection(middleware.Options{
		Guard:                   app.guard,
		Logger:                  app.logger.Named("middleware"),
		GlobalRequestsPerSecond: app.config.Protection.GlobalRequestsPerSecond,
		GlobalBurst:             app.config.Protection.GlobalBurst,
	}))

	var pinger handlers.Pinger
	if app.redis != nil {
		pinger = app.redis
	}
	handler := handlers.NewProtectionHandler(app.guard, pinger, ServiceName, Version, app.logger.Named("handlers"))

	app.router.GET(app.config.Monitoring.HealthPath, handler.Health)
	app.router.GET("/abuseguard/snapshot", handler.Snapshot)
	app.router.DELETE("/abuseguard/blocked/:entity", handler.Unblock)

	if app.config.Monitoring.Enabled {
		app.router.GET(app.config.Monitoring.MetricsPath,
			gin.WrapH(promhttp.HandlerFor(app.collector.Registry(), promhttp.HandlerOpts{})))
	}
}

// Run starts the guard and the HTTP server and blocks until a shutdown
// signal arrives, then stops both gracefully.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.guard.Start(ctx); err != nil {
		return fmt.Errorf("failed to start guard: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		app.logger.Info("HTTP server listening", zap.String("addr", app.httpServer.Addr))
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		app.logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("HTTP server shutdown failed", zap.Error(err))
		}
		if err := app.guard.Stop(shutdownCtx); err != nil {
			app.logger.Error("Guard shutdown failed", zap.Error(err))
		}
		if app.redis != nil {
			if err := app.redis.Close(); err != nil {
				app.logger.Error("Counter store close failed", zap.Error(err))
			}
		}
		return nil
	})

	return group.Wait()
}

// initLogger initializes the application logger
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Environment == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Logging.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zapConfig.Level = level

	return zapConfig.Build()
}
