package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/transitlive/tracker_core/internal/api"
	"github.com/transitlive/tracker_core/internal/auth"
	"github.com/transitlive/tracker_core/internal/broadcast"
	"github.com/transitlive/tracker_core/internal/cache"
	"github.com/transitlive/tracker_core/internal/config"
	"github.com/transitlive/tracker_core/internal/db"
	"github.com/transitlive/tracker_core/internal/eta"
	"github.com/transitlive/tracker_core/internal/ingest"
	"github.com/transitlive/tracker_core/internal/logging"
	"github.com/transitlive/tracker_core/internal/metrics"
	"github.com/transitlive/tracker_core/internal/middleware"
	"github.com/transitlive/tracker_core/internal/routing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr := logging.NewStructuredLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logr)
	logr.Info("Starting transit tracker API server...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DB.Driver, db.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		Database: cfg.DB.Name,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		SSLMode:  cfg.DB.SSLMode,
		MinConns: cfg.DB.MinConns,
		MaxConns: cfg.DB.MaxConns,
	}, cfg.DB.SQLitePath)
	if err != nil {
		fatal(logr, "Failed to connect to database", err)
	}
	defer store.Close()
	logr.Info("✓ Database connection established", slog.String("driver", cfg.DB.Driver))

	collector := metrics.NewCollector()

	positions, err := openCache(ctx, cfg.Cache)
	if err != nil {
		fatal(logr, "Failed to connect to cache", err)
	}
	defer positions.Close()
	if rc, ok := positions.(*cache.Redis); ok {
		collector.WatchCachePool(func() metrics.PoolStats { return metrics.PoolStats(rc.Stats()) })
	}
	logr.Info("✓ Cache ready", slog.String("backend", cfg.Cache.Backend))

	static, err := auth.LoadStatic(cfg.Auth.SharedSecret, cfg.Auth.DeviceKeysFile)
	if err != nil {
		fatal(logr, "Failed to load device keys", err)
	}
	credentials := auth.Chain{static, auth.NewStoreResolver(store)}
	logr.Info("✓ Device credentials loaded", slog.Int("static_keys", static.Len()))

	hub := broadcast.NewHub(broadcast.WithLogger(logr), broadcast.WithMetrics(collector))
	var publisher ingest.Publisher = hub
	checks := []api.HealthCheck{
		{Name: "database", Check: store.Ping},
		{Name: "cache", Check: positions.Ping},
	}

	if cfg.NATS.URL != "" {
		relay, err := broadcast.NewNATSRelay(broadcast.RelayConfig{
			URL:     cfg.NATS.URL,
			Metrics: collector,
			Logger:  logr,
		}, hub)
		if err != nil {
			fatal(logr, "Failed to connect to NATS", err)
		}
		defer relay.Close()
		publisher = relay
		checks = append(checks, api.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !relay.IsConnected() {
				return fmt.Errorf("nats not connected")
			}
			return nil
		}})
		logr.Info("✓ NATS relay connected")
	}

	resolver := routing.NewResolver(store,
		routing.WithLogger(logr),
		routing.WithMetrics(collector),
		routing.WithDefaultTolerance(cfg.Routing.ToleranceMeters))
	if err := resolver.Load(ctx); err != nil {
		// MapToRoute retries the load on first use
		logging.LogError(logr, "Failed to load route index", err)
	} else {
		logr.Info("✓ Route index loaded into memory")
	}
	resolver.StartRefresh(ctx, cfg.Routing.RefreshInterval)

	ingestor := ingest.NewEngine(store, positions, credentials,
		ingest.WithPublisher(publisher),
		ingest.WithMetrics(collector),
		ingest.WithLogger(logr),
		ingest.WithDedupWindow(cfg.Ingest.DedupWindow))

	oracle := eta.NewGoogleDirections(eta.OracleConfig{
		BaseURL:       cfg.Oracle.BaseURL,
		APIKey:        cfg.Oracle.APIKey,
		RatePerSecond: cfg.Oracle.RatePerSec,
		Metrics:       collector,
	})
	if cfg.Oracle.APIKey == "" {
		logr.Warn("GOOGLE_API_KEY is not set; live ETAs will fail")
	}

	estimator := eta.NewEngine(ingestor, resolver, oracle, positions, eta.Config{
		CacheTTL:        cfg.ETA.CacheTTL,
		StaleWindow:     cfg.ETA.StaleWindow,
		SafetyBuffer:    cfg.ETA.SafetyBuffer,
		OracleTimeout:   cfg.Oracle.Timeout,
		ApproachMinutes: int(math.Round(cfg.ETA.ApproachThreshold.Minutes())),
		RouteTolerance:  cfg.Routing.ToleranceMeters,
	},
		eta.WithRecorder(store),
		eta.WithPublisher(publisher),
		eta.WithMetrics(collector),
		eta.WithLogger(logr))

	ingestLimit := middleware.NewRateLimiter(cfg.Ingest.RatePerSec)
	ingestLimit.StartCleanup(time.Minute)
	defer ingestLimit.Stop()

	app := fiber.New(fiber.Config{
		AppName:      "Transit Tracker API",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorHandler: api.ErrorHandler(logr),
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, X-API-Key",
	}))
	app.Use(middleware.Analytics(collector))

	handlers := &api.Handlers{
		Ingest:      ingestor,
		ETA:         estimator,
		Network:     resolver,
		Checks:      checks,
		Live:        hub.Handler(),
		LiveGuard:   broadcast.RequireUpgrade,
		IngestLimit: ingestLimit,
	}
	if cfg.EnableMetrics {
		handlers.Metrics = collector.Handler()
	}
	api.Register(app, handlers)

	addr := fmt.Sprintf(":%s", cfg.Port)

	go func() {
		<-ctx.Done()
		logr.Info("Shutting down gracefully...")
		_ = hub.Close()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logging.LogError(logr, "Error during shutdown", err)
		}
	}()

	logr.Info(fmt.Sprintf("🚀 Server listening on http://localhost%s", addr))
	logr.Info(fmt.Sprintf("📡 Live updates: ws://localhost%s/ws", addr))
	logr.Info(fmt.Sprintf("❤️  Health check: http://localhost%s/health", addr))

	if err := app.Listen(addr); err != nil {
		fatal(logr, "Failed to start server", err)
	}
}

// openCache builds the positional cache backend selected by configuration
func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "memory":
		mem := cache.NewMemory(cfg.MemorySize)
		mem.StartSweeper(ctx, cfg.SweepInterval)
		return mem, nil
	default:
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TLS:      cfg.RedisTLS,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func fatal(logr *slog.Logger, msg string, err error) {
	logging.LogError(logr, msg, err)
	os.Exit(1)
}
