package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"branchanalytics/aggregator"
	"branchanalytics/anomaly"
	"branchanalytics/cache"
	"branchanalytics/cli"
	"branchanalytics/confidence"
	"branchanalytics/config"
	"branchanalytics/database"
	"branchanalytics/distribution"
	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/forecast"
	"branchanalytics/handlers"
	"branchanalytics/historical"
	"branchanalytics/llm"
	"branchanalytics/logging"
	"branchanalytics/pipeline"
	"branchanalytics/registry"
	"branchanalytics/routes"
	"branchanalytics/source"
	"branchanalytics/store"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = ""
)

// components is everything main wires together.
type components struct {
	cfg          config.Config
	store        store.Store
	registry     *registry.Registry
	comparator   *historical.Comparator
	anomaly      *anomaly.Engine
	forecast     *forecast.Engine
	aggregator   *aggregator.Aggregator
	services     source.Services
	orchestrator *pipeline.Orchestrator
	distributor  *distribution.Distributor
	closers      []func() error
}

func (c *components) close(logger *zap.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Error loading .env file, using environment variables")
	}

	cfg := config.Load()
	config.AppConfig = cfg

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer comp.close(logger)

	args := os.Args[1:]
	if len(args) > 0 && args[0] != "serve" {
		if err := cli.Run(ctx, &cli.Env{
			Config:       cfg,
			Aggregator:   comp.aggregator,
			Anomaly:      comp.anomaly,
			Forecast:     comp.forecast,
			Orchestrator: comp.orchestrator,
			Distributor:  comp.distributor,
			Logger:       logger,
		}, args); err != nil {
			comp.close(logger)
			_ = logger.Sync()
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, comp, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

// build connects the backends and wires every component. Optional backends
// that are not configured are left out and their features report it.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*components, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	c := &components{cfg: cfg}
	loc := cfg.Location()

	if cfg.AnalyticsDatabaseURL == "" {
		logger.Warn("ANALYTICS_DATABASE_URL is not set, using the in-memory store")
		c.store = store.NewMemory()
	} else {
		pool, err := database.Connect(ctx, cfg.AnalyticsDatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { database.Close(pool, logger); return nil })
		if err := database.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		c.store = database.NewStore(pool)
	}

	pub, err := events.New(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	c.closers = append(c.closers, pub.Close)

	bundleCache := cache.New(cfg.RedisURL, logger)
	if rc, ok := bundleCache.(*cache.RedisCache); ok {
		c.closers = append(c.closers, rc.Close)
	}
	var artifacts registry.ArtifactStore
	if cfg.MinioEndpoint != "" {
		ms, err := registry.NewMinioStore(ctx, registry.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Warn("object storage unavailable, bundles stay in the database", zap.Error(err))
		} else {
			artifacts = ms
		}
	}
	c.registry = registry.New(c.store, artifacts, bundleCache, cfg.BundleCacheTTL, logger)
	c.comparator = historical.New(c.store, logger)

	c.anomaly = anomaly.New(c.store, c.store, c.registry, c.comparator, pub, anomaly.Config{
		TrainingDays:  cfg.IForestTrainingDays,
		MinSamples:    cfg.MinTrainingSamples,
		Contamination: cfg.IForestContamination,
		Estimators:    cfg.IForestEstimators,
	}, logger)
	c.forecast = forecast.New(c.store, c.store, c.registry, pub, forecast.Config{
		MinRows:     cfg.MinTrainingSamples,
		HorizonDays: cfg.ForecastDays,
		TestDays:    cfg.BacktestDays,
	}, logger)

	var agg pipeline.Aggregator
	if cfg.SourceDatabaseDSN != "" {
		src, err := source.OpenMySQL(cfg.SourceDatabaseDSN, loc)
		if err != nil {
			return nil, errs.Upstream("source database", err)
		}
		c.closers = append(c.closers, src.Close)
		c.aggregator = aggregator.New(src, c.store, loc, logger)
		agg = c.aggregator
	} else {
		logger.Warn("SOURCE_DATABASE_DSN is not set, metrics collection is disabled")
	}

	if cfg.OrderServiceURL != "" {
		c.services.Order = source.NewServiceClient("order service", cfg.OrderServiceURL, cfg.HTTPTimeout, logger)
	}
	if cfg.CatalogServiceURL != "" {
		c.services.Catalog = source.NewServiceClient("catalog service", cfg.CatalogServiceURL, cfg.HTTPTimeout, logger)
	}

	var analyzer llm.Analyzer
	if cfg.GeminiAPIKey != "" {
		g, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			logger.Warn("gemini unavailable, reports use the template analysis", zap.Error(err))
		} else {
			analyzer = g
			c.closers = append(c.closers, g.Close)
		}
	}

	var sender distribution.Sender
	if cfg.SMTPHost != "" {
		s, err := distribution.NewSMTPSender(distribution.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			UseSSL:   cfg.SMTPUseSSL,
			Timeout:  cfg.HTTPTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		sender = s
	}
	c.distributor = distribution.New(c.store, sender, pub, cfg.ReportRecipients, logger)

	snap := pipeline.DefaultSnapshotConfig()
	snap.ForecastDays = cfg.ForecastDays
	collector := pipeline.NewCollector(c.store, c.anomaly, c.forecast, c.services, snap, logger)
	c.orchestrator = pipeline.NewOrchestrator(pipeline.Deps{
		Reports:    c.store,
		Metrics:    c.store,
		Aggregator: agg,
		Collector:  collector,
		Analyzer:   analyzer,
		Scorer:     confidence.NewScorer(c.store, logger),
		Sender:     c.distributor,
		Events:     pub,
	}, logger)
	return c, nil
}

func serve(ctx context.Context, c *components, logger *zap.Logger) error {
	sched, err := pipeline.NewScheduler(c.cfg.DailyReportCron, c.cfg.Location(), c.orchestrator, c.cfg.BranchIDs, logger)
	if err != nil {
		return fmt.Errorf("daily report cron %q: %w", c.cfg.DailyReportCron, err)
	}
	sched.Start()

	h := handlers.New(handlers.Deps{
		Config:       c.cfg,
		Store:        c.store,
		Registry:     c.registry,
		Anomaly:      c.anomaly,
		Forecast:     c.forecast,
		Comparator:   c.comparator,
		Aggregator:   c.aggregator,
		Services:     c.services,
		Orchestrator: c.orchestrator,
		Distributor:  c.distributor,
		Scheduler:    sched,
		Version:      version,
		Commit:       buildCommit(),
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:               "branchanalytics " + version,
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	routes.SetupRoutes(app, h)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", c.cfg.ListenAddr), zap.String("version", version))
		errCh <- app.Listen(c.cfg.ListenAddr)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if sErr := app.ShutdownWithContext(shutdownCtx); sErr != nil {
		logger.Warn("http shutdown", zap.Error(sErr))
	}
	sched.Stop(shutdownCtx)
	return err
}

// buildCommit falls back to the VCS revision stamped by the go tool.
func buildCommit() string {
	if commit != "" {
		return commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
