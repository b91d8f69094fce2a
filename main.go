package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/brandlens/orchestrator/internal/analysis"
	"github.com/brandlens/orchestrator/internal/batch"
	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/config"
	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/db"
	"github.com/brandlens/orchestrator/internal/dispatch"
	"github.com/brandlens/orchestrator/internal/engines"
	"github.com/brandlens/orchestrator/internal/execlog"
	"github.com/brandlens/orchestrator/internal/health"
	"github.com/brandlens/orchestrator/internal/httpapi"
	"github.com/brandlens/orchestrator/internal/lock"
	"github.com/brandlens/orchestrator/internal/notify"
	"github.com/brandlens/orchestrator/internal/ratecontrol"
	"github.com/brandlens/orchestrator/internal/report"
	"github.com/brandlens/orchestrator/internal/streaming"
	"github.com/brandlens/orchestrator/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cfgMgr, err := config.NewManager("", bootstrap)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := cfgMgr.Current()

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfgMgr, logger); err != nil {
		logger.Fatal("Orchestrator exited with error", zap.Error(err))
	}
	logger.Info("Orchestrator stopped")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfgMgr *config.Manager, logger *zap.Logger) error {
	cfg := cfgMgr.Current()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", zap.Error(err))
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	// Storage
	dbClient, err := db.NewClient(&cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer dbClient.Close()
	if err := dbClient.Migrate(ctx); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)
	defer redisWrapper.Close()
	runLock := lock.NewRunLock(redisWrapper, cfg.Redis.LockTTL, logger)

	vault, err := credentials.NewVault(cfg.Credentials.MasterKey, logger)
	if err != nil {
		return err
	}

	// Rate table follows config reloads
	rates := ratecontrol.NewTable(cfg.Providers)
	cfgMgr.OnChange(func(c *config.Config) {
		rates.Update(c.Providers)
		logger.Info("Provider rate table updated", zap.Int("overrides", len(c.Providers)))
	})
	if err := cfgMgr.Watch(); err != nil {
		logger.Warn("Configuration hot-reload disabled", zap.Error(err))
	}

	// Analysis
	sourceTypes := config.DefaultSourceTypes()
	if cfg.Analysis.SourceTypesPath != "" {
		st, err := config.LoadSourceTypes(cfg.Analysis.SourceTypesPath)
		if err != nil {
			return err
		}
		sourceTypes = st
	}
	var (
		scorer    analysis.ReliabilityScorer
		extractor analysis.MentionExtractor
	)
	if cfg.Analysis.Endpoint != "" {
		svc := analysis.NewServiceClient(cfg.Analysis.Endpoint, cfg.Analysis.Timeout, logger)
		scorer, extractor = svc, svc
	} else {
		logger.Info("Analysis endpoint not configured; using heuristic mention extraction")
	}
	pipeline := analysis.NewPipeline(scorer, extractor, analysis.NewSourceClassifier(sourceTypes), logger)

	// Execution
	broadcaster := streaming.NewBroadcaster(logger, streaming.WithRetention(cfg.Dispatch.SnapshotRetention))
	defer broadcaster.Close()
	sink := execlog.NewSink(dbClient, logger)

	dispatcher := dispatch.New(dispatch.Deps{
		Adapters: engines.NewDefaultRegistry(cfg.Engines, logger),
		Rates:    rates,
		Store:    dbClient,
		Analyzer: pipeline,
		Progress: broadcaster,
		Logs:     sink,
	}, dispatch.Config{
		RecoveryDelay:  cfg.Dispatch.RecoveryDelay,
		AssumedLatency: cfg.Dispatch.AssumedLatency,
	}, logger)

	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}

	manager := batch.NewManager(batch.Deps{
		Store:       dbClient,
		Vault:       vault,
		Dispatcher:  dispatcher,
		Broadcaster: broadcaster,
		Logs:        sink,
		Lock:        runLock,
		Reporter:    report.NewGenerator(dbClient, logger),
		Notifier:    notifier,
	}, batch.Config{SessionTimeout: cfg.Dispatch.SessionTimeout}, logger)

	// Health
	hm := health.NewManager(cfg.Health.CheckInterval, logger)
	checkers := []health.Checker{
		health.NewDatabaseHealthChecker(dbClient.GetDB(), dbClient.Wrapper(), logger),
		health.NewRedisHealthChecker(redisWrapper, logger),
		health.NewAnalysisServiceHealthChecker(cfg.Analysis.Endpoint, logger),
	}
	for _, c := range checkers {
		if err := hm.RegisterChecker(c); err != nil {
			return err
		}
	}
	hm.Start()
	defer hm.Stop()

	// Servers
	api := httpapi.NewServer(":"+strconv.Itoa(cfg.HTTP.Port), httpapi.NewHandler(manager, sink, broadcaster, httpapi.Options{
		StartRPS:   cfg.HTTP.StartRPS,
		StartBurst: cfg.HTTP.StartBurst,
		Heartbeat:  cfg.HTTP.Heartbeat,
	}, logger))
	healthSrv := health.NewHealthServer(hm, cfg.Health.Port, logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{api, healthSrv} {
		g.Go(func() error {
			logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down orchestrator")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			logger.Warn("Sessions did not finish before shutdown deadline", zap.Error(err))
		}
		return errors.Join(api.Shutdown(sctx), healthSrv.Shutdown(sctx))
	})
	return g.Wait()
}

func buildNotifier(cfg config.NotifyConfig, logger *zap.Logger) (notify.Notifier, error) {
	var channels notify.Multi
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhook(cfg.WebhookURL, logger))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	if len(channels) == 0 {
		return notify.Nop{}, nil
	}
	return channels, nil
}
