package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docagent/api/internal/collab"
	"docagent/api/internal/config"
	"docagent/api/internal/gitrepo"
	"docagent/api/internal/logging"
	"docagent/api/internal/metrics"
	"docagent/api/internal/search"
	"docagent/api/internal/store"
)

// snapshots is the durable side of a room: the update log plus the
// snapshot reads served by the HTTP API.
type snapshots interface {
	collab.Persistence
	collab.SnapshotReader
	collab.SnapshotSink
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogFile, cfg.Production())
	defer func() { _ = logger.Sync() }()
	ctx := context.Background()

	var (
		durable snapshots
		pgfts   *search.PgFTS
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		durable = store.NewPostgresStore(db)
		pgfts = search.NewPgFTS(db)
	} else {
		logger.Warn("DATABASE_URL not set; rooms are kept in memory only")
		durable = store.NewMemoryStore()
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal("failed to create repos dir", zap.Error(err))
	}
	history := gitrepo.New(cfg.ReposDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	defer searchService.Close()
	go searchService.ReindexAllFromPG(ctx)

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := collab.NewServer(collab.Options{
		Persistence:    durable,
		Sinks:          []collab.SnapshotSink{durable, history, searchService},
		Snapshots:      durable,
		History:        history,
		Search:         searchService,
		Redis:          redisClient,
		InstanceID:     cfg.InstanceID,
		CORSOrigin:     cfg.CORSOrigin,
		Metrics:        metrics.New(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         logger,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("collab fanout", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.CollabAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("collaboration endpoint listening", zap.String("addr", cfg.CollabAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("collab shutdown error", zap.Error(err))
	}
}
