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
	"go.uber.org/zap"

	"docagent/api/internal/app"
	"docagent/api/internal/config"
	"docagent/api/internal/engine"
	"docagent/api/internal/export"
	"docagent/api/internal/logging"
	"docagent/api/internal/metrics"
	"docagent/api/internal/session"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogFile, cfg.Production())
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	checks := map[string]app.Pinger{}
	var directory session.Directory
	if strings.TrimSpace(cfg.RedisURL) != "" {
		dir, err := session.NewRedisDirectory(cfg.RedisURL, 0)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer dir.Close()
		directory = dir
		checks["directory"] = dir
		logger.Info("using redis session directory")
	}

	manager, err := session.NewManager(session.Options{
		SyncTimeout: cfg.SyncTimeout,
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxSessions: cfg.MaxSessions,
		AgentName:   cfg.AgentName,
		AgentColor:  cfg.AgentColor,
		InstanceID:  cfg.InstanceID,
		Directory:   directory,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("session manager", zap.Error(err))
	}

	eng := engine.New(manager, engine.Options{
		Exporter: export.NewService(logger),
		Metrics:  m,
		Logger:   logger,
	})

	httpServer := app.NewHTTPServer(eng, manager, app.Options{
		CORSOrigin:  cfg.CORSOrigin,
		ReadyChecks: checks,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:      logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// exports render through a headless browser
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("document operations API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	manager.Close()
}
