package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/observability/metrics"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/internal/server"
	"github.com/inferloop/ehrprivacy/internal/storage"
)

func main() {
	flags := ParseFlags()
	if flags.Version {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := flags.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid flags: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger()

	logger.WithFields(logrus.Fields{
		"version":   Version,
		"commit":    GitCommit,
		"buildDate": BuildDate,
	}).Info("Starting EHR privacy query service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, cleanup, err := buildServer(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize server")
	}
	defer cleanup()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
	}

	if err := srv.Stop(context.Background()); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	logger.Info("Server stopped")
}

// buildServer connects the budget store and assembles the HTTP server. The
// returned cleanup closes the store.
func buildServer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*server.Server, func(), error) {
	var prom *metrics.PrometheusMetrics
	if cfg.Metrics.Enabled {
		var err error
		prom, err = metrics.NewPrometheusMetrics(&metrics.PrometheusConfig{
			Enabled:   true,
			Path:      cfg.Metrics.Path,
			Namespace: cfg.Metrics.Namespace,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := storage.NewFactory(logger).CreateStore(connectCtx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close budget store")
		}
	}

	budgetStore := store
	if prom != nil {
		budgetStore = storage.Instrument(store, cfg.Storage.Backend, prom)
	}

	budgets, err := privacy.NewBudgetManager(cfg.Privacy.TotalEpsilon, cfg.Privacy.AllowOverspend, budgetStore, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	deps := server.Dependencies{
		Budgets:       budgets,
		Anonymization: cfg.Anonymization,
		Privacy:       cfg.Privacy.ToPrivacyConfig(),
		Ping:          store.Ping,
	}
	if prom != nil {
		budgets.WithObserver(prom)
		deps.Metrics = prom
	}

	serverConfig := server.FromConfig(cfg)
	serverConfig.Version = Version
	serverConfig.Commit = GitCommit

	srv, err := server.NewServer(serverConfig, deps, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return srv, cleanup, nil
}
