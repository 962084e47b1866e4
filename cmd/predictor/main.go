package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/ad-sentinel/internal/cache"
	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/logger"
	"github.com/raaihank/ad-sentinel/internal/predictor"
	"github.com/raaihank/ad-sentinel/internal/privacy"
	"github.com/raaihank/ad-sentinel/internal/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		modelDir    = flag.String("models", "", "Directory of final schemas and models (default: classifier.model_dir)")
		fromCache   = flag.Bool("from-cache", false, "Load the unit list from the Redis schema registry")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at this address and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ad-sentinel predictor %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}
	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *modelDir != "" {
		cfg.Classifier.ModelDir = *modelDir
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{Enabled: true, Path: cfg.Logging.File.Path}
	}
	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting ad-sentinel predictor",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector, err := privacy.New(cfg.Privacy, log.WithComponent("privacy").Logger)
	if err != nil {
		log.Fatal("Failed to create privacy detector", zap.Error(err))
	}
	registry, err := predictor.NewRegistry(cfg.Data, cfg.Trainer.Search, detector, log.WithComponent("predictor").Logger)
	if err != nil {
		log.Fatal("Failed to create registry", zap.Error(err))
	}
	backend, err := classifier.New(cfg.Classifier, log.WithComponent("classifier").Logger)
	if err != nil {
		log.Fatal("Failed to create classifier backend", zap.Error(err))
	}

	var schemas *cache.SchemaRegistry
	if cfg.Cache.Enabled || *fromCache {
		schemas, err = cache.NewSchemaRegistry(cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			log.Fatal("Failed to connect to schema registry", zap.Error(err))
		}
		defer schemas.Close()
	}

	load := func() {
		var (
			n   int
			err error
		)
		switch {
		case *fromCache:
			n, err = registry.LoadSource(ctx, schemas, backend)
		case schemas != nil:
			n, err = registry.LoadDir(ctx, cfg.Classifier.ModelDir, backend, schemas)
		default:
			n, err = registry.LoadDir(ctx, cfg.Classifier.ModelDir, backend, nil)
		}
		if err != nil {
			log.Warn("Some classifiers failed to load", zap.Error(err))
		}
		log.Info("Classifiers loaded", zap.Int("loaded", n), zap.Int("units", registry.Len()))
	}
	load()

	srv := server.New(cfg, registry, log)

	if err := config.Watch(cfg, func(newCfg *config.Config) {
		values := newCfg.Privacy.KnownValues
		if newCfg.Privacy.KnownValuesFile != "" {
			fromFile, err := privacy.LoadKnownValues(newCfg.Privacy.KnownValuesFile)
			if err != nil {
				log.Error("Failed to reload known values", zap.Error(err))
			}
			values = append(values, fromFile...)
		}
		if added := registry.AddKnownValues(values); added > 0 {
			log.Info("Known values reloaded", zap.Int("added", added))
			srv.NotifyReload("configuration changed", added)
		}
	}); err != nil {
		log.Warn("Configuration watch disabled", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serverErrors:
			if err != nil {
				log.Error("Server error", zap.Error(err))
				os.Exit(1)
			}
			return
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				log.Info("Reloading classifiers")
				load()
				srv.NotifyReload("classifiers reloaded", 0)
				continue
			}
			log.Info("Shutdown signal received", zap.String("signal", sig.String()))

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := srv.Stop(shutdownCtx)
			shutdownCancel()
			cancel()
			if err != nil {
				log.Error("Failed to shutdown server gracefully", zap.Error(err))
				os.Exit(1)
			}
			log.Info("Server shutdown complete")
			return
		}
	}
}

// performHealthCheck performs a health check against a running server
func performHealthCheck(addr string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
