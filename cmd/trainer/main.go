package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/ad-sentinel/internal/cache"
	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/experiment"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/raaihank/ad-sentinel/internal/logger"
	"github.com/raaihank/ad-sentinel/internal/privacy"
	"github.com/raaihank/ad-sentinel/internal/store"
	"github.com/raaihank/ad-sentinel/internal/vocabulary"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		dataDir    = flag.String("data", "", "Prepared dataset directory (default: data.root_dir)")
		variant    = flag.String("variant", "", "Feature variant (default: trainer.variant)")
		cvOnly     = flag.Bool("cv-only", false, "Run cross-validation only")
		buildOnly  = flag.Bool("build-only", false, "Build final models only")
		workers    = flag.Int("workers", 0, "Units trained in parallel (default: experiment.workers)")
	)
	flag.Parse()

	if *cvOnly && *buildOnly {
		fmt.Fprintln(os.Stderr, "-cv-only and -build-only are mutually exclusive")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Data.RootDir = *dataDir
	}
	if *variant != "" {
		cfg.Trainer.Variant = *variant
	}
	if *workers > 0 {
		cfg.Experiment.Workers = *workers
	}
	switch {
	case *cvOnly:
		cfg.Experiment.CrossValidation, cfg.Experiment.FinalBuild = true, false
	case *buildOnly:
		cfg.Experiment.CrossValidation, cfg.Experiment.FinalBuild = false, true
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Experiment failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	opts, err := experiment.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	ds, err := flow.OpenDataset(cfg.Data.RootDir, cfg.Data.IndexFile, cfg.Data.SplitKey, cfg.Data.LabelKey)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}

	detector, err := privacy.New(cfg.Privacy, log.WithComponent("privacy").Logger)
	if err != nil {
		return err
	}

	builder := vocabulary.NewBuilder(log.WithComponent("vocabulary").Logger)
	builder.Theta = cfg.Trainer.Theta
	builder.MinTermLength = cfg.Trainer.MinTermLength
	builder.Redactor = detector
	if cfg.Trainer.StopwordsFile != "" {
		stopwords, err := vocabulary.LoadStopwords(cfg.Trainer.StopwordsFile)
		if err != nil {
			return fmt.Errorf("failed to load stopwords: %w", err)
		}
		builder.Stopwords = stopwords
	}

	backend, err := classifier.New(cfg.Classifier, log.WithComponent("classifier").Logger)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Classifier.ModelDir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Experiment.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	foldBackend, err := classifier.New(experiment.FoldClassifierConfig(cfg), log.WithComponent("classifier").Logger)
	if err != nil {
		return err
	}

	exp := experiment.New(opts, builder, backend, log.WithComponent("experiment").Logger)
	exp.SetFoldBackend(foldBackend)
	exp.AddSink(experiment.NewFileSink(cfg.Experiment.OutputDir, ds.Codec, log.WithComponent("sink").Logger))

	if cfg.Storage.Enabled {
		st, err := store.NewStore(cfg.Storage, log.WithComponent("store").Logger)
		if err != nil {
			return err
		}
		defer st.Close()
		exp.AddSink(st)
	}

	if cfg.Cache.Enabled {
		registry, err := cache.NewSchemaRegistry(cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			return err
		}
		defer registry.Close()
		exp.SetPublisher(registry)
	}

	log.Info("Starting experiment",
		zap.String("data", cfg.Data.RootDir),
		zap.String("variant", opts.Variant.Name),
		zap.Int("units", len(ds.Index)),
		zap.String("backend", cfg.Classifier.Backend))

	report, err := exp.Run(ctx, ds)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Run %s (%s) ===\n", report.RunID, report.Variant)
	fmt.Printf("Completed:          %d\n", report.Count(experiment.StatusCompleted))
	fmt.Printf("Skipped:            %d\n", report.Count(experiment.StatusSkipped))
	fmt.Printf("Failed:             %d\n", report.Count(experiment.StatusFailed))
	fmt.Printf("Duration:           %v\n", report.Finished.Sub(report.Started))
	for _, u := range report.Units {
		if u.Status == experiment.StatusFailed {
			fmt.Printf("  %s: %s\n", u.DomainOS, u.Error)
		}
	}
	return nil
}
