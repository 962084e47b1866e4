package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/etl"
	"github.com/raaihank/ad-sentinel/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		input      = flag.String("input", "", "Comma separated capture files or directories (default: data.raw_dir)")
		output     = flag.String("output", "", "Output dataset directory (default: data.root_dir)")
		workers    = flag.Int("workers", 4, "Number of files read in parallel")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	inputs := []string{cfg.Data.RawDir}
	if *input != "" {
		inputs = strings.Split(*input, ",")
	}
	outDir := cfg.Data.RootDir
	if *output != "" {
		outDir = *output
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatal("Failed to create output directory", zap.String("dir", outDir), zap.Error(err))
	}

	log.Info("Starting ETL",
		zap.Strings("inputs", inputs),
		zap.String("output", outDir),
		zap.String("split_key", cfg.Data.SplitKey))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	pipeline, err := etl.NewPipeline(etl.ConfigFromData(cfg.Data, *workers), log.WithComponent("etl").Logger)
	if err != nil {
		log.Fatal("Failed to create pipeline", zap.Error(err))
	}

	result, err := pipeline.Run(ctx, inputs, outDir)
	if err != nil {
		log.Fatal("ETL processing failed", zap.Error(err))
	}

	fmt.Printf("\n=== Dataset %s ===\n", outDir)
	fmt.Printf("Files read:         %d\n", result.Files)
	fmt.Printf("Records:            %d\n", result.Records)
	fmt.Printf("Kept:               %d (%d positive)\n", result.Kept, result.Positive)
	fmt.Printf("Invalid:            %d\n", result.Invalid)
	fmt.Printf("Excluded:           %d\n", result.Excluded)
	fmt.Printf("Duplicates:         %d\n", result.Duplicates)
	fmt.Printf("Domains filled:     %d\n", result.Filled)
	fmt.Printf("Groups:             %d\n", result.Groups)
	fmt.Printf("Duration:           %v\n", result.Duration)

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
}
