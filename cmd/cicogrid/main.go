// CICO Grid Tool
//
// A standalone Go binary that reads and updates CICO grids:
//
//	Check-in:  CSV batch file  →  CICO grid updates
//	Intake:    Kafka topic     →  CICO grid updates
//	Audit:     applied updates →  Kafka topic
//
// # Usage
//
//	cicogrid [flags]
//
//	Flags:
//	  -config string   Path to config YAML file (default "config.yaml")
//	  -version         Print version information and exit
//
// # Architecture
//
// The binary starts the following components based on configuration:
//
//  1. Observability server (always): /healthz, /readyz, /metrics
//  2. Applied-update journal with periodic flush
//  3. CICO authenticator and grid client
//  4. Check-in runner (if enabled): batch CSV application, optionally watched
//  5. Intake worker (if enabled): Kafka consumer applying update requests
//  6. Audit publisher (if enabled): one Kafka event per applied update
//
// All components are managed via errgroup for coordinated lifecycle. On
// shutdown (SIGINT/SIGTERM), all goroutines are cancelled gracefully. When
// only a one-shot check-in run is configured (no watch, no intake), the
// binary exits once the batch completes.
//
// # Signal Handling
//
//	SIGINT/SIGTERM → Cancel context → Runner/worker stop → Flush journal → Exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/rsmoorthy/cicogrid/internal/audit"
	"github.com/rsmoorthy/cicogrid/internal/checkin"
	"github.com/rsmoorthy/cicogrid/internal/cico"
	"github.com/rsmoorthy/cicogrid/internal/config"
	"github.com/rsmoorthy/cicogrid/internal/intake"
	"github.com/rsmoorthy/cicogrid/internal/journal"
	"github.com/rsmoorthy/cicogrid/internal/kafka"
	"github.com/rsmoorthy/cicogrid/internal/observability"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// errRunComplete signals that all one-shot work finished and the remaining
// long-running components (observability server) should wind down.
var errRunComplete = errors.New("run complete")

func main() {
	// Parse command-line flags.
	configPath := flag.String("config", "config.yaml", "Path to configuration YAML file")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cicogrid %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting cicogrid",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
	)

	// Load and validate configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Set log level from config.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Setup signal handling for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Setup config watcher for hot-reload.
	reloadCh := make(chan struct{}, 1)
	go watchConfig(ctx, *configPath, reloadCh, logger)

	for {
		// Create a sub-context for the current run.
		runCtx, runCancel := context.WithCancel(ctx)

		// Start the run in a goroutine so we can listen for signals/reloads.
		errCh := make(chan error, 1)
		go func() {
			errCh <- run(runCtx, *configPath, logger)
		}()

		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			runCancel()
			cancel()
			<-errCh // wait for run to exit
			logger.Info("cicogrid shutdown complete")
			return
		case <-reloadCh:
			logger.Info("reloading configuration...")
			runCancel()
			if err := <-errCh; err != nil && err != context.Canceled {
				logger.Error("previous run exited with error on reload", "error", err)
			}
			logger.Info("restarting with new configuration")
			// continue loop to restart
		case err := <-errCh:
			runCancel()
			if err != nil && err != context.Canceled {
				logger.Error("cicogrid exited with error", "error", err)
				os.Exit(1)
			}
			logger.Info("cicogrid shutdown complete")
			return
		}
	}
}

// watchConfig uses fsnotify to watch the config file for changes.
func watchConfig(ctx context.Context, path string, reloadCh chan<- struct{}, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create config watcher", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		logger.Error("failed to watch config file", "path", path, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Trigger a reload on Write or Rename/Create (some editors do this).
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				logger.Info("config file changed", "event", event.Name)
				// Debounce: some editors write multiple times.
				select {
				case reloadCh <- struct{}{}:
				default:
					// already has a reload queued
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}

// run is the main execution function, separated from main() for testability.
// It sets up all components and runs them via errgroup.
func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	// Load and validate configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration from %s: %w", configPath, err)
	}

	// 1. Start the observability server (always runs).
	obsSrv := observability.NewServer(cfg.Observability.Addr, logger)
	defer obsSrv.SetReady(false)

	// 2. Initialize the applied-update journal.
	store, err := journal.NewFileStore(cfg.Journal.FilePath)
	if err != nil {
		return fmt.Errorf("initializing journal: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Start a periodic journal flush goroutine.
	flushCtx, flushCancel := context.WithCancel(ctx)
	defer flushCancel()
	go func() {
		ticker := time.NewTicker(cfg.Journal.FlushInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-flushCtx.Done():
				return
			case <-ticker.C:
				if err := store.Flush(); err != nil {
					logger.Error("journal flush failed", "error", err)
				}
			}
		}
	}()

	// 3. Initialize CICO authentication.
	auth, err := cico.NewAuthenticator(ctx, cfg.CICO, logger)
	if err != nil {
		return fmt.Errorf("initializing authenticator: %w", err)
	}
	defer auth.Close()

	// 4. Initialize the CICO grid client.
	var clientOpts []cico.ClientOption
	if cfg.CICO.RateLimitRPS > 0 {
		clientOpts = append(clientOpts, cico.WithRateLimiter(cfg.CICO.RateLimitRPS))
	}
	client := cico.NewClient(cfg.CICO, auth, logger, clientOpts...)
	defer client.Close()

	// 5. Initialize Kafka producer if needed (audit, or intake with DLQ).
	var producer *kafka.Producer
	if cfg.Audit.Enabled || (cfg.Intake.Enabled && cfg.Intake.DLQTopic != "") {
		var err error
		producer, err = kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("creating Kafka producer: %w", err)
		}
		defer producer.Close()
	}

	// 6. Initialize the audit publisher if enabled.
	var sink audit.Sink
	if cfg.Audit.Enabled {
		sink = audit.NewPublisher(cfg.Audit, producer, logger)
	}

	// 7. Use errgroup for coordinated goroutine lifecycle.
	g, gCtx := errgroup.WithContext(ctx)

	// Start observability server.
	g.Go(func() error {
		return obsSrv.Start(gCtx)
	})

	// 8. Start the check-in runner (CSV batch → CICO).
	if cfg.Checkin.Enabled {
		runner := checkin.NewRunner(cfg.Checkin, client, auth, store, sink, logger)
		oneShot := !cfg.Checkin.Watch && !cfg.Intake.Enabled
		g.Go(func() error {
			if err := runner.Run(gCtx); err != nil {
				return err
			}
			if oneShot {
				// Nothing long-running remains: wind down the group.
				return errRunComplete
			}
			return nil
		})
		logger.Info("check-in runner started",
			"grid", cfg.Checkin.Grid,
			"batch_file", cfg.Checkin.BatchFile,
			"watch", cfg.Checkin.Watch,
		)
	}

	// 9. Start the intake worker (Kafka → CICO).
	if cfg.Intake.Enabled {
		consumer, err := kafka.NewConsumer(
			cfg.Kafka,
			cfg.Intake.GroupID,
			[]string{cfg.Intake.Topic},
			logger,
		)
		if err != nil {
			return fmt.Errorf("creating Kafka consumer for topic %s: %w", cfg.Intake.Topic, err)
		}
		defer consumer.Close()

		worker := intake.NewWorker(cfg.Intake, client, auth, consumer, producer, sink, logger)
		g.Go(func() error {
			return worker.Run(gCtx)
		})
		logger.Info("intake worker started", "topic", cfg.Intake.Topic, "grid", cfg.Intake.Grid)
	}

	// Mark as ready — all components are initialized and running.
	obsSrv.SetReady(true)
	logger.Info("cicogrid is ready",
		"checkin_enabled", cfg.Checkin.Enabled,
		"intake_enabled", cfg.Intake.Enabled,
		"audit_enabled", cfg.Audit.Enabled,
		"observability_addr", cfg.Observability.Addr,
	)

	// Wait for all goroutines to complete (triggered by context cancellation
	// or one-shot completion).
	if err := g.Wait(); err != nil && err != context.Canceled && err != errRunComplete {
		return err
	}

	// Final journal flush on shutdown.
	logger.Info("performing final journal flush")
	if err := store.Flush(); err != nil {
		logger.Error("final journal flush failed", "error", err)
	}

	return nil
}
