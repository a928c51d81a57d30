package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/pixelarr/internal/api"
	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/config"
	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/detector"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/eventbus"
	"github.com/mescon/pixelarr/internal/fingerprint"
	"github.com/mescon/pixelarr/internal/logger"
	"github.com/mescon/pixelarr/internal/metrics"
	"github.com/mescon/pixelarr/internal/notifier"
	"github.com/mescon/pixelarr/internal/services"
)

func main() {
	// Command line flags override environment variables and the config file.
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	flagConfig := flag.String("config", "", "YAML config file overlaid on the environment (env: PIXELARR_CONFIG_FILE)")
	flagPort := flag.String("port", "", "HTTP server port (env: PIXELARR_PORT, default: 3095)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: PIXELARR_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: PIXELARR_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: PIXELARR_DATABASE_PATH)")
	flagMediaRoots := flag.String("media-roots", "", "Comma-separated default scan roots (env: PIXELARR_MEDIA_ROOTS, default: /media)")
	flagWorkers := flag.Int("workers", 0, "Concurrent detector calls per operation (env: PIXELARR_WORKERS, default: 4)")
	flagFileTimeout := flag.Duration("file-timeout", 0, "Time limit for one file check (env: PIXELARR_FILE_TIMEOUT, default: 5m)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep events and reports, 0 to disable pruning (env: PIXELARR_RETENTION_DAYS, default: 90)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("pixelarr %s\n", config.Version)
		os.Exit(0)
	}

	if *flagConfig != "" {
		_ = os.Setenv("PIXELARR_CONFIG_FILE", *flagConfig)
	}
	if _, err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.ApplyFlags(config.FlagOverrides{
		Port:         flagPort,
		LogLevel:     flagLogLevel,
		DataDir:      flagDataDir,
		DatabasePath: flagDatabasePath,
		MediaRoots:   flagMediaRoots,
		Workers:      flagWorkers,
		FileTimeout:  flagFileTimeout,
		Retention:    flagRetentionDays,
	})
	cfg := config.Get()

	logger.SetLevel(cfg.LogLevel)
	if err := logger.Init(cfg.LogDir, logger.DefaultRotation); err != nil {
		logger.Errorf("Failed to initialize file logging, continuing on stdout: %v", err)
	}
	defer logger.Close()

	logger.Infof("========================================")
	logger.Infof("Starting pixelarr %s...", config.Version)
	logger.Infof("========================================")
	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Media Roots: %v", cfg.MediaRoots)
	logger.Infof("  Workers: %d, file timeout %s, thorough: %t", cfg.Workers, cfg.FileTimeout, cfg.ThoroughCheck)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}

	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Database initialized successfully")

	if backupPath, err := repo.Backup(); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("✓ Database backup created: %s", backupPath)
	}
	stopCheckpoint := repo.StartPeriodicCheckpoint(5 * time.Minute)

	// Daily maintenance and periodic backups run on their own cron, apart
	// from the operation scheduler.
	housekeeping := cron.New()
	retentionDays := cfg.RetentionDays
	if _, err := housekeeping.AddFunc("0 3 * * *", func() {
		if err := repo.RunMaintenance(retentionDays); err != nil {
			logger.Errorf("Scheduled maintenance failed: %v", err)
		}
	}); err != nil {
		logger.Errorf("Failed to schedule maintenance: %v", err)
	}
	if _, err := housekeeping.AddFunc("@every 6h", func() {
		if _, err := repo.Backup(); err != nil {
			logger.Errorf("Scheduled backup failed: %v", err)
		}
	}); err != nil {
		logger.Errorf("Failed to schedule backups: %v", err)
	}
	housekeeping.Start()

	logger.Infof("Initializing Event Bus...")
	eb := eventbus.NewEventBus(repo.DB)
	logger.Infof("✓ Event Bus initialized")

	metricsService := metrics.NewMetricsService(eb, repo)
	metricsService.Start()
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	paths := detector.Paths{FFprobe: cfg.FFprobePath, FFmpeg: cfg.FFmpegPath, Magick: cfg.MagickPath}
	tools := detector.NewToolChecker(paths)
	toolCtx, toolCancel := context.WithTimeout(context.Background(), 15*time.Second)
	for name, st := range tools.CheckAll(toolCtx) {
		if st.Available {
			logger.Infof("✓ %s %s (%s)", name, st.Version, st.Path)
		} else if st.Required {
			logger.Errorf("✗ %s not found: %s", name, st.Description)
		} else {
			logger.Warnf("⚠ %s not found (optional): %s", name, st.Description)
		}
	}
	toolCancel()

	det := detector.NewCmdDetector(paths, cfg.ThoroughCheck, clock.NewRealClock())
	hasher := fingerprint.NewHasher(cfg.HashCacheSize, cfg.HashCacheTTL)
	operations := services.NewOperationService(repo, eb, det, hasher, nil, services.SettingsFromConfig(cfg))
	logger.Infof("✓ Operation Service (scan, cleanup, file-change check)")

	schedulerService := services.NewSchedulerService(repo, operations, eb, nil, cfg.SchedulerTick)
	if err := schedulerService.EnsureDefaultSchedules(context.Background(), map[domain.OperationKind]string{
		domain.KindScan:        cfg.ScanSchedule,
		domain.KindCleanup:     cfg.CleanupSchedule,
		domain.KindFileChanges: cfg.FileChangesSchedule,
	}); err != nil {
		logger.Errorf("Failed to apply configured schedules: %v", err)
	}
	schedulerService.Start()

	events := append([]domain.EventType(nil), notifier.DefaultEvents...)
	if cfg.NotifyOnSuccess {
		events = append(events, domain.OperationCancelled)
	}
	notifierService, err := notifier.NewNotifier(eb, notifier.Options{
		URLs:       cfg.NotifyURLs,
		Events:     events,
		Throttle:   cfg.NotifyThrottle,
		QuietClean: !cfg.NotifyOnSuccess,
	})
	if err != nil {
		// Non-fatal - continue without notifications
		logger.Errorf("Failed to start notification service: %v", err)
	} else if notifierService.Enabled() {
		notifierService.Start()
		logger.Infof("✓ Notification Service (%d targets)", len(cfg.NotifyURLs))
	}

	logger.Infof("Initializing REST API and WebSocket server...")
	apiServer := api.NewRESTServer(api.ServerDeps{
		Repo:       repo,
		Events:     eb,
		Operations: operations,
		Scheduler:  schedulerService,
		Metrics:    metricsService,
		Tools:      tools,
	})
	go func() {
		if err := apiServer.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ pixelarr %s started, listening on port %s", config.Version, cfg.Port)
	logger.Infof("========================================")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Reverse order of startup.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	}
	schedulerService.Stop()
	<-housekeeping.Stop().Done()

	logger.Infof("Stopping active operation...")
	if err := operations.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Operation did not stop cleanly: %v", err)
	}
	if notifierService != nil {
		notifierService.Stop()
	}
	eb.Shutdown()
	stopCheckpoint()

	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	} else {
		logger.Infof("✓ Database connection closed")
	}
	logger.Infof("✓ pixelarr shutdown complete")
}
