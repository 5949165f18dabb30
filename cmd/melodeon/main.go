package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"melodeon/internal/catalog"
	"melodeon/internal/config"
	"melodeon/internal/metadata"
	"melodeon/internal/scanner"
	"melodeon/pkg/models"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// .env is optional; it can override the config path for deployments
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Debug("No .env file loaded")
	}
	configPath := os.Getenv("MELODEON_CONFIG")
	if configPath == "" {
		configPath = "./config.toml"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	applyLogging(logger, cfg.Logging)

	// Open the catalog store
	store, err := catalog.Open(cfg.Database.Path, catalog.Options{
		Logger: logger,
		Generator: metadata.SafeGenerator{
			Inner:  metadata.DefaultGenerator{},
			Logger: logger,
		},
		SearchBatchSize:  cfg.Search.BatchSize,
		PartialThreshold: cfg.Search.PartialThreshold,
	})
	if err != nil {
		logger.WithError(err).Fatal("Error opening catalog store")
	}
	defer store.Close()

	// Register configured library roots
	ctx := context.Background()
	for _, root := range cfg.Library.Roots {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			logger.WithField("root", root).Fatal("Library directory does not exist. Please create it and add your media files.")
		}
		if _, err := store.AddLibraryPath(ctx, root); err != nil {
			logger.WithError(err).WithField("root", root).Fatal("Error registering library path")
		}
	}

	extractor := metadata.NewExtractor(cfg.Library.SupportedFormats, logger)
	sc := scanner.New(store, extractor, scanner.Options{
		Logger:      logger,
		Workers:     cfg.Library.ScanWorkers,
		UpdateBatch: cfg.Library.UpdateBatch,
	})

	// Scan the media library
	if cfg.Library.ScanOnStartup {
		if err := sc.ScanAll(ctx); err != nil {
			logger.WithError(err).Fatal("Error scanning media library")
		}
		if count, err := store.CountTracks(models.LibrarySource(models.SortTitle)); err != nil {
			logger.WithError(err).Warn("Could not get track count")
		} else if count == 0 {
			logger.WithField("supported_formats", cfg.Library.SupportedFormats).
				Warn("No supported media files found in library directories")
		} else {
			logger.WithField("tracks", count).Info("Media library ready")
		}
	}

	// Watch for file changes
	var watcher *scanner.Watcher
	if cfg.Library.WatchForChanges {
		roots, err := store.LibraryPaths()
		if err != nil {
			logger.WithError(err).Fatal("Error listing library paths")
		}
		watcher, err = scanner.NewWatcher(sc, roots)
		if err != nil {
			logger.WithError(err).Warn("Could not create file watcher")
		} else if err := watcher.Start(); err != nil {
			logger.WithError(err).Warn("Could not start file watcher")
			watcher = nil
		}
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal")
	if watcher != nil {
		watcher.Stop()
	}
}

// applyLogging configures the logger from the logging section.
func applyLogging(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.WithError(err).Warn("Could not open log file, using stderr")
		} else {
			logger.SetOutput(f)
		}
	}
}
