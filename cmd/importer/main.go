package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/transitlive/tracker_core/internal/config"
	"github.com/transitlive/tracker_core/internal/db"
	"github.com/transitlive/tracker_core/internal/gtfs"
	"github.com/transitlive/tracker_core/internal/logging"
)

func main() {
	gtfsPath := flag.String("gtfs", "", "Path to GTFS ZIP file (required)")
	migrate := flag.Bool("migrate", false, "Apply the database schema before importing")
	dedupeThreshold := flag.Float64("dedupe-threshold", 0, "Merge stops closer than this many meters (0 disables)")

	flag.Parse()

	if *gtfsPath == "" {
		fmt.Println("Usage: tracker-import --gtfs=<path.zip> [--migrate] [--dedupe-threshold=0]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if _, err := os.Stat(*gtfsPath); os.IsNotExist(err) {
		log.Fatalf("GTFS file not found: %s", *gtfsPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.NewStructuredLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	ctx := context.Background()

	store, err := db.Open(ctx, cfg.DB.Driver, db.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		Database: cfg.DB.Name,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		SSLMode:  cfg.DB.SSLMode,
		MinConns: cfg.DB.MinConns,
		MaxConns: cfg.DB.MaxConns,
	}, cfg.DB.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	if *migrate {
		if m, ok := store.(db.Migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				log.Fatalf("Failed to apply schema: %v", err)
			}
			logger.Info("Schema applied")
		}
	}

	if err := runImport(ctx, store, *gtfsPath, *dedupeThreshold, logger); err != nil {
		logging.LogError(logger, "Import failed", err)
		os.Exit(1)
	}
	logger.Info("Import completed successfully!")
}

func runImport(ctx context.Context, store db.Store, gtfsPath string, dedupeThreshold float64, logger *slog.Logger) error {
	startTime := time.Now()

	logger.Info("Step 1/3: Parsing GTFS feed...", slog.String("file", gtfsPath))
	feed, err := gtfs.ParseZip(gtfsPath, logger)
	if err != nil {
		return fmt.Errorf("failed to parse GTFS: %w", err)
	}

	logger.Info("Step 2/3: Validating and cleaning stops...")
	feed.Stops = gtfs.ValidateAndCleanStops(feed.Stops, logger)
	if dedupeThreshold > 0 {
		var mapping map[string]string
		feed.Stops, mapping = gtfs.DeduplicateStops(feed.Stops, dedupeThreshold, logger)
		gtfs.RemapStopTimes(feed.StopTimes, mapping)
	}

	logger.Info("Step 3/3: Writing feed to the database...")
	stats, err := store.ImportFeed(ctx, feed)
	if err != nil {
		return fmt.Errorf("failed to import feed: %w", err)
	}

	logger.Info("Feed imported",
		slog.String("stats", stats.String()),
		slog.Duration("duration", time.Since(startTime)))
	return nil
}
