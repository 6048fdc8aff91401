package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/transitlive/tracker_core/internal/cache"
	"github.com/transitlive/tracker_core/internal/config"
	"github.com/transitlive/tracker_core/internal/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fmt.Printf("🔗 Testing %s connection...\n", cfg.DB.Driver)
	if cfg.DB.Driver == db.DriverSQLite {
		fmt.Printf("   Path: %s\n\n", cfg.DB.SQLitePath)
	} else {
		fmt.Printf("   Host: %s:%d\n", cfg.DB.Host, cfg.DB.Port)
		fmt.Printf("   User: %s\n", cfg.DB.User)
		fmt.Printf("   Database: %s\n\n", cfg.DB.Name)
	}

	store, err := db.Open(ctx, cfg.DB.Driver, db.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		Database: cfg.DB.Name,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		SSLMode:  cfg.DB.SSLMode,
		MinConns: 1,
		MaxConns: 2,
	}, cfg.DB.SQLitePath)
	if err != nil {
		log.Fatalf("❌ Failed to connect: %v\n", err)
	}
	defer store.Close()
	fmt.Println("✅ Database connection successful!")

	routes, err := store.ListRoutes(ctx)
	if err != nil {
		fmt.Printf("⚠️  Could not list routes: %v\n", err)
		fmt.Println("   → Run the importer with --migrate to create the schema")
	} else if len(routes) == 0 {
		fmt.Println("   (no routes found - import a GTFS feed)")
	} else {
		fmt.Printf("   Routes loaded: %d\n", len(routes))
	}

	fmt.Println()
	if cfg.Cache.Backend == "memory" {
		fmt.Println("ℹ️  Cache backend is in-process memory, nothing to check")
	} else {
		fmt.Printf("🔗 Testing Redis at %s:%d...\n", cfg.Cache.RedisHost, cfg.Cache.RedisPort)
		rc, err := cache.NewRedis(ctx, cache.RedisConfig{
			Host:     cfg.Cache.RedisHost,
			Port:     cfg.Cache.RedisPort,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			TLS:      cfg.Cache.RedisTLS,
		})
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v\n", err)
		}
		defer rc.Close()
		fmt.Println("✅ Redis connection successful!")
	}

	if cfg.NATS.URL != "" {
		fmt.Printf("\n🔗 Testing NATS at %s...\n", cfg.NATS.URL)
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("tracker-check-connection"), nats.Timeout(5*time.Second))
		if err != nil {
			log.Fatalf("❌ Failed to connect to NATS: %v\n", err)
		}
		defer nc.Close()
		if err := nc.FlushTimeout(5 * time.Second); err != nil {
			log.Fatalf("❌ NATS flush failed: %v\n", err)
		}
		fmt.Printf("✅ NATS connection successful! (server %s)\n", nc.ConnectedServerVersion())
	}

	fmt.Println("\n✅ Connection test completed successfully!")
}
