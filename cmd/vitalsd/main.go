// vitalsd is the building telemetry storage daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildingvitals/vitals/internal/archive"
	"github.com/buildingvitals/vitals/internal/backfill"
	"github.com/buildingvitals/vitals/internal/coldstore"
	"github.com/buildingvitals/vitals/internal/config"
	"github.com/buildingvitals/vitals/internal/db"
	"github.com/buildingvitals/vitals/internal/hotstore"
	"github.com/buildingvitals/vitals/internal/ingest"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/query"
	"github.com/buildingvitals/vitals/internal/registry"
	"github.com/buildingvitals/vitals/internal/scheduler"
	"github.com/buildingvitals/vitals/internal/server"
	"github.com/buildingvitals/vitals/internal/statestore"
	"github.com/buildingvitals/vitals/internal/upstream"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	site := flag.String("site", "", "default site (overrides config)")
	noSchedule := flag.Bool("no-schedule", false, "disable the periodic workers")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *site != "" {
		cfg.DefaultSite = *site
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Create directories: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogJSON)
	logger := logging.Component("vitalsd")
	logger.Info("starting", "version", Version, "data_dir", cfg.DataDir, "site", cfg.DefaultSite)

	dbCfg := db.DefaultConfig()
	dbCfg.DSN = cfg.DatabasePath()
	database, err := db.Open(dbCfg)
	if err != nil {
		log.Fatalf("Open database: %v", err)
	}
	defer database.Close()

	state, err := statestore.New(database)
	if err != nil {
		log.Fatalf("Create state store: %v", err)
	}
	reg, err := registry.New(database)
	if err != nil {
		log.Fatalf("Create registry: %v", err)
	}
	hot, err := hotstore.New(database)
	if err != nil {
		log.Fatalf("Create hot store: %v", err)
	}
	cold, err := coldstore.New(cfg.ColdDir(), cfg.Cold.Compression, cfg.Cold.CompressionLevel)
	if err != nil {
		log.Fatalf("Create cold store: %v", err)
	}

	up := upstream.New(upstream.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         os.Getenv(cfg.Upstream.APIKeyEnv),
		PageSize:       cfg.Upstream.PageSize,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		MaxRetries:     cfg.Upstream.MaxRetries,
		RetryBaseDelay: cfg.Upstream.RetryBaseDelay,
	})

	syncWorker := ingest.New(ingest.Options{
		Interval:              cfg.Sync.Interval,
		LookbackBuffer:        cfg.Sync.LookbackBuffer,
		ChunkSize:             cfg.Sync.ChunkSize,
		MaxPages:              cfg.Sync.MaxPages,
		ChunkRetries:          cfg.Sync.ChunkRetries,
		Budget:                cfg.Sync.Budget,
		ExpectedSamplesPerDay: cfg.Backfill.ExpectedSamplesPerDay,
	}, up, reg, hot, state)

	archiveWorker := archive.New(archive.Options{
		BatchSize: cfg.Archive.BatchSize,
		Budget:    cfg.Archive.Budget,
	}, hot, cold, state)

	backfillWorker := backfill.New(backfill.Options{
		Throttle:              cfg.Backfill.Throttle,
		ExpectedSamplesPerDay: cfg.Backfill.ExpectedSamplesPerDay,
		QualityThreshold:      cfg.Backfill.QualityThreshold,
		HotRetention:          cfg.Hot.Retention,
		PageSize:              cfg.Upstream.PageSize,
		MaxPages:              cfg.Sync.MaxPages,
		Budget:                cfg.Backfill.Budget,
	}, up, reg, hot, cold, state)

	querySvc := query.New(query.Options{
		MaxRows:         cfg.Query.MaxRows,
		ColdConcurrency: cfg.Query.ColdConcurrency,
		Timeout:         cfg.Query.Timeout,
		HotRetention:    cfg.Hot.Retention,
		Accuracy:        cfg.Downsample.Accuracy,
	}, reg, hot, cold)

	srv := server.New(cfg.Server.Listen, server.Deps{
		Query:        querySvc,
		Archive:      archiveWorker,
		Backfill:     backfillWorker,
		Ingest:       syncWorker,
		Registry:     reg,
		DefaultSite:  cfg.DefaultSite,
		HotRetention: cfg.Hot.Retention,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sched *scheduler.Scheduler
	if !*noSchedule {
		sched = scheduler.New(scheduler.Options{
			SyncInterval:  cfg.Sync.Interval,
			HotRetention:  cfg.Hot.Retention,
			DefaultSite:   cfg.DefaultSite,
			StartupJitter: 5 * time.Second,
		}, syncWorker, archiveWorker, reg)
		sched.Start(ctx)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")

		cancel()
		if sched != nil {
			sched.Wait()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("server stop", "error", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}
