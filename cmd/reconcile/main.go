package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"dhtlogger/config"
	"dhtlogger/log"
	"dhtlogger/services"

	"go.uber.org/zap"
)

var (
	repair  = flag.Bool("repair", false, "Copy missing rows into the sink that lacks them")
	timeout = flag.Duration("timeout", 2*time.Minute, "Overall time limit")
	verbose = flag.Bool("v", false, "Print every missing measurement")
	grace   = flag.Duration("grace", -1, "Ignore measurements younger than this (default RECONCILE_GRACE_SECONDS)")
)

func main() {
	flag.Parse()

	logger := log.GetInstance()
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.StoreBackend != config.BackendPostgres {
		logger.Fatal("Reconciliation needs the postgres store backend", zap.String("store_backend", cfg.StoreBackend))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := services.OpenDatabase(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	mirror, err := services.NewMirrorLog(cfg.MirrorLogPath)
	if err != nil {
		logger.Fatal("Failed to open mirror log", zap.Error(err))
	}

	if *grace < 0 {
		*grace = cfg.ReconcileGrace
	}
	reconciler := services.NewReconciler(services.NewPostgresMeasurementRepository(db), mirror, *grace, nil, logger)
	report, err := reconciler.Run(ctx, *repair)
	if err != nil {
		logger.Fatal("Reconciliation failed", zap.Error(err))
	}

	fmt.Printf("Missing in mirror log: %d\n", len(report.MissingInMirror))
	fmt.Printf("Missing in primary store: %d\n", len(report.MissingInPrimary))
	if n := len(report.SkippedMirrorRows); n > 0 {
		fmt.Printf("Unreadable mirror rows skipped: %d\n", n)
	}
	if *repair {
		fmt.Printf("Repaired: %d\n", report.Repaired)
	}
	if *verbose {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}

	if !report.Consistent() && !*repair {
		os.Exit(2)
	}
}
