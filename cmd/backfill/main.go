// Command backfill runs the ordering pipeline once, for one user or for every
// user with invoice lines, and prints an accuracy report per user.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/metrics"
	"github.com/ordering-engine/backend/internal/pipeline"
	"github.com/ordering-engine/backend/internal/storage/sqlite"
	"github.com/ordering-engine/backend/pkg/config"
	appLogger "github.com/ordering-engine/backend/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("backfill", pflag.ExitOnError)
	users := flags.StringSlice("user", nil, "user id to process (repeatable); all users when empty")
	report := flags.Bool("report", false, "print a forecast accuracy report per user after the run")
	flags.String("sqlite-path", "", "SQLite database path")
	flags.Int("concurrency", 0, "users processed in parallel")
	flags.Parse(os.Args[1:])

	v := viper.New()
	if f := flags.Lookup("sqlite-path"); f.Changed {
		v.Set("sqlite.path", f.Value.String())
	}
	if f := flags.Lookup("concurrency"); f.Changed {
		v.Set("pipeline.concurrency", f.Value.String())
	}

	cfg, err := config.LoadFrom(v)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	metrics.Init()

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := pipeline.NewService(db, nil, cfg.Pipeline, cfg.Forecast)

	targets := *users
	if len(targets) == 0 {
		targets, err = db.ListUserIDs(ctx)
		if err != nil {
			appLogger.Fatal("Failed to list users", zap.Error(err))
		}
	}

	start := time.Now()
	appLogger.Info("Backfill starting",
		zap.Int("users", len(targets)),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
	)

	runErr := svc.RunUsers(ctx, targets, cfg.Pipeline.Concurrency)

	if *report {
		for _, userID := range targets {
			r, err := svc.Accuracy(ctx, userID, 0)
			if err != nil {
				appLogger.Error("Failed to evaluate forecasts", zap.String("user_id", userID), zap.Error(err))
				continue
			}
			fmt.Print(r.String())
		}
	}

	if runErr != nil {
		appLogger.Error("Backfill finished with failures", zap.Error(runErr), zap.Duration("duration", time.Since(start)))
		os.Exit(1)
	}
	appLogger.Info("Backfill finished", zap.Duration("duration", time.Since(start)))
}
