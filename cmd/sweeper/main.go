package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/joao-fontenele/checkout-engine/internal/clock"
	"github.com/joao-fontenele/checkout-engine/internal/storage/postgres"
	"github.com/joao-fontenele/checkout-engine/internal/sweeper"
	"github.com/joao-fontenele/checkout-engine/internal/telemetry"
)

func main() {
	ttlMinutes := flag.Int("ttl", 0, "pending order lifetime in minutes (default 72h)")
	schedule := flag.String("schedule", "", "cron expression; when set the sweeper keeps running on this schedule instead of sweeping once")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	ttl := sweeper.DefaultTTL
	if *ttlMinutes > 0 {
		ttl = time.Duration(*ttlMinutes) * time.Minute
	}

	sw := sweeper.NewSweeper(postgres.NewBuyOrderRepository(db), clock.NewSystem(), logger)

	if *schedule == "" {
		// One-shot mode for external schedulers. The sweep absorbs its
		// own errors, so the exit code stays zero either way.
		sw.Sweep(context.Background(), ttl)
		return
	}

	runner := cron.New()
	_, err = runner.AddFunc(*schedule, func() {
		sw.Sweep(context.Background(), ttl)
	})
	if err != nil {
		logger.Error("invalid schedule", "schedule", *schedule, "error", err)
		os.Exit(1)
	}

	logger.Info("starting sweeper", "schedule", *schedule, "ttl", ttl.String())
	runner.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	<-runner.Stop().Done()
}
