package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/joao-fontenele/checkout-engine/internal/catalog"
	"github.com/joao-fontenele/checkout-engine/internal/domain"
	"github.com/joao-fontenele/checkout-engine/internal/finalize"
	"github.com/joao-fontenele/checkout-engine/internal/messaging"
	"github.com/joao-fontenele/checkout-engine/internal/payload"
	"github.com/joao-fontenele/checkout-engine/internal/storage/postgres"
	"github.com/joao-fontenele/checkout-engine/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(context.Background(), "finalizer", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

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

	key, err := hex.DecodeString(os.Getenv("PAYLOAD_KEY"))
	if err != nil || len(key) == 0 {
		logger.Error("PAYLOAD_KEY environment variable is required (hex-encoded AES key)")
		os.Exit(1)
	}

	codec, err := payload.NewCodec(key)
	if err != nil {
		logger.Error("failed to create payload codec", "error", err)
		os.Exit(1)
	}

	var alerter finalize.Alerter
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		alerter = finalize.NewWebhookAlerter(url, "buy order finalization failed", &http.Client{Timeout: 10 * time.Second}, logger)
	} else {
		alerter = finalize.NewLogAlerter(logger)
	}

	repo := postgres.NewBuyOrderRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)
	accounts := postgres.NewAccountRepository(db)

	hooks := domain.HookRegistry{}
	for _, class := range strings.Split(os.Getenv("CONSUMABLE_CLASSES"), ",") {
		class = strings.TrimSpace(class)
		if class == "" {
			continue
		}
		hooks[class] = catalog.NewStockConsumer(class, catalogRepo, logger)
	}

	pipeline := finalize.NewPipeline(repo, accounts, hooks, nil, codec, alerter, logger)

	brokers := strings.Split(kafkaBrokers, ",")
	consumer := messaging.NewConsumer(brokers, messaging.TopicFinalize, "buyorder-finalizer")
	defer func() { _ = consumer.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting finalizer", "brokers", brokers, "hook_classes", len(hooks))

	if err := consumer.Consume(ctx, pipeline.Handle); err != nil {
		if ctx.Err() == context.Canceled {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
