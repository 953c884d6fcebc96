package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/checkout-engine/internal/checkout"
	"github.com/joao-fontenele/checkout-engine/internal/clock"
	"github.com/joao-fontenele/checkout-engine/internal/messaging"
	"github.com/joao-fontenele/checkout-engine/internal/payload"
	"github.com/joao-fontenele/checkout-engine/internal/storage/postgres"
	"github.com/joao-fontenele/checkout-engine/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "checkout", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("checkout", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

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

	var dispatcher checkout.Dispatcher
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		producer := messaging.NewProducer(brokers, messaging.TopicFinalize)
		defer func() { _ = producer.Close() }()
		dispatcher = checkout.NewKafkaDispatcher(codec, producer)
	}

	repo := postgres.NewBuyOrderRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)
	clk := clock.NewSystem()

	var opts []checkout.ServiceOption
	if maxQty := os.Getenv("MAX_QUANTITY_PER_CHECKOUT"); maxQty != "" {
		n, err := strconv.Atoi(maxQty)
		if err != nil {
			logger.Error("invalid MAX_QUANTITY_PER_CHECKOUT", "error", err)
			os.Exit(1)
		}
		opts = append(opts, checkout.WithMaxQuantity(n))
	}
	if codeLength := os.Getenv("CODE_LENGTH"); codeLength != "" {
		n, err := strconv.Atoi(codeLength)
		if err != nil {
			logger.Error("invalid CODE_LENGTH", "error", err)
			os.Exit(1)
		}
		opts = append(opts, checkout.WithCodeLength(n))
	}
	if currency := os.Getenv("DEFAULT_CURRENCY"); currency != "" {
		opts = append(opts, checkout.WithDefaultCurrency(currency))
	}
	if os.Getenv("STRICT_RESERVATIONS") == "true" {
		opts = append(opts, checkout.WithStrictReservations())
	}

	service := checkout.NewService(repo, catalogRepo, clk, logger, opts...)

	allowSkipPayment := os.Getenv("ENVIRONMENT") != "production"
	handler := checkout.NewHandler(service, repo, dispatcher, clk, logger, allowSkipPayment)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(handler.HandleSubmit))
	mux.HandleFunc("GET /checkout/{code}", telemetry.WithHTTPRoute(handler.HandleGet))
	mux.HandleFunc("POST /checkout/{code}/confirm", telemetry.WithHTTPRoute(handler.HandleConfirm))
	mux.HandleFunc("POST /checkout/{code}/fail", telemetry.WithHTTPRoute(handler.HandleFail))
	mux.HandleFunc("POST /checkout/{code}/skip-payment", telemetry.WithHTTPRoute(handler.HandleSkipPayment))
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "checkout",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting checkout service", "port", port, "skip_payment_enabled", allowSkipPayment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
