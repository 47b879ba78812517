// Package main is the entry point for the paysync API server.
//
// It loads configuration, connects Postgres and the AWS clients, builds the
// payment-provider client, wires the billing services and HTTP handlers, and
// serves until a shutdown signal arrives.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"paysync/internal/api"
	"paysync/internal/api/handlers"
	"paysync/internal/auth"
	"paysync/internal/billing"
	"paysync/internal/config"
	"paysync/internal/core"
	"paysync/internal/db"
	"paysync/internal/external"
	"paysync/internal/observability"
	"paysync/internal/queue"
	"paysync/internal/types"
	"paysync/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("paysync API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	provider := external.NewProviderClient(
		&http.Client{Timeout: cfg.Billing.CallTimeout},
		external.ProviderClientConfig{
			SecretKey: cfg.Billing.ProviderSecretKey.Unmask(),
			BaseURL:   cfg.Billing.ProviderBaseURL,
			Logger:    logger,
		},
	)

	// Persistence.
	runner := db.NewPoolRunner(pool)
	owners := db.NewOwnerRepository(pool)
	subs := db.NewSubscriptionRepository(pool)
	apiKeys := db.NewAPIKeyRepository(pool)

	// Telemetry and notifications.
	metrics := observability.NewCollector(cwClient, cfg.AWS.MetricsNamespace, logger)
	notifier := queue.NewConfirmationNotifier(sqsClient, cfg.AWS, cfg.Server, logger)

	// Billing services.
	clock := types.RealClock{}
	subscriber := billing.NewSubscriber(owners, subs, provider, provider, logger)
	pauser := billing.NewPauseController(subs, provider, logger)
	stateSync := billing.NewStateSync(runner, clock, logger)

	// Webhook dispatch.
	eventHandlers := webhook.NewHandlers(stateSync, clock, logger)
	processor := webhook.NewProcessor(runner, eventHandlers.Table(), clock, metrics, logger)

	// HTTP surface.
	validator := core.NewValidator(logger)
	authService := auth.NewAPIKeyService(apiKeys, clock, logger)

	router := api.NewRouter(api.RouterDeps{
		Webhook:       handlers.NewWebhookHandler(processor, cfg.Billing, logger),
		Subscriptions: handlers.NewSubscriptionsHandler(owners, subs, subscriber, pauser, notifier, validator, clock, logger),
		Payments:      handlers.NewPaymentsHandler(provider, logger),
		Authenticator: authService,
		HealthProbes:  []core.HealthProbe{databaseProbe(pool)},
		Logger:        logger,
	})

	return serve(router, cfg, logger)
}

// databaseProbe reports Postgres connectivity for the health endpoint.
func databaseProbe(pool *pgxpool.Pool) core.HealthProbe {
	return core.ProbeFunc{
		ProbeName: "database",
		Fn: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}
}

// serve runs the HTTP server until a shutdown signal or listener error.
func serve(handler http.Handler, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
