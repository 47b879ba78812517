// Package main is the entry point for the paysync reconciler daemon.
//
// The reconciler periodically re-reads every non-terminal subscription from
// the payment provider and repairs local drift through the same serialized
// state-sync path the webhook handlers use, covering missed deliveries and
// out-of-band dashboard changes. It also prunes aged idempotency-ledger
// entries each pass.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"paysync/internal/billing"
	"paysync/internal/config"
	"paysync/internal/db"
	"paysync/internal/external"
	"paysync/internal/observability"
	"paysync/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("paysync reconciler starting",
		"environment", cfg.Environment,
		"interval", cfg.Reconciler.Interval.String(),
		"parallelism", cfg.Reconciler.Parallelism,
	)

	// Run until SIGINT/SIGTERM; the reconcile loop observes ctx between
	// batches and finishes the in-flight pass before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	metrics := observability.NewCollector(cwClient, cfg.AWS.MetricsNamespace, logger)

	provider := external.NewProviderClient(
		&http.Client{Timeout: cfg.Billing.CallTimeout},
		external.ProviderClientConfig{
			SecretKey: cfg.Billing.ProviderSecretKey.Unmask(),
			BaseURL:   cfg.Billing.ProviderBaseURL,
			Logger:    logger,
		},
	)

	runner := db.NewPoolRunner(pool)
	subs := db.NewSubscriptionRepository(pool)
	ledger := db.NewWebhookEventRepository(pool)
	stateSync := billing.NewStateSync(runner, types.RealClock{}, logger)

	reconciler := billing.NewReconciler(
		subs,
		ledger,
		provider,
		stateSync,
		metrics,
		billing.ReconcilerConfig{
			Interval:    cfg.Reconciler.Interval,
			Parallelism: cfg.Reconciler.Parallelism,
			BatchSize:   cfg.Reconciler.BatchSize,
		},
		logger,
	)

	if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reconcile loop: %w", err)
	}

	logger.Info("reconciler stopped cleanly")
	return nil
}

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

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
