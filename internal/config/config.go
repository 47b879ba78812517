// Package config defines the global configuration structure for the paysync
// platform. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"paysync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the paysync platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"paysync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server     ServerConfig
	Database   DatabaseConfig
	Billing    BillingConfig
	AWS        AWSConfig
	Reconciler ReconcilerConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public base URL used to build confirmation links embedded in
	// notifications (no trailing slash), e.g. https://billing.example.com
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider credentials and webhook settings.
//
// WebhookSecret may be left empty in local development only: an empty secret
// disables signature verification entirely, which the webhook endpoint logs
// loudly at startup.
type BillingConfig struct {
	ProviderSecretKey SecretString `envconfig:"PROVIDER_SECRET_KEY" validate:"required"`
	WebhookSecret     SecretString `envconfig:"PROVIDER_WEBHOOK_SECRET"`

	// WebhookTolerance bounds replay risk: events whose signed timestamp
	// deviates from local time by more than this window are rejected.
	WebhookTolerance time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"300s"`

	// ProviderBaseURL overrides the provider API endpoint for testing.
	ProviderBaseURL string `envconfig:"PROVIDER_BASE_URL"`

	// CallTimeout is the HTTP timeout for synchronous provider calls.
	CallTimeout time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT" default:"20s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// NotificationQueue receives confirmation-notification jobs consumed
	// by the external email worker.
	NotificationQueue string `envconfig:"SQS_NOTIFICATIONS" validate:"required,url"`

	// MetricsNamespace is the CloudWatch namespace for telemetry.
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"Paysync"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ReconcilerConfig tunes the periodic drift-repair daemon.
type ReconcilerConfig struct {
	Interval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15m"`
	Parallelism int           `envconfig:"RECONCILE_PARALLELISM" default:"4"`
	BatchSize   int           `envconfig:"RECONCILE_BATCH_SIZE" default:"200"`
}
