// Package config assembles the typed runtime configuration from the env layer.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/env"
)

// Config is the full runtime configuration of the service.
type Config struct {
	AppHost string
	AppPort string

	StripeSecretKey     string
	StripeWebhookSecret string

	JobQueueWorkers  int
	ReconcileCron    string
	ReconcileEnabled bool

	OpsAPIKey       string
	PendingEventAge time.Duration

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	RentProductID      string
	RentCurrency       string
	// DaysUntilDue is used for invoices that are not charged automatically.
	DaysUntilDue int64

	Archive ArchiveConfig
}

// ArchiveConfig configures the S3 archive of raw webhook payloads.
type ArchiveConfig struct {
	Enabled         bool
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
}

// Load reads the configuration and validates required keys.
func Load() (*Config, error) {
	cfg := &Config{
		AppHost: env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort: env.GetEnv("APP_PORT", "8080"),

		StripeSecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),

		JobQueueWorkers:  env.GetEnvInt("JOBQUEUE_WORKERS", 3),
		ReconcileCron:    env.GetEnv("RECONCILE_CRON", "0 3 * * *"),
		ReconcileEnabled: env.GetEnvBool("RECONCILE_ENABLED", true),

		OpsAPIKey:       env.GetEnv("OPS_API_KEY", ""),
		PendingEventAge: env.GetEnvDuration("PENDING_EVENT_AGE", 15*time.Minute),

		CheckoutSuccessURL: env.GetEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:  env.GetEnv("CHECKOUT_CANCEL_URL", ""),
		RentProductID:      env.GetEnv("RENT_PRODUCT_ID", ""),
		RentCurrency:       env.GetEnv("RENT_CURRENCY", "usd"),
		DaysUntilDue:       int64(env.GetEnvInt("INVOICE_DAYS_UNTIL_DUE", 7)),

		Archive: ArchiveConfig{
			Enabled:         env.GetEnvBool("ARCHIVE_ENABLED", false),
			AccessKeyID:     env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("ARCHIVE_S3_REGION", "us-east-1"),
			BucketName:      env.GetEnv("ARCHIVE_S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", ""),
			Prefix:          env.GetEnv("ARCHIVE_S3_PREFIX", "webhooks"),
		},
	}

	if cfg.StripeSecretKey == "" {
		return nil, errors.New("STRIPE_SECRET_KEY is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	if cfg.OpsAPIKey == "" {
		return nil, errors.New("OPS_API_KEY is required")
	}
	if cfg.JobQueueWorkers < 1 {
		return nil, fmt.Errorf("JOBQUEUE_WORKERS must be at least 1, got %d", cfg.JobQueueWorkers)
	}

	// Validate required fields if the archive is enabled
	if cfg.Archive.Enabled {
		if cfg.Archive.AccessKeyID == "" {
			return nil, errors.New("ARCHIVE_S3_ACCESS_KEY_ID is required when the archive is enabled")
		}
		if cfg.Archive.SecretAccessKey == "" {
			return nil, errors.New("ARCHIVE_S3_SECRET_ACCESS_KEY is required when the archive is enabled")
		}
		if cfg.Archive.BucketName == "" {
			return nil, errors.New("ARCHIVE_S3_BUCKET_NAME is required when the archive is enabled")
		}
	}

	return cfg, nil
}

// ListenAddr is the fiber listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.AppHost, c.AppPort)
}
