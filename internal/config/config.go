package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the provider
type Config struct {
	LogLevel string
	AWS      AWSConfig
	Provider ProviderConfig
	Local    LocalConfig
}

// AWSConfig holds SDK settings
type AWSConfig struct {
	Region           string
	EndpointOverride string // e.g. http://localhost:4566 for localstack
}

// ProviderConfig holds custom resource handler settings
type ProviderConfig struct {
	IdempotencyTable string // empty disables retry deduplication
	IdempotencyTTL   time.Duration
	NotifyQueueURL   string // empty disables lifecycle notifications
	MetricsNamespace string // empty disables callback metrics
	CallbackTimeout  time.Duration
}

// LocalConfig holds settings for running outside Lambda
type LocalConfig struct {
	Enabled bool
	Addr    string
	SQSBody string // notification the auditor checks once in local mode
}

// Load loads configuration from environment variables and an optional .env file
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("IDEMPOTENCY_TTL", "48h")
	v.SetDefault("CALLBACK_TIMEOUT", "10s")
	v.SetDefault("RUN_LOCAL", false)
	v.SetDefault("LOCAL_ADDR", ":8080")

	cfg := &Config{
		LogLevel: v.GetString("LOG_LEVEL"),
		AWS: AWSConfig{
			Region:           v.GetString("AWS_REGION"),
			EndpointOverride: v.GetString("AWS_ENDPOINT_OVERRIDE"),
		},
		Provider: ProviderConfig{
			IdempotencyTable: v.GetString("IDEMPOTENCY_TABLE"),
			IdempotencyTTL:   v.GetDuration("IDEMPOTENCY_TTL"),
			NotifyQueueURL:   v.GetString("NOTIFY_QUEUE_URL"),
			MetricsNamespace: v.GetString("METRICS_NAMESPACE"),
			CallbackTimeout:  v.GetDuration("CALLBACK_TIMEOUT"),
		},
		Local: LocalConfig{
			Enabled: v.GetBool("RUN_LOCAL"),
			Addr:    v.GetString("LOCAL_ADDR"),
			SQSBody: v.GetString("LOCAL_SQS_BODY"),
		},
	}

	if cfg.Provider.CallbackTimeout <= 0 {
		return nil, fmt.Errorf("CALLBACK_TIMEOUT must be positive, got %s", cfg.Provider.CallbackTimeout)
	}
	if cfg.Provider.IdempotencyTable != "" && cfg.Provider.IdempotencyTTL <= 0 {
		return nil, fmt.Errorf("IDEMPOTENCY_TTL must be positive, got %s", cfg.Provider.IdempotencyTTL)
	}

	return cfg, nil
}
