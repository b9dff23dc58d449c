// Package config loads server configuration env-first, with a YAML
// deployment profile for the tuning knobs that change per environment.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Persistence. SQLitePath selects the embedded intent store;
	// DatabaseURL (Postgres) backs the idempotency table. Both empty
	// runs fully in memory.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr switches the rate gate and velocity counters to Redis.
	RedisAddr string

	// Kafka relay for lifecycle events. No brokers, no relay.
	KafkaBrokers []string
	KafkaTopic   string

	// JWTSecret verifies API bearer tokens.
	JWTSecret string

	// WebhookMasterSecret seeds per-subscription HKDF secret derivation.
	// Webhook dispatch is disabled without it.
	WebhookMasterSecret string

	// SettlementURL points at the settlement collaborator. Empty selects
	// the approving stub (dev mode).
	SettlementURL     string
	SettlementTimeout time.Duration

	// ActionRedirectURL is the base URL challenge redirects point at.
	ActionRedirectURL string

	ProcessingTimeout time.Duration
	ActionTimeout     time.Duration
	SweepInterval     time.Duration

	// RulesetPath points at a YAML risk ruleset; empty uses the built-in
	// default rules.
	RulesetPath string

	// ProfilePath points at the deployment profile YAML.
	ProfilePath string

	// OpenTelemetry export.
	OTLPEndpoint string
	OTelEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                getenv("PORT", "8080"),
		LogLevel:            getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          os.Getenv("SQLITE_PATH"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		KafkaTopic:          getenv("KAFKA_TOPIC", "keel.payment-events"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		WebhookMasterSecret: os.Getenv("WEBHOOK_MASTER_SECRET"),
		SettlementURL:       os.Getenv("SETTLEMENT_URL"),
		SettlementTimeout:   getduration("SETTLEMENT_TIMEOUT", 10*time.Second),
		ActionRedirectURL:   getenv("ACTION_REDIRECT_URL", "https://pay.keelpay.dev/complete"),
		ProcessingTimeout:   getduration("PROCESSING_TIMEOUT", 2*time.Minute),
		ActionTimeout:       getduration("ACTION_TIMEOUT", 30*time.Minute),
		SweepInterval:       getduration("SWEEP_INTERVAL", 15*time.Second),
		RulesetPath:         os.Getenv("RISK_RULESET_PATH"),
		ProfilePath:         os.Getenv("DEPLOY_PROFILE_PATH"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
		OTelEnabled:         os.Getenv("OTEL_ENABLED") == "true",
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
