// Package config loads launch parameters from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// State backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all launch parameters.
type Config struct {
	// Server
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// CORSAllowedOrigins lists browser origins allowed to call the API.
	CORSAllowedOrigins []string

	// Reference data
	GeoReferencePath string

	// Card state store
	StateBackend  string
	RedisAddrs    []string // more than one address selects a cluster client
	RedisPassword string
	RedisDB       int

	// Ledger in Postgres when set; required for the postgres state backend.
	DatabaseURL string

	// Feed. Ingestion is disabled when KafkaBroker is empty.
	KafkaBroker          string
	KafkaTopic           string
	KafkaGroupID         string
	KafkaVerdictTopic    string
	KafkaDeadLetterTopic string
	BatchSize            int
	BatchWindow          time.Duration

	// Scoring
	BatchConcurrency    int
	StoreTimeout        time.Duration
	StoreRetryAttempts  int
	StoreRetryBaseDelay time.Duration
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Reconciliation re-applies recent genuine ledger records to card
	// state. Zero interval disables it.
	ReconcileInterval time.Duration
	ReconcileLookback time.Duration

	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultRedisAddr           = "localhost:6379"
	DefaultBatchSize           = 500
	DefaultBatchWindow         = time.Second
	DefaultBatchConcurrency    = 16
	DefaultStoreTimeout        = 2 * time.Second
	DefaultStoreRetryAttempts  = 3
	DefaultStoreRetryBaseDelay = 50 * time.Millisecond
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultReconcileLookback   = time.Hour
)

// Load reads configuration from the environment, after loading a .env
// file if one is present, and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSAllowedOrigins:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		GeoReferencePath:     os.Getenv("GEO_REFERENCE_PATH"),
		StateBackend:         strings.ToLower(getEnv("STATE_BACKEND", BackendMemory)),
		RedisAddrs:           splitList(getEnv("REDIS_ADDR", DefaultRedisAddr)),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getEnvInt("REDIS_DB", 0, &errs),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		KafkaBroker:          os.Getenv("KAFKA_BROKER"),
		KafkaTopic:           os.Getenv("KAFKA_TOPIC"),
		KafkaGroupID:         os.Getenv("KAFKA_GROUP_ID"),
		KafkaVerdictTopic:    os.Getenv("KAFKA_VERDICT_TOPIC"),
		KafkaDeadLetterTopic: os.Getenv("KAFKA_DEAD_LETTER_TOPIC"),
		BatchSize:            getEnvInt("BATCH_SIZE", DefaultBatchSize, &errs),
		BatchWindow:          getEnvDuration("BATCH_WINDOW", DefaultBatchWindow, &errs),
		BatchConcurrency:     getEnvInt("BATCH_CONCURRENCY", DefaultBatchConcurrency, &errs),
		StoreTimeout:         getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout, &errs),
		StoreRetryAttempts:   getEnvInt("STORE_RETRY_ATTEMPTS", DefaultStoreRetryAttempts, &errs),
		StoreRetryBaseDelay:  getEnvDuration("STORE_RETRY_BASE_DELAY", DefaultStoreRetryBaseDelay, &errs),
		BreakerThreshold:     getEnvInt("BREAKER_THRESHOLD", DefaultBreakerThreshold, &errs),
		BreakerOpenDuration:  getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration, &errs),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval, &errs),
		ReconcileLookback:    getEnvDuration("RECONCILE_LOOKBACK", DefaultReconcileLookback, &errs),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent parameter at once.
func (c *Config) Validate() error {
	var errs []error

	if c.GeoReferencePath == "" {
		errs = append(errs, errors.New("GEO_REFERENCE_PATH is required"))
	}

	switch c.StateBackend {
	case BackendMemory:
	case BackendRedis:
		if len(c.RedisAddrs) == 0 {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis state backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres state backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STATE_BACKEND must be one of memory, redis, postgres (got %q)", c.StateBackend))
	}

	if c.KafkaBroker != "" {
		if c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKER is set"))
		}
		if c.KafkaGroupID == "" {
			errs = append(errs, errors.New("KAFKA_GROUP_ID is required when KAFKA_BROKER is set"))
		}
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.BatchWindow <= 0 {
		errs = append(errs, errors.New("BATCH_WINDOW must be positive"))
	}
	if c.BatchConcurrency <= 0 {
		errs = append(errs, errors.New("BATCH_CONCURRENCY must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.StoreRetryAttempts <= 0 {
		errs = append(errs, errors.New("STORE_RETRY_ATTEMPTS must be positive"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	if c.ReconcileInterval > 0 && c.ReconcileLookback <= 0 {
		errs = append(errs, errors.New("RECONCILE_LOOKBACK must be positive when reconciliation is enabled"))
	}

	return errors.Join(errs...)
}

// IngestionEnabled reports whether a feed is configured.
func (c *Config) IngestionEnabled() bool {
	return c.KafkaBroker != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return i
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
