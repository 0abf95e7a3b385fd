// Package config loads application configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Provide(Load)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint    string
	MetricsEnabled  bool
	MetricsProtocol string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Worker    WorkerConfig
	RateLimit RateLimitConfig
}

// WorkerConfig tunes the job worker pool.
type WorkerConfig struct {
	PoolSize          int
	QueueDepth        int
	UsageTimeoutSec   int
	InvoiceTimeoutSec int
	PaymentTimeoutSec int
}

// RateLimitConfig tunes the redis token bucket guarding usage ingest.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	IngestOrgRate float64
	IngestBurst   int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "tally"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		MetricsEnabled:  getenvBool("METRICS_ENABLED", false),
		MetricsProtocol: strings.ToLower(getenv("METRICS_PROTOCOL", "grpc")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Worker: WorkerConfig{
			PoolSize:          getenvInt("WORKER_POOL_SIZE", 4),
			QueueDepth:        getenvInt("WORKER_QUEUE_DEPTH", 256),
			UsageTimeoutSec:   getenvInt("WORKER_USAGE_TIMEOUT", 60),
			InvoiceTimeoutSec: getenvInt("WORKER_INVOICE_TIMEOUT", 120),
			PaymentTimeoutSec: getenvInt("WORKER_PAYMENT_TIMEOUT", 30),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			IngestOrgRate: getenvFloat("RATE_LIMIT_INGEST_ORG_RATE", 100),
			IngestBurst:   getenvInt("RATE_LIMIT_INGEST_ORG_BURST", 200),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
