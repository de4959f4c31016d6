// Package config loads the server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults for the ingestion-storage-query core.
const (
	DefaultMaxMetricCardinality = 1000
	DefaultRetentionSeconds     = 1800
	DefaultMaxRequestBytes      = 16 << 20  // 16 MiB
	DefaultMaxStoreBytes        = 256 << 20 // 256 MiB
	DefaultRequestTimeout       = 30 * time.Second
)

// Config holds every tunable of the core process.
type Config struct {
	// OTLP ingestion endpoints.
	OTLPGRPCAddr string
	OTLPHTTPAddr string

	// Query API endpoint.
	APIAddr string

	// OpAMP control plane.
	OpAMPPort           string
	OpAMPHTTPPort       string
	CollectorConfigPath string

	// Storage.
	StorageBackend       string // "memory" or "redis"
	RedisAddr            string
	Retention            time.Duration
	MaxMetricCardinality int
	MaxStoreBytes        int64

	// Ingestion policies.
	MaxRequestBytes int64

	// SelfServiceName is the core's own service identity; its telemetry is
	// filtered out of public query responses.
	SelfServiceName string

	LogLevel string
}

// Load reads the configuration from the environment, applying defaults.
func Load() Config {
	retention := getEnvInt("RETENTION_SECONDS", 0)
	if retention == 0 {
		// REDIS_TTL is the legacy name for the same knob.
		retention = getEnvInt("REDIS_TTL", DefaultRetentionSeconds)
	}

	return Config{
		OTLPGRPCAddr:         getEnv("OTLP_GRPC_ADDR", "0.0.0.0:4343"),
		OTLPHTTPAddr:         getEnv("OTLP_HTTP_ADDR", "0.0.0.0:4318"),
		APIAddr:              getEnv("API_ADDR", "0.0.0.0:5005"),
		OpAMPPort:            getEnv("OPAMP_PORT", "4320"),
		OpAMPHTTPPort:        getEnv("HTTP_PORT", "4321"),
		CollectorConfigPath:  os.Getenv("COLLECTOR_CONFIG_PATH"),
		StorageBackend:       getEnv("STORAGE_BACKEND", "memory"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		Retention:            time.Duration(retention) * time.Second,
		MaxMetricCardinality: getEnvInt("MAX_METRIC_CARDINALITY", DefaultMaxMetricCardinality),
		MaxStoreBytes:        getEnvInt64("MAX_STORE_BYTES", DefaultMaxStoreBytes),
		MaxRequestBytes:      getEnvInt64("MAX_REQUEST_BYTES", DefaultMaxRequestBytes),
		SelfServiceName:      getEnv("SELF_SERVICE_NAME", "tinyolly"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvInt64 gets a 64-bit integer environment variable with a default fallback.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
