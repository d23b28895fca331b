package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "eventrelay.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("EVENTRELAY_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "EVENTRELAY_PORT")
	setString(&cfg.Server.CORSOrigin, "EVENTRELAY_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "EVENTRELAY_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "EVENTRELAY_SHUTDOWN_TIMEOUT")

	setString(&cfg.Logging.Level, "EVENTRELAY_LOG_LEVEL")
	setString(&cfg.Logging.Format, "EVENTRELAY_LOG_FORMAT")
	setString(&cfg.Logging.Service, "EVENTRELAY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "EVENTRELAY_LOG_ASYNC")

	// Event log
	setString(&cfg.Log.Backend, "EVENTRELAY_LOG_BACKEND")
	setInt64(&cfg.Log.MaxLen, "EVENTRELAY_LOG_MAX_LEN")
	setInt(&cfg.Log.TrimEvery, "EVENTRELAY_LOG_TRIM_EVERY")

	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Redis.Key, "EVENTRELAY_REDIS_KEY")
	setDuration(&cfg.Redis.PingInterval, "EVENTRELAY_REDIS_PING_INTERVAL")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "EVENTRELAY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "EVENTRELAY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "EVENTRELAY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "EVENTRELAY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "EVENTRELAY_PG_HEALTH_CHECK")
	setDuration(&cfg.Postgres.PingInterval, "EVENTRELAY_PG_PING_INTERVAL")

	setBool(&cfg.NATS.Enabled, "EVENTRELAY_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Subject, "EVENTRELAY_NATS_SUBJECT")
	setDuration(&cfg.NATS.IdempotencyTTL, "EVENTRELAY_IDEMPOTENCY_TTL")

	// Streaming
	setDuration(&cfg.Stream.HeartbeatInterval, "EVENTRELAY_HEARTBEAT_INTERVAL")
	setInt(&cfg.Stream.ReplayBatch, "EVENTRELAY_REPLAY_BATCH")
	setInt(&cfg.Stream.QueueSize, "EVENTRELAY_QUEUE_SIZE")
	setInt(&cfg.Stream.ReplayConcurrency, "EVENTRELAY_REPLAY_CONCURRENCY")

	setInt(&cfg.Breaker.MaxFailures, "EVENTRELAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "EVENTRELAY_BREAKER_TIMEOUT")

	// Cache
	setBool(&cfg.Cache.Enabled, "EVENTRELAY_CACHE_ENABLED")
	setInt64(&cfg.Cache.MaxSizeMB, "EVENTRELAY_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "EVENTRELAY_CACHE_TTL")

	setBool(&cfg.RateLimit.Enabled, "EVENTRELAY_RATE_LIMIT_ENABLED")
	setFloat(&cfg.RateLimit.Rate, "EVENTRELAY_RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Burst, "EVENTRELAY_RATE_LIMIT_BURST")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "EVENTRELAY_OTLP_INSECURE")
	setDuration(&cfg.Telemetry.Interval, "EVENTRELAY_OTLP_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format %q is not one of json, text", cfg.Logging.Format)
	}
	switch cfg.Log.Backend {
	case BackendRedis:
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required")
		}
		if cfg.Redis.Key == "" {
			return errors.New("redis.key is required")
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("log.backend %q is not one of redis, postgres, memory", cfg.Log.Backend)
	}
	if cfg.Log.MaxLen < 1 {
		return errors.New("log.max_len must be >= 1")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled")
	}
	if cfg.Stream.HeartbeatInterval <= 0 {
		return errors.New("stream.heartbeat_interval must be > 0")
	}
	if cfg.Stream.ReplayBatch < 1 {
		return errors.New("stream.replay_batch must be >= 1")
	}
	if cfg.Stream.QueueSize < 1 {
		return errors.New("stream.queue_size must be >= 1")
	}
	if cfg.Stream.ReplayConcurrency < 1 {
		return errors.New("stream.replay_concurrency must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.Rate <= 0 || cfg.RateLimit.Burst < 1) {
		return errors.New("rate_limit.rate must be > 0 and rate_limit.burst >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
