// Package config provides configuration management for the notes stream worker.
//
// Configuration is loaded from multiple sources in this order:
// 1. A .env file, if present (local development convenience)
// 2. Environment variables
// 3. Built-in defaults
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete worker configuration.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AppConfig contains process-level metadata.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// RedisConfig contains broker connection configuration.
type RedisConfig struct {
	URL            string        `mapstructure:"url"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PoolSize       int           `mapstructure:"pool_size"`
	ConnectRetryMs time.Duration `mapstructure:"connect_retry_ms"`
}

// StreamConfig names the stream and consumer-group keys the worker uses.
type StreamConfig struct {
	StreamKey            string `mapstructure:"stream_key"`
	GroupName            string `mapstructure:"group_name"`
	DLQKey               string `mapstructure:"dlq_key"`
	ProcessedSetKey      string `mapstructure:"processed_set_key"`
	RetryScheduleZSetKey string `mapstructure:"retry_schedule_zset_key"`
	RetryPayloadHashKey  string `mapstructure:"retry_payload_hash_key"`
}

// WorkerConfig contains the retry, backoff, and loop tuning knobs of §6/§4.
type WorkerConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	IdleTime             time.Duration `mapstructure:"idle_time"`
	BaseDelaySeconds     int           `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds      int           `mapstructure:"max_delay_seconds"`
	DrainBatchSize       int64         `mapstructure:"drain_batch_size"`
	ReadBlock            time.Duration `mapstructure:"read_block"`
	IdempotencyCacheSize int           `mapstructure:"idempotency_cache_size"`
}

// HealthConfig contains the embedded HTTP endpoint and heartbeat-file settings.
type HealthConfig struct {
	Port int    `mapstructure:"port"`
	File string `mapstructure:"file"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load loads configuration from an optional .env file, environment
// variables, and built-in defaults.
func Load() (*Config, error) {
	// Load .env file if it exists (optional, for local development).
	// This sets environment variables that Viper can then read.
	_ = godotenv.Load(".env")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	//nolint:errcheck // BindEnv only errors with invalid args, safe with string literals
	viper.BindEnv("redis.url", "REDIS_URL")
	//nolint:errcheck
	viper.BindEnv("stream.stream_key", "STREAM_KEY")
	//nolint:errcheck
	viper.BindEnv("stream.group_name", "GROUP_NAME")
	//nolint:errcheck
	viper.BindEnv("stream.dlq_key", "DLQ_KEY")
	//nolint:errcheck
	viper.BindEnv("stream.processed_set_key", "PROCESSED_SET_KEY")
	//nolint:errcheck
	viper.BindEnv("stream.retry_schedule_zset_key", "RETRY_SCHEDULE_ZSET_KEY")
	//nolint:errcheck
	viper.BindEnv("stream.retry_payload_hash_key", "RETRY_PAYLOAD_HASH_KEY")
	//nolint:errcheck
	viper.BindEnv("worker.max_retries", "MAX_RETRIES")
	//nolint:errcheck
	viper.BindEnv("worker.idle_time", "IDLE_TIME_MS")
	//nolint:errcheck
	viper.BindEnv("worker.base_delay_seconds", "BASE_DELAY_SEC")
	//nolint:errcheck
	viper.BindEnv("worker.max_delay_seconds", "MAX_DELAY_SECONDS")
	//nolint:errcheck
	viper.BindEnv("worker.drain_batch_size", "DRAIN_BATCH_SIZE")
	//nolint:errcheck
	viper.BindEnv("worker.read_block", "READ_BLOCK_MS")
	//nolint:errcheck
	viper.BindEnv("health.port", "HEALTH_PORT")
	//nolint:errcheck
	viper.BindEnv("health.file", "HEALTH_FILE")
	//nolint:errcheck
	viper.BindEnv("logging.level", "LOG_LEVEL")
	//nolint:errcheck
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// IDLE_TIME_MS and READ_BLOCK_MS are documented in milliseconds, so the
	// duration fields are assembled from plain integers rather than via
	// viper.Unmarshal's string-only duration decode hook.
	cfg := Config{
		App: AppConfig{
			Name:    viper.GetString("app.name"),
			Version: viper.GetString("app.version"),
		},
		Redis: RedisConfig{
			URL:            viper.GetString("redis.url"),
			DialTimeout:    viper.GetDuration("redis.dial_timeout"),
			ReadTimeout:    viper.GetDuration("redis.read_timeout"),
			WriteTimeout:   viper.GetDuration("redis.write_timeout"),
			PoolSize:       viper.GetInt("redis.pool_size"),
			ConnectRetryMs: viper.GetDuration("redis.connect_retry_ms"),
		},
		Stream: StreamConfig{
			StreamKey:            viper.GetString("stream.stream_key"),
			GroupName:            viper.GetString("stream.group_name"),
			DLQKey:               viper.GetString("stream.dlq_key"),
			ProcessedSetKey:      viper.GetString("stream.processed_set_key"),
			RetryScheduleZSetKey: viper.GetString("stream.retry_schedule_zset_key"),
			RetryPayloadHashKey:  viper.GetString("stream.retry_payload_hash_key"),
		},
		Worker: WorkerConfig{
			MaxRetries:           viper.GetInt("worker.max_retries"),
			IdleTime:             time.Duration(viper.GetInt64("worker.idle_time")) * time.Millisecond,
			BaseDelaySeconds:     viper.GetInt("worker.base_delay_seconds"),
			MaxDelaySeconds:      viper.GetInt("worker.max_delay_seconds"),
			DrainBatchSize:       viper.GetInt64("worker.drain_batch_size"),
			ReadBlock:            time.Duration(viper.GetInt64("worker.read_block")) * time.Millisecond,
			IdempotencyCacheSize: viper.GetInt("worker.idempotency_cache_size"),
		},
		Health: HealthConfig{
			Port: viper.GetInt("health.port"),
			File: viper.GetString("health.file"),
		},
		Logging: LoggingConfig{
			Level:  viper.GetString("logging.level"),
			Format: viper.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "notes-stream-worker")
	viper.SetDefault("app.version", "dev")

	viper.SetDefault("redis.url", "redis://redis:6379")
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.connect_retry_ms", "2s")

	viper.SetDefault("stream.stream_key", "notes_stream")
	viper.SetDefault("stream.group_name", "notes_processors")
	viper.SetDefault("stream.dlq_key", "notes_stream_dlq")
	viper.SetDefault("stream.processed_set_key", "processed_notes")
	viper.SetDefault("stream.retry_schedule_zset_key", "notes_stream_retry_schedule")
	viper.SetDefault("stream.retry_payload_hash_key", "notes_stream_retry_payloads")

	viper.SetDefault("worker.max_retries", 3)
	viper.SetDefault("worker.idle_time", 60000) // milliseconds
	viper.SetDefault("worker.base_delay_seconds", 2)
	viper.SetDefault("worker.max_delay_seconds", 60)
	viper.SetDefault("worker.drain_batch_size", 25)
	viper.SetDefault("worker.read_block", 1000) // milliseconds
	viper.SetDefault("worker.idempotency_cache_size", 2048)

	viper.SetDefault("health.port", 8080)
	viper.SetDefault("health.file", "/tmp/healthy")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Validate rejects configurations that would violate the worker's
// invariants before a single message is read.
func (c *Config) Validate() error {
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.BaseDelaySeconds <= 0 {
		return fmt.Errorf("worker.base_delay_seconds must be > 0, got %d", c.Worker.BaseDelaySeconds)
	}
	if c.Worker.MaxDelaySeconds < c.Worker.BaseDelaySeconds {
		return fmt.Errorf("worker.max_delay_seconds (%d) must be >= worker.base_delay_seconds (%d)", c.Worker.MaxDelaySeconds, c.Worker.BaseDelaySeconds)
	}
	if c.Worker.DrainBatchSize <= 0 {
		return fmt.Errorf("worker.drain_batch_size must be > 0, got %d", c.Worker.DrainBatchSize)
	}
	if c.Stream.StreamKey == "" || c.Stream.GroupName == "" {
		return fmt.Errorf("stream.stream_key and stream.group_name are required")
	}
	return nil
}
