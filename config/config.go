// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/streamq/ratelimit"
	"gopkg.in/yaml.v3"
)

// Storage backend types.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
	StorageRedis  = "redis"
)

// Payload codecs.
const (
	CodecJSON = "json"
	CodecZstd = "zstd"
)

// Config holds all configuration for the broker server and queue clients.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Queue     QueueConfig      `yaml:"queue"`
	Client    ClientConfig     `yaml:"client"`
	Log       LogConfig        `yaml:"log"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// ServerConfig holds the broker HTTP API settings.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBlock        time.Duration `yaml:"max_block"`        // longest a single read request may wait
	MaxPayloadSize  int64         `yaml:"max_payload_size"` // bytes per appended entry
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, redis

	Badger BadgerConfig `yaml:"badger"`
	Redis  RedisConfig  `yaml:"redis"`
}

// BadgerConfig holds BadgerDB settings.
type BadgerConfig struct {
	Dir        string        `yaml:"dir"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig holds work queue settings used by queue clients.
type QueueConfig struct {
	Stream             string        `yaml:"stream"`
	Group              string        `yaml:"group"`
	StuckTimeout       time.Duration `yaml:"stuck_timeout"`
	StuckCheckInterval time.Duration `yaml:"stuck_check_interval"` // 0 disables reclaim scans
	BatchSize          int           `yaml:"batch_size"`
	Codec              string        `yaml:"codec"` // json, zstd
}

// ClientConfig holds settings for reaching a remote broker server.
type ClientConfig struct {
	BaseURL          string        `yaml:"base_url"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	PollBlock        time.Duration `yaml:"poll_block"` // longest wait asked of the server per read
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	// Exporter transport. Insecure disables TLS; otherwise CACertFile, when
	// set, replaces the system roots.
	Insecure       bool              `yaml:"insecure"`
	CACertFile     string            `yaml:"ca_cert_file"`
	Headers        map[string]string `yaml:"headers"`
	ExportTimeout  time.Duration     `yaml:"export_timeout"`
	ExportInterval time.Duration     `yaml:"export_interval"` // metric push period
}

// Enabled reports whether any OpenTelemetry signal is exported.
func (t TelemetryConfig) Enabled() bool {
	return t.MetricsEnabled || t.TracesEnabled
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
			MaxBlock:        30 * time.Second,
			MaxPayloadSize:  1024 * 1024, // 1MB
		},
		Storage: StorageConfig{
			Type: StorageMemory,
			Badger: BadgerConfig{
				Dir:        "/tmp/streamq/data",
				GCInterval: 5 * time.Minute,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Queue: QueueConfig{
			Stream:             "jobs",
			Group:              "workers",
			StuckTimeout:       5 * time.Second,
			StuckCheckInterval: 10 * time.Second,
			BatchSize:          10,
			Codec:              CodecJSON,
		},
		Client: ClientConfig{
			BaseURL:          "http://localhost:8080",
			RequestTimeout:   10 * time.Second,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			PollBlock:        30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "streamq",
			ServiceVersion:  "0.1.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			Insecure:        true,
			ExportTimeout:   30 * time.Second,
			ExportInterval:  10 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MaxBlock < 100*time.Millisecond {
		return fmt.Errorf("server.max_block must be at least 100ms")
	}
	if c.Server.MaxPayloadSize < 1024 {
		return fmt.Errorf("server.max_payload_size must be at least 1KB")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.Badger.Dir == "" {
			return fmt.Errorf("storage.badger.dir required when type is badger")
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr required when type is redis")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger, redis")
	}

	if c.Queue.Stream == "" {
		return fmt.Errorf("queue.stream cannot be empty")
	}
	if c.Queue.Group == "" {
		return fmt.Errorf("queue.group cannot be empty")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be at least 1")
	}
	if c.Queue.StuckCheckInterval < 0 {
		return fmt.Errorf("queue.stuck_check_interval cannot be negative")
	}
	if c.Queue.StuckCheckInterval > 0 && c.Queue.StuckTimeout <= 0 {
		return fmt.Errorf("queue.stuck_timeout must be positive when reclaim scans are enabled")
	}
	if c.Queue.Codec != CodecJSON && c.Queue.Codec != CodecZstd {
		return fmt.Errorf("queue.codec must be one of: json, zstd")
	}

	if c.Client.BaseURL == "" {
		return fmt.Errorf("client.base_url cannot be empty")
	}
	if c.Client.PollBlock < 0 {
		return fmt.Errorf("client.poll_block cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if enabled)
	if c.Telemetry.Enabled() {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportTimeout <= 0 || c.Telemetry.ExportInterval <= 0 {
			return fmt.Errorf("telemetry.export_timeout and telemetry.export_interval must be positive")
		}
		if c.Telemetry.Insecure && c.Telemetry.CACertFile != "" {
			return fmt.Errorf("telemetry.ca_cert_file requires telemetry.insecure to be false")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Request.Enabled && (c.RateLimit.Request.Rate <= 0 || c.RateLimit.Request.Burst < 1) {
			return fmt.Errorf("rate_limit.request needs a positive rate and burst")
		}
		if c.RateLimit.Append.Enabled && (c.RateLimit.Append.Rate <= 0 || c.RateLimit.Append.Burst < 1) {
			return fmt.Errorf("rate_limit.append needs a positive rate and burst")
		}
	}

	return nil
}

// Logger builds a slog.Logger writing to w at the configured level and format.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
