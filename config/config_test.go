// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default HTTP addr :8080, got %s", cfg.Server.HTTPAddr)
	}
	if cfg.Storage.Type != StorageMemory {
		t.Errorf("expected default storage memory, got %s", cfg.Storage.Type)
	}

	// Queue defaults mirror the workqueue package defaults.
	if cfg.Queue.StuckTimeout != 5*time.Second {
		t.Errorf("expected stuck timeout 5s, got %v", cfg.Queue.StuckTimeout)
	}
	if cfg.Queue.StuckCheckInterval != 10*time.Second {
		t.Errorf("expected stuck check interval 10s, got %v", cfg.Queue.StuckCheckInterval)
	}
	if cfg.Queue.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Queue.BatchSize)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty http addr",
			modify:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: true,
		},
		{
			name:    "tls cert without key",
			modify:  func(c *Config) { c.Server.TLSCertFile = "cert.pem" },
			wantErr: true,
		},
		{
			name:    "health enabled without addr",
			modify:  func(c *Config) { c.Server.HealthAddr = "" },
			wantErr: true,
		},
		{
			name:    "max block too short",
			modify:  func(c *Config) { c.Server.MaxBlock = time.Millisecond },
			wantErr: true,
		},
		{
			name:    "unknown storage",
			modify:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Type = StorageBadger
				c.Storage.Badger.Dir = ""
			},
			wantErr: true,
		},
		{
			name: "redis without addr",
			modify: func(c *Config) {
				c.Storage.Type = StorageRedis
				c.Storage.Redis.Addr = ""
			},
			wantErr: true,
		},
		{
			name:    "redis with addr",
			modify:  func(c *Config) { c.Storage.Type = StorageRedis },
			wantErr: false,
		},
		{
			name:    "zero batch size",
			modify:  func(c *Config) { c.Queue.BatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "scans enabled without stuck timeout",
			modify:  func(c *Config) { c.Queue.StuckTimeout = 0 },
			wantErr: true,
		},
		{
			name: "scans disabled without stuck timeout",
			modify: func(c *Config) {
				c.Queue.StuckTimeout = 0
				c.Queue.StuckCheckInterval = 0
			},
			wantErr: false,
		},
		{
			name:    "negative client poll block",
			modify:  func(c *Config) { c.Client.PollBlock = -time.Second },
			wantErr: true,
		},
		{
			name:    "unknown codec",
			modify:  func(c *Config) { c.Queue.Codec = "gob" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "telemetry without export interval",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.ExportInterval = 0
			},
			wantErr: true,
		},
		{
			name: "telemetry ca file with insecure transport",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.CACertFile = "ca.pem"
			},
			wantErr: true,
		},
		{
			name: "telemetry ca file over tls",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.Insecure = false
				c.Telemetry.CACertFile = "ca.pem"
			},
			wantErr: false,
		},
		{
			name: "rate limit with zero burst",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Request.Burst = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default config, got HTTP addr %s", cfg.Server.HTTPAddr)
	}
}

func TestLoadPartialFile(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := "storage:\n  type: redis\n  redis:\n    addr: redis:6379\nqueue:\n  stuck_timeout: 2s\n"
	if err := os.WriteFile(tmpfile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != StorageRedis || cfg.Storage.Redis.Addr != "redis:6379" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Queue.StuckTimeout != 2*time.Second {
		t.Errorf("expected stuck timeout 2s, got %v", cfg.Queue.StuckTimeout)
	}
	if cfg.Queue.BatchSize != 10 {
		t.Errorf("unset fields should keep defaults, got batch size %d", cfg.Queue.BatchSize)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("queue:\n  batch_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Fatal("expected validation error")
	}

	if err := os.WriteFile(tmpfile, []byte("queue: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Server.HTTPAddr = ":9090"
	cfg.Queue.StuckCheckInterval = 30 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.HTTPAddr != ":9090" {
		t.Errorf("expected HTTP addr :9090, got %s", loaded.Server.HTTPAddr)
	}
	if loaded.Queue.StuckCheckInterval != 30*time.Second {
		t.Errorf("expected stuck check interval 30s, got %v", loaded.Queue.StuckCheckInterval)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "stream", "jobs")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"stream":"jobs"`) {
		t.Errorf("expected json output, got %s", out)
	}
}
