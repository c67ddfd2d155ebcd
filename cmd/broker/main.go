// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/streamq/config"
	"github.com/absmach/streamq/ratelimit"
	"github.com/absmach/streamq/server/health"
	"github.com/absmach/streamq/server/http"
	"github.com/absmach/streamq/server/otel"
	"github.com/absmach/streamq/stream"
	"github.com/absmach/streamq/stream/badger"
	"github.com/absmach/streamq/stream/memory"
	"github.com/absmach/streamq/stream/redis"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.Logger(os.Stdout)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting stream broker", "version", cfg.Telemetry.ServiceVersion, "instance", instanceID)
	slog.Info("Configuration loaded",
		"http_addr", cfg.Server.HTTPAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"max_block", cfg.Server.MaxBlock,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBroker(ctx, cfg.Storage, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer func() {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Error("Failed to close storage", "error", err)
			}
		}
	}()

	var otelShutdown func(context.Context) error
	var opts []http.Option
	if cfg.Telemetry.Enabled() {
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			metrics, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			opts = append(opts, http.WithMetrics(metrics))
		}
		if cfg.Telemetry.TracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewManager(cfg.RateLimit)
		defer limiter.Stop()
		opts = append(opts, http.WithRateLimiter(limiter))
		slog.Info("Rate limiting enabled",
			slog.Bool("request", cfg.RateLimit.Request.Enabled),
			slog.Bool("append", cfg.RateLimit.Append.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var tlsCfg *tls.Config
	if cfg.Server.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			slog.Error("Failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	apiServer := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSConfig:       tlsCfg,
		MaxBlock:        cfg.Server.MaxBlock,
		MaxPayloadSize:  cfg.Server.MaxPayloadSize,
	}, b, logger, opts...)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		pinger, _ := b.(stream.Pinger)
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Backend:         cfg.Storage.Type,
		}, pinger, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Stream broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Stream broker stopped")
}

func openBroker(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (stream.Broker, error) {
	switch cfg.Type {
	case config.StorageMemory:
		slog.Info("Using in-memory storage")
		return memory.New(), nil
	case config.StorageBadger:
		b, err := badger.New(badger.Config{
			Dir:        cfg.Badger.Dir,
			SyncWrites: cfg.Badger.SyncWrites,
			GCInterval: cfg.Badger.GCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Badger.Dir)
		return b, nil
	case config.StorageRedis:
		b, err := redis.Dial(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		slog.Info("Using Redis streams storage", "addr", cfg.Redis.Addr)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
