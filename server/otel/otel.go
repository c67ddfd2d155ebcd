// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/streamq/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const (
	defaultExportTimeout  = 30 * time.Second
	defaultExportInterval = 10 * time.Second
)

// exporter holds the OTLP connection settings shared by both signals.
type exporter struct {
	endpoint string
	creds    credentials.TransportCredentials // nil means plaintext
	cfg      config.TelemetryConfig
}

func newExporter(cfg config.TelemetryConfig) (*exporter, error) {
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = defaultExportInterval
	}
	return &exporter{endpoint: cfg.Endpoint, creds: creds, cfg: cfg}, nil
}

// transportCredentials returns nil for an insecure collector connection.
func transportCredentials(cfg config.TelemetryConfig) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return nil, nil
	}
	if cfg.CACertFile == "" {
		return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	}
	creds, err := credentials.NewClientTLSFromFile(cfg.CACertFile, "")
	if err != nil {
		return nil, fmt.Errorf("load collector CA: %w", err)
	}
	return creds, nil
}

func (e *exporter) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(e.endpoint),
		otlptracegrpc.WithTimeout(e.cfg.ExportTimeout),
	}
	if e.creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(e.creds))
	}
	if len(e.cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(e.cfg.Headers))
	}
	return opts
}

func (e *exporter) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(e.endpoint),
		otlpmetricgrpc.WithTimeout(e.cfg.ExportTimeout),
	}
	if e.creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(e.creds))
	}
	if len(e.cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(e.cfg.Headers))
	}
	return opts
}

// InitProvider installs global trace and meter providers exporting over OTLP
// gRPC. Disabled signals get no exporter; traces fall back to a no-op provider.
// The returned function flushes and stops every installed provider.
func InitProvider(ctx context.Context, cfg config.TelemetryConfig, instanceID string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(instanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exp, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			if err := stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEnabled {
		tp, err := exp.tracerProvider(ctx, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		mp, err := exp.meterProvider(ctx, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

func (e *exporter) tracerProvider(ctx context.Context, res *resource.Resource) (*trace.TracerProvider, error) {
	client, err := otlptracegrpc.New(ctx, e.traceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(e.cfg.TraceSampleRate))),
		trace.WithBatcher(client, trace.WithMaxExportBatchSize(512)),
	), nil
}

func (e *exporter) meterProvider(ctx context.Context, res *resource.Resource) (*metric.MeterProvider, error) {
	client, err := otlpmetricgrpc.New(ctx, e.metricOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(client,
			metric.WithInterval(e.cfg.ExportInterval),
			metric.WithTimeout(e.cfg.ExportTimeout),
		)),
	), nil
}
