// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/streamq/workqueue"

// Get outcomes recorded on the gets counter.
const (
	resultFresh     = "fresh"
	resultReclaimed = "reclaimed"
	resultEmpty     = "empty"
	resultError     = "error"
)

// metrics holds OpenTelemetry instruments for one queue.
type metrics struct {
	puts         metric.Int64Counter
	gets         metric.Int64Counter
	acks         metric.Int64Counter
	scans        metric.Int64Counter
	claims       metric.Int64Counter
	lostClaims   metric.Int64Counter
	getDuration  metric.Float64Histogram
	payloadBytes metric.Int64Histogram

	attrs metric.MeasurementOption
}

func newMetrics(mp metric.MeterProvider, streamName, group string) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &metrics{
		attrs: metric.WithAttributes(
			attribute.String("stream", streamName),
			attribute.String("group", group),
		),
	}

	var err error
	m.puts, err = meter.Int64Counter(
		"streamq.queue.puts",
		metric.WithDescription("Entries appended by producers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create puts counter: %w", err)
	}

	m.gets, err = meter.Int64Counter(
		"streamq.queue.gets",
		metric.WithDescription("Completed Get calls by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gets counter: %w", err)
	}

	m.acks, err = meter.Int64Counter(
		"streamq.queue.acks",
		metric.WithDescription("Entries acknowledged by workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acks counter: %w", err)
	}

	m.scans, err = meter.Int64Counter(
		"streamq.queue.reclaim.scans",
		metric.WithDescription("Recovery scans of the pending entries list"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scans counter: %w", err)
	}

	m.claims, err = meter.Int64Counter(
		"streamq.queue.reclaim.claims",
		metric.WithDescription("Stuck entries taken over from other workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claims counter: %w", err)
	}

	m.lostClaims, err = meter.Int64Counter(
		"streamq.queue.reclaim.lost",
		metric.WithDescription("Claim attempts lost to a concurrent worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lost claims counter: %w", err)
	}

	m.getDuration, err = meter.Float64Histogram(
		"streamq.queue.get.duration",
		metric.WithDescription("Time spent inside Get"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create get duration histogram: %w", err)
	}

	m.payloadBytes, err = meter.Int64Histogram(
		"streamq.queue.payload.size",
		metric.WithDescription("Encoded payload size of appended entries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload size histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) recordPut(ctx context.Context, size int) {
	m.puts.Add(ctx, 1, m.attrs)
	m.payloadBytes.Record(ctx, int64(size), m.attrs)
}

func (m *metrics) recordGet(ctx context.Context, result string, durationMs float64) {
	m.gets.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("result", result)))
	m.getDuration.Record(ctx, durationMs, m.attrs)
}

func (m *metrics) recordAck(ctx context.Context) {
	m.acks.Add(ctx, 1, m.attrs)
}

func (m *metrics) recordScan(ctx context.Context) {
	m.scans.Add(ctx, 1, m.attrs)
}

func (m *metrics) recordClaim(ctx context.Context) {
	m.claims.Add(ctx, 1, m.attrs)
}

func (m *metrics) recordLostClaim(ctx context.Context) {
	m.lostClaims.Add(ctx, 1, m.attrs)
}
