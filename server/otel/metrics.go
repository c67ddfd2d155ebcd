// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "streamq-broker"

// Metrics holds OpenTelemetry metric instruments for the broker server.
type Metrics struct {
	meter metric.Meter

	// Counters
	requestsTotal   metric.Int64Counter
	errorsTotal     metric.Int64Counter
	entriesAppended metric.Int64Counter
	entriesRead     metric.Int64Counter
	entriesClaimed  metric.Int64Counter
	entriesAcked    metric.Int64Counter
	bytesReceived   metric.Int64Counter
	rateLimited     metric.Int64Counter

	// UpDownCounters (Gauges)
	blockedReads metric.Int64UpDownCounter

	// Histograms
	entrySize       metric.Int64Histogram
	requestDuration metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates instruments on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"streamq.server.requests.total",
		metric.WithDescription("Total API requests by operation and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"streamq.server.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.entriesAppended, err = m.meter.Int64Counter(
		"streamq.entries.appended.total",
		metric.WithDescription("Total entries appended"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesAppended counter: %w", err)
	}

	m.entriesRead, err = m.meter.Int64Counter(
		"streamq.entries.read.total",
		metric.WithDescription("Total entries delivered by group reads"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesRead counter: %w", err)
	}

	m.entriesClaimed, err = m.meter.Int64Counter(
		"streamq.entries.claimed.total",
		metric.WithDescription("Total pending entries transferred by claim"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesClaimed counter: %w", err)
	}

	m.entriesAcked, err = m.meter.Int64Counter(
		"streamq.entries.acked.total",
		metric.WithDescription("Total entries removed from pending lists"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesAcked counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"streamq.bytes.received.total",
		metric.WithDescription("Total payload bytes appended"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.rateLimited, err = m.meter.Int64Counter(
		"streamq.server.rate_limited.total",
		metric.WithDescription("Requests rejected by rate limiting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rateLimited counter: %w", err)
	}

	m.blockedReads, err = m.meter.Int64UpDownCounter(
		"streamq.reads.blocked",
		metric.WithDescription("Group reads currently waiting for entries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blockedReads gauge: %w", err)
	}

	m.entrySize, err = m.meter.Int64Histogram(
		"streamq.entry.size.bytes",
		metric.WithDescription("Appended payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entrySize histogram: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"streamq.server.request.duration.ms",
		metric.WithDescription("API request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	return m, nil
}

// RecordRequest records one finished API request.
func (m *Metrics) RecordRequest(op string, status int, durationMs float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.Int("status", status),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("op", op)))
}

// RecordAppend records an appended entry.
func (m *Metrics) RecordAppend(stream string, sizeBytes int64) {
	ctx := context.Background()
	m.entriesAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.entrySize.Record(ctx, sizeBytes)
}

// RecordRead records entries delivered to a consumer.
func (m *Metrics) RecordRead(stream string, n int) {
	if n == 0 {
		return
	}
	m.entriesRead.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordClaim records entries transferred by a claim.
func (m *Metrics) RecordClaim(stream string, n int) {
	if n == 0 {
		return
	}
	m.entriesClaimed.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordAck records entries acknowledged.
func (m *Metrics) RecordAck(stream string, n int64) {
	if n == 0 {
		return
	}
	m.entriesAcked.Add(context.Background(), n, metric.WithAttributes(attribute.String("stream", stream)))
}

// ReadBlocked marks the start of a blocking read.
func (m *Metrics) ReadBlocked() {
	m.blockedReads.Add(context.Background(), 1)
}

// ReadUnblocked marks the end of a blocking read.
func (m *Metrics) ReadUnblocked() {
	m.blockedReads.Add(context.Background(), -1)
}

// RecordRateLimited records a rejected request.
func (m *Metrics) RecordRateLimited(kind string) {
	m.rateLimited.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
