// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workqueue implements a reliable work queue on top of stream
// consumer groups.
//
// Producers append entries with Queue.Put. Each consumer goroutine owns a
// Worker created by Queue.NewWorker. Worker.Get acknowledges the previously
// returned entry, periodically scans the group's pending entries list for
// entries abandoned by crashed or slow workers, and otherwise blocks on the
// group cursor. Delivery is at-least-once.
package workqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/streamq/stream"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Queue is a handle on one stream and consumer group. It is safe for
// concurrent use.
type Queue struct {
	broker  stream.Broker
	stream  string
	group   string
	opts    Options
	logger  *slog.Logger
	metrics *metrics
	tracer  trace.Tracer
}

// New returns a queue on streamName, creating group at the stream tail when
// it does not exist yet.
func New(ctx context.Context, b stream.Broker, streamName, group string, opts ...Option) (*Queue, error) {
	if b == nil {
		return nil, ErrNilBroker
	}
	if streamName == "" {
		return nil, ErrEmptyStream
	}
	if group == "" {
		return nil, ErrEmptyGroup
	}

	o := NewOptions(opts...)
	if err := o.Validate(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", streamName, "group", group)

	m, err := newMetrics(o.MeterProvider, streamName, group)
	if err != nil {
		return nil, err
	}

	tp := o.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	res, err := b.CreateGroup(ctx, streamName, group)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	logger.Debug("consumer group ready", "result", res.String())

	return &Queue{
		broker:  b,
		stream:  streamName,
		group:   group,
		opts:    o,
		logger:  logger,
		metrics: m,
		tracer:  tp.Tracer(instrumentationName),
	}, nil
}

// Stream returns the stream name.
func (q *Queue) Stream() string { return q.stream }

// Group returns the consumer group name.
func (q *Queue) Group() string { return q.group }

// Put encodes v and appends it to the stream.
func (q *Queue) Put(ctx context.Context, v any) (stream.ID, error) {
	ctx, span := q.tracer.Start(ctx, "workqueue.put", trace.WithAttributes(
		attribute.String("stream", q.stream),
	))
	defer span.End()

	data, err := q.opts.Codec.Marshal(v)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrEncode, err)
		span.SetStatus(codes.Error, err.Error())
		return stream.ID{}, err
	}

	id, err := q.broker.Append(ctx, q.stream, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return stream.ID{}, fmt.Errorf("append: %w", err)
	}

	q.metrics.recordPut(ctx, len(data))
	span.SetAttributes(attribute.String("entry_id", id.String()))
	return id, nil
}

// NewWorker returns a worker with a fresh consumer identity.
func (q *Queue) NewWorker() *Worker {
	return q.newWorker(uuid.NewString())
}

// NewNamedWorker returns a worker using consumer as its identity. Two live
// workers must never share an identity.
func (q *Queue) NewNamedWorker(consumer string) *Worker {
	return q.newWorker(consumer)
}

func (q *Queue) newWorker(consumer string) *Worker {
	return &Worker{
		queue:     q,
		consumer:  consumer,
		logger:    q.logger.With("consumer", consumer),
		reclaimer: newReclaimer(q, consumer),
	}
}
