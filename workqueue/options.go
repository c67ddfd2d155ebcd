// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultStuckTimeout       = 5 * time.Second
	DefaultStuckCheckInterval = 10 * time.Second
	DefaultBatchSize          = 10
)

// Options configures a Queue and the workers it creates.
type Options struct {
	// StuckTimeout is how long an entry may stay unacknowledged before
	// another worker may claim it.
	StuckTimeout time.Duration
	// StuckCheckInterval is the minimum time between recovery scans of one
	// worker. Zero disables recovery scans.
	StuckCheckInterval time.Duration
	// BatchSize is the number of PEL records inspected per scan.
	BatchSize int

	Codec          Codec
	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Option mutates Options.
type Option func(*Options)

// NewOptions returns defaults with opts applied.
func NewOptions(opts ...Option) Options {
	o := Options{
		StuckTimeout:       DefaultStuckTimeout,
		StuckCheckInterval: DefaultStuckCheckInterval,
		BatchSize:          DefaultBatchSize,
		Codec:              JSONCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate checks option consistency.
func (o Options) Validate() error {
	if o.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if o.StuckTimeout < 0 || o.StuckCheckInterval < 0 {
		return ErrInvalidStuckConfig
	}
	return nil
}

// WithStuckTimeout sets the idle time after which entries are reclaimable.
func WithStuckTimeout(d time.Duration) Option {
	return func(o *Options) { o.StuckTimeout = d }
}

// WithStuckCheckInterval sets the interval between recovery scans.
func WithStuckCheckInterval(d time.Duration) Option {
	return func(o *Options) { o.StuckCheckInterval = d }
}

// WithBatchSize sets the PEL page size of a recovery scan.
func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

// WithCodec sets the payload codec.
func WithCodec(c Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMeterProvider sets the provider used for queue metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Options) { o.MeterProvider = mp }
}

// WithTracerProvider sets the provider used for queue spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.TracerProvider = tp }
}

type getOptions struct {
	block   bool
	timeout time.Duration
	bounded bool
}

// GetOption configures a single Get call.
type GetOption func(*getOptions)

// NonBlocking makes Get perform at most one read attempt.
func NonBlocking() GetOption {
	return func(o *getOptions) { o.block = false }
}

// WithTimeout bounds the total time Get may wait. A non-positive timeout
// behaves like NonBlocking.
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d <= 0 {
			o.block = false
			return
		}
		o.timeout = d
		o.bounded = true
	}
}
