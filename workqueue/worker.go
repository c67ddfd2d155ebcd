// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/streamq/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// minBlock is the smallest wait passed to a blocking read. A zero wait
// would mean "block forever" to the broker.
const minBlock = time.Millisecond

// Worker is one consumer of a Queue. It tracks the entry it is currently
// processing, when it last scanned for stuck entries and where that scan
// stopped. A Worker must not be used from more than one goroutine at a time.
type Worker struct {
	queue     *Queue
	consumer  string
	logger    *slog.Logger
	reclaimer *Reclaimer

	current    stream.ID
	hasCurrent bool
	lastCheck  time.Time
}

// ID returns the worker's consumer identity.
func (w *Worker) ID() string {
	return w.consumer
}

// Current returns the id of the entry handed out by the last Get and not yet
// acknowledged.
func (w *Worker) Current() (stream.ID, bool) {
	return w.current, w.hasCurrent
}

// Reclaimer exposes the worker's recovery scanner.
func (w *Worker) Reclaimer() *Reclaimer {
	return w.reclaimer
}

// Get acknowledges the previous entry and returns the next one. Stuck entries
// of other workers are preferred when a recovery scan is due. Get returns a
// nil message and a nil error when nothing arrived before the timeout or, in
// non-blocking mode, when nothing was immediately available.
func (w *Worker) Get(ctx context.Context, opts ...GetOption) (*Message, error) {
	o := getOptions{block: true}
	for _, opt := range opts {
		opt(&o)
	}

	q := w.queue
	started := time.Now()
	ctx, span := q.tracer.Start(ctx, "workqueue.get")
	defer span.End()

	msg, err := w.get(ctx, o, started)
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		q.metrics.recordGet(ctx, resultError, elapsed)
	case msg == nil:
		q.metrics.recordGet(ctx, resultEmpty, elapsed)
	case msg.Reclaimed:
		span.SetAttributes(attribute.String("entry_id", msg.ID.String()), attribute.Bool("reclaimed", true))
		q.metrics.recordGet(ctx, resultReclaimed, elapsed)
	default:
		span.SetAttributes(attribute.String("entry_id", msg.ID.String()))
		q.metrics.recordGet(ctx, resultFresh, elapsed)
	}
	return msg, err
}

func (w *Worker) get(ctx context.Context, o getOptions, started time.Time) (*Message, error) {
	if err := w.TaskDone(ctx); err != nil {
		return nil, err
	}

	q := w.queue
	interval := q.opts.StuckCheckInterval
	scanning := interval > 0

	var deadline time.Time
	if o.bounded {
		deadline = started.Add(o.timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if scanning && !time.Now().Before(w.lastCheck.Add(interval)) {
			entry, deliveries, err := w.reclaimer.reclaim(ctx)
			w.lastCheck = time.Now()
			if err != nil {
				return nil, err
			}
			if entry != nil {
				return w.hold(*entry, true, deliveries), nil
			}
		}

		if !o.block {
			return w.read(ctx, stream.NoBlock)
		}

		wait := stream.BlockForever
		limited := false
		now := time.Now()
		if o.bounded {
			wait = deadline.Sub(now)
			limited = true
			if wait <= 0 {
				return nil, nil
			}
		}
		if scanning {
			untilCheck := w.lastCheck.Add(interval).Sub(now)
			if !limited || untilCheck < wait {
				wait = untilCheck
			}
			limited = true
		}
		if limited && wait < minBlock {
			wait = minBlock
		}

		msg, err := w.read(ctx, wait)
		if err != nil || msg != nil {
			return msg, err
		}
		if o.bounded && !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

func (w *Worker) read(ctx context.Context, block time.Duration) (*Message, error) {
	q := w.queue
	entries, err := q.broker.ReadGroup(ctx, q.stream, q.group, w.consumer, 1, block)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read group: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return w.hold(entries[0], false, 1), nil
}

func (w *Worker) hold(e stream.Entry, reclaimed bool, deliveries int64) *Message {
	w.current = e.ID
	w.hasCurrent = true
	return &Message{
		ID:         e.ID,
		Data:       e.Data,
		Reclaimed:  reclaimed,
		Deliveries: deliveries,
		codec:      w.queue.opts.Codec,
	}
}

// TaskDone acknowledges the current entry. It is a no-op when there is none,
// so calling it twice is safe.
func (w *Worker) TaskDone(ctx context.Context) error {
	if !w.hasCurrent {
		return nil
	}

	q := w.queue
	n, err := q.broker.Ack(ctx, q.stream, q.group, w.current)
	if err != nil {
		return fmt.Errorf("ack %s: %w", w.current, err)
	}
	if n == 0 {
		// Already acked, or claimed and acked by another worker after
		// this one stalled.
		w.logger.Debug("ack of unknown entry", "entry_id", w.current.String())
	} else {
		q.metrics.recordAck(ctx)
	}

	w.current = stream.ID{}
	w.hasCurrent = false
	return nil
}

// Handler processes one message. Returning nil acknowledges it; an error
// leaves it pending so it is redelivered after the stuck timeout.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Run fetches and handles messages until ctx is cancelled. Broker errors end
// the loop; handler errors are logged and the entry is abandoned to recovery.
func (w *Worker) Run(ctx context.Context, h Handler) error {
	for {
		msg, err := w.Get(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if msg == nil {
			continue
		}

		if err := h.Handle(ctx, msg); err != nil {
			w.logger.Warn("handler failed, leaving entry for recovery",
				"entry_id", msg.ID.String(),
				"deliveries", msg.Deliveries,
				"error", err)
			w.Abandon()
			continue
		}

		if err := w.TaskDone(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Abandon forgets the current entry without acknowledging it. The entry stays
// in the pending list and becomes claimable after the stuck timeout.
func (w *Worker) Abandon() {
	w.current = stream.ID{}
	w.hasCurrent = false
}
