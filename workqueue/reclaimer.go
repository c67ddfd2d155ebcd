// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/streamq/stream"
)

// Reclaimer walks a group's pending entries list one batch per call and
// takes over the first entry that has been idle for the stuck timeout.
// The scan position survives between calls so successive scans cover the
// whole list. A scan that starts past the last pending entry finds nothing
// and resets the cursor, so an entry the cursor already passed is found one
// scan later. A Reclaimer belongs to a single worker.
type Reclaimer struct {
	broker   stream.Broker
	stream   string
	group    string
	consumer string
	opts     Options
	logger   *slog.Logger
	metrics  *metrics

	cursor stream.ID
}

func newReclaimer(q *Queue, consumer string) *Reclaimer {
	return &Reclaimer{
		broker:   q.broker,
		stream:   q.stream,
		group:    q.group,
		consumer: consumer,
		opts:     q.opts,
		logger:   q.logger.With("consumer", consumer),
		metrics:  q.metrics,
		cursor:   stream.MinID,
	}
}

// Cursor returns the id the next scan starts from.
func (r *Reclaimer) Cursor() stream.ID {
	return r.cursor
}

// TryReclaim scans one batch and returns the claimed entry, or nil when
// nothing in the batch was stuck or every claim was lost.
func (r *Reclaimer) TryReclaim(ctx context.Context) (*stream.Entry, error) {
	entry, _, err := r.reclaim(ctx)
	return entry, err
}

func (r *Reclaimer) reclaim(ctx context.Context) (*stream.Entry, int64, error) {
	r.metrics.recordScan(ctx)

	pending, err := r.broker.PendingRange(ctx, r.stream, r.group, r.cursor, r.opts.BatchSize)
	if err != nil {
		return nil, 0, fmt.Errorf("pending range: %w", err)
	}
	if len(pending) == 0 {
		r.cursor = stream.MinID
		return nil, 0, nil
	}

	for _, p := range pending {
		r.cursor = p.ID.Next()

		if p.Idle < r.opts.StuckTimeout {
			continue
		}

		claimed, err := r.broker.Claim(ctx, r.stream, r.group, r.consumer, r.opts.StuckTimeout, p.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("claim %s: %w", p.ID, err)
		}
		if len(claimed) == 0 {
			r.metrics.recordLostClaim(ctx)
			r.logger.Debug("claim lost", "entry_id", p.ID.String(), "previous_owner", p.Consumer)
			continue
		}

		r.metrics.recordClaim(ctx)
		r.logger.Info("reclaimed stuck entry",
			"entry_id", p.ID.String(),
			"previous_owner", p.Consumer,
			"idle", p.Idle,
			"deliveries", p.Deliveries+1)
		entry := claimed[0]
		return &entry, p.Deliveries + 1, nil
	}

	return nil, 0, nil
}
