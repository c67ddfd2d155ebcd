// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/absmach/streamq/stream/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// deliverN appends n entries and delivers them all to consumer.
func deliverN(t *testing.T, b stream.Broker, consumer string, n int) []stream.ID {
	t.Helper()
	ctx := context.Background()
	ids := make([]stream.ID, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Append(ctx, "jobs", []byte(`{}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	entries, err := b.ReadGroup(ctx, "jobs", "workers", consumer, n, stream.NoBlock)
	require.NoError(t, err)
	require.Len(t, entries, n)
	return ids
}

func TestReclaimerCursorWalksAndResets(t *testing.T) {
	b := memory.New()
	q := newQueue(t, b, WithBatchSize(10))
	ids := deliverN(t, b, "busy", 25)

	r := q.NewWorker().Reclaimer()
	ctx := context.Background()
	assert.Equal(t, stream.MinID, r.Cursor())

	for _, last := range []stream.ID{ids[9], ids[19], ids[24]} {
		entry, err := r.TryReclaim(ctx)
		require.NoError(t, err)
		assert.Nil(t, entry)
		assert.Equal(t, last.Next(), r.Cursor())
	}

	entry, err := r.TryReclaim(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, stream.MinID, r.Cursor())
}

func TestReclaimerClaimsFirstStuck(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	b := memory.New(memory.WithClock(clock.Now))
	q := newQueue(t, b, WithStuckTimeout(5*time.Second))

	old := deliverN(t, b, "crashed", 2)
	clock.Advance(6 * time.Second)
	fresh := deliverN(t, b, "busy", 1)

	r := q.NewWorker().Reclaimer()
	ctx := context.Background()

	entry, err := r.TryReclaim(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, old[0], entry.ID)
	assert.Equal(t, old[0].Next(), r.Cursor())

	entry, err = r.TryReclaim(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, old[1], entry.ID)

	// Only the fresh entry remains ahead of the cursor and it is not stuck.
	entry, err = r.TryReclaim(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, fresh[0].Next(), r.Cursor())
}

func TestReclaimerContinuesAfterLostClaim(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	mem := memory.New(memory.WithClock(clock.Now))
	b := &failingBroker{Broker: mem, lose: map[stream.ID]bool{}}
	q := newQueue(t, b, WithStuckTimeout(time.Second))

	ids := deliverN(t, mem, "crashed", 3)
	clock.Advance(2 * time.Second)
	b.lose[ids[0]] = true

	entry, err := q.NewWorker().Reclaimer().TryReclaim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ids[1], entry.ID)
}

func TestReclaimerAllLost(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	mem := memory.New(memory.WithClock(clock.Now))
	b := &failingBroker{Broker: mem, lose: map[stream.ID]bool{}}
	q := newQueue(t, b, WithStuckTimeout(time.Second), WithBatchSize(2))

	ids := deliverN(t, mem, "crashed", 2)
	clock.Advance(2 * time.Second)
	b.lose[ids[0]] = true
	b.lose[ids[1]] = true

	r := q.NewWorker().Reclaimer()
	entry, err := r.TryReclaim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, ids[1].Next(), r.Cursor())
}

func TestReclaimerPendingFailure(t *testing.T) {
	b := memory.New()
	q := newQueue(t, b)
	require.NoError(t, b.Close())

	_, err := q.NewWorker().Reclaimer().TryReclaim(context.Background())
	require.ErrorIs(t, err, stream.ErrClosed)
}
