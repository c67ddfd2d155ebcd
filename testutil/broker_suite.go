// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BrokerFactory returns a fresh, empty broker. Cleanup is registered on t.
type BrokerFactory func(t *testing.T) stream.Broker

// SuiteOption tunes RunBrokerSuite for backends with known limitations.
type SuiteOption func(*suiteConfig)

type suiteConfig struct {
	skipCancel    bool
	skipClaimIdle string
}

// SkipCancelUnblock skips the check that context cancellation interrupts a
// blocking read. Some client libraries only honor deadlines on blocked reads.
func SkipCancelUnblock() SuiteOption {
	return func(c *suiteConfig) {
		c.skipCancel = true
	}
}

// SkipClaimIdle skips the claim checks that depend on min-idle filtering and
// claim atomicity. reason is reported on the skipped subtests.
func SkipClaimIdle(reason string) SuiteOption {
	return func(c *suiteConfig) {
		c.skipClaimIdle = reason
	}
}

var streamSeq atomic.Int64

// UniqueStream returns a stream name not used by any other test in the process.
func UniqueStream(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, streamSeq.Add(1))
}

// RunBrokerSuite runs the consumer-group contract against a backend.
func RunBrokerSuite(t *testing.T, newBroker BrokerFactory, opts ...SuiteOption) {
	cfg := suiteConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	t.Run("CreateGroupIdempotent", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("create")

		res, err := b.CreateGroup(ctx, name, "g")
		require.NoError(t, err)
		assert.Equal(t, stream.GroupCreated, res)

		res, err = b.CreateGroup(ctx, name, "g")
		require.NoError(t, err)
		assert.Equal(t, stream.GroupExists, res)
	})

	t.Run("GroupStartsAtTail", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("tail")

		_, err := b.Append(ctx, name, []byte("before"))
		require.NoError(t, err)
		_, err = b.CreateGroup(ctx, name, "g")
		require.NoError(t, err)

		entries, err := b.ReadGroup(ctx, name, "g", "c1", 10, stream.NoBlock)
		require.NoError(t, err)
		assert.Empty(t, entries)

		id, err := b.Append(ctx, name, []byte("after"))
		require.NoError(t, err)

		entries, err = b.ReadGroup(ctx, name, "g", "c1", 10, stream.NoBlock)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, id, entries[0].ID)
		assert.Equal(t, []byte("after"), entries[0].Data)
	})

	t.Run("AppendIDsIncrease", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("ids")

		var prev stream.ID
		for i := 0; i < 20; i++ {
			id, err := b.Append(ctx, name, []byte{byte(i)})
			require.NoError(t, err)
			assert.True(t, prev.Less(id), "%s not after %s", id, prev)
			prev = id
		}
	})

	t.Run("ReadGroupDeliversOnce", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("once")
		createGroup(t, b, name, "g")

		ids := appendN(t, b, name, 3)

		first, err := b.ReadGroup(ctx, name, "g", "c1", 2, stream.NoBlock)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, ids[0], first[0].ID)
		assert.Equal(t, ids[1], first[1].ID)

		second, err := b.ReadGroup(ctx, name, "g", "c2", 10, stream.NoBlock)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, ids[2], second[0].ID)

		none, err := b.ReadGroup(ctx, name, "g", "c1", 10, stream.NoBlock)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ReadGroupUnknownGroup", func(t *testing.T) {
		b := newBroker(t)
		name := UniqueStream("nogroup")
		createGroup(t, b, name, "g")

		_, err := b.ReadGroup(context.Background(), name, "missing", "c1", 1, stream.NoBlock)
		require.ErrorIs(t, err, stream.ErrGroupNotFound)
	})

	t.Run("ReadGroupBlockTimeout", func(t *testing.T) {
		b := newBroker(t)
		name := UniqueStream("timeout")
		createGroup(t, b, name, "g")

		start := time.Now()
		entries, err := b.ReadGroup(context.Background(), name, "g", "c1", 1, 150*time.Millisecond)
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)
	})

	t.Run("ReadGroupWakesOnAppend", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("wake")
		createGroup(t, b, name, "g")

		got := make(chan []stream.Entry, 1)
		errs := make(chan error, 1)
		go func() {
			entries, err := b.ReadGroup(ctx, name, "g", "c1", 1, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			got <- entries
		}()

		time.Sleep(50 * time.Millisecond)
		id, err := b.Append(ctx, name, []byte("wake"))
		require.NoError(t, err)

		select {
		case entries := <-got:
			require.Len(t, entries, 1)
			assert.Equal(t, id, entries[0].ID)
		case err := <-errs:
			t.Fatalf("read failed: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatal("blocked read was not woken by append")
		}
	})

	if !cfg.skipCancel {
		t.Run("ReadGroupCancel", func(t *testing.T) {
			b := newBroker(t)
			name := UniqueStream("cancel")
			createGroup(t, b, name, "g")

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				_, err := b.ReadGroup(ctx, name, "g", "c1", 1, stream.BlockForever)
				done <- err
			}()

			time.Sleep(50 * time.Millisecond)
			cancel()

			select {
			case err := <-done:
				require.Error(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("cancelled read did not return")
			}
		})
	}

	t.Run("PendingRangeOrderedFromStart", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("pending")
		createGroup(t, b, name, "g")

		ids := appendN(t, b, name, 5)
		_, err := b.ReadGroup(ctx, name, "g", "c1", 5, stream.NoBlock)
		require.NoError(t, err)

		all, err := b.PendingRange(ctx, name, "g", stream.MinID, 10)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, p := range all {
			assert.Equal(t, ids[i], p.ID)
			assert.Equal(t, "c1", p.Consumer)
			assert.EqualValues(t, 1, p.Deliveries)
		}

		page, err := b.PendingRange(ctx, name, "g", ids[1].Next(), 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)

		past, err := b.PendingRange(ctx, name, "g", ids[4].Next(), 10)
		require.NoError(t, err)
		assert.Empty(t, past)
	})

	t.Run("ClaimRespectsMinIdle", func(t *testing.T) {
		if cfg.skipClaimIdle != "" {
			t.Skip(cfg.skipClaimIdle)
		}
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("claim")
		createGroup(t, b, name, "g")

		ids := appendN(t, b, name, 1)
		_, err := b.ReadGroup(ctx, name, "g", "c1", 1, stream.NoBlock)
		require.NoError(t, err)

		claimed, err := b.Claim(ctx, name, "g", "c2", time.Hour, ids[0])
		require.NoError(t, err)
		assert.Empty(t, claimed)

		time.Sleep(60 * time.Millisecond)
		claimed, err = b.Claim(ctx, name, "g", "c2", 50*time.Millisecond, ids[0])
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, ids[0], claimed[0].ID)
		assert.Equal(t, []byte("m0"), claimed[0].Data)

		pending, err := b.PendingRange(ctx, name, "g", stream.MinID, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "c2", pending[0].Consumer)
		assert.EqualValues(t, 2, pending[0].Deliveries)
		assert.Less(t, pending[0].Idle, 50*time.Millisecond)
	})

	t.Run("ClaimSingleOwner", func(t *testing.T) {
		if cfg.skipClaimIdle != "" {
			t.Skip(cfg.skipClaimIdle)
		}
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("race")
		createGroup(t, b, name, "g")

		ids := appendN(t, b, name, 1)
		_, err := b.ReadGroup(ctx, name, "g", "crashed", 1, stream.NoBlock)
		require.NoError(t, err)
		time.Sleep(60 * time.Millisecond)

		const claimers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got, err := b.Claim(ctx, name, "g", fmt.Sprintf("c%d", i), 50*time.Millisecond, ids[0])
				if assert.NoError(t, err) && len(got) == 1 {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("AckIdempotent", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("ack")
		createGroup(t, b, name, "g")

		ids := appendN(t, b, name, 1)
		_, err := b.ReadGroup(ctx, name, "g", "c1", 1, stream.NoBlock)
		require.NoError(t, err)

		n, err := b.Ack(ctx, name, "g", ids[0])
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = b.Ack(ctx, name, "g", ids[0])
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		pending, err := b.PendingRange(ctx, name, "g", stream.MinID, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("ClaimAfterAckSkipped", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		name := UniqueStream("acked")
		createGroup(t, b, name, "g")

		ids := appendN(t, b, name, 1)
		_, err := b.ReadGroup(ctx, name, "g", "c1", 1, stream.NoBlock)
		require.NoError(t, err)
		_, err = b.Ack(ctx, name, "g", ids[0])
		require.NoError(t, err)

		claimed, err := b.Claim(ctx, name, "g", "c2", 0, ids[0])
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func createGroup(t *testing.T, b stream.Broker, name, group string) {
	t.Helper()
	_, err := b.CreateGroup(context.Background(), name, group)
	require.NoError(t, err)
}

func appendN(t *testing.T, b stream.Broker, name string, n int) []stream.ID {
	t.Helper()
	ids := make([]stream.ID, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Append(context.Background(), name, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}
