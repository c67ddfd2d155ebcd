// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/absmach/streamq/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBrokerConformance(t *testing.T) {
	testutil.RunBrokerSuite(t, func(t *testing.T) stream.Broker {
		return newBroker(t, Config{})
	})
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := New(Config{Dir: dir})
	require.NoError(t, err)

	_, err = b.CreateGroup(ctx, "jobs", "g")
	require.NoError(t, err)
	first, err := b.Append(ctx, "jobs", []byte("one"))
	require.NoError(t, err)
	second, err := b.Append(ctx, "jobs", []byte("two"))
	require.NoError(t, err)

	entries, err := b.ReadGroup(ctx, "jobs", "g", "c1", 1, stream.NoBlock)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, b.Close())

	b, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer b.Close()

	res, err := b.CreateGroup(ctx, "jobs", "g")
	require.NoError(t, err)
	assert.Equal(t, stream.GroupExists, res)

	pending, err := b.PendingRange(ctx, "jobs", "g", stream.MinID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, "c1", pending[0].Consumer)

	entries, err = b.ReadGroup(ctx, "jobs", "g", "c2", 10, stream.NoBlock)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second, entries[0].ID)
	assert.Equal(t, []byte("two"), entries[0].Data)

	third, err := b.Append(ctx, "jobs", []byte("three"))
	require.NoError(t, err)
	assert.True(t, second.Less(third))
}

func TestClaimUsesConfiguredClock(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := newBroker(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	_, err := b.CreateGroup(ctx, "jobs", "g")
	require.NoError(t, err)
	id, err := b.Append(ctx, "jobs", []byte("x"))
	require.NoError(t, err)
	_, err = b.ReadGroup(ctx, "jobs", "g", "c1", 1, stream.NoBlock)
	require.NoError(t, err)

	claimed, err := b.Claim(ctx, "jobs", "g", "c2", time.Minute, id)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	now = now.Add(2 * time.Minute)
	claimed, err = b.Claim(ctx, "jobs", "g", "c2", time.Minute, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestRejectsColonInNames(t *testing.T) {
	b := newBroker(t, Config{})
	ctx := context.Background()

	_, err := b.CreateGroup(ctx, "a:b", "g")
	require.ErrorIs(t, err, stream.ErrInvalidArgument)
	_, err = b.CreateGroup(ctx, "a", "g:1")
	require.ErrorIs(t, err, stream.ErrInvalidArgument)
	_, err = b.Append(ctx, "", []byte("x"))
	require.ErrorIs(t, err, stream.ErrInvalidArgument)
}

func TestClosedBroker(t *testing.T) {
	b := newBroker(t, Config{})
	ctx := context.Background()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.ErrorIs(t, b.Ping(ctx), stream.ErrClosed)
	_, err := b.Append(ctx, "jobs", []byte("x"))
	require.ErrorIs(t, err, stream.ErrClosed)
}

func TestKeyHelpers(t *testing.T) {
	id := stream.ID{Ms: 1700000000000, Seq: 4}
	got, err := idFromKey(entryKey("jobs", id))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = idFromKey(pelKey("jobs", "g", id))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	assert.Equal(t, id, decodeID(encodeID(id)))
	assert.Equal(t, stream.ID{}, decodeID([]byte{1, 2}))
}
