// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/absmach/streamq/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestBrokerConformance(t *testing.T) {
	// go-redis only interrupts blocked reads on deadlines, not cancellation.
	// The claim checks run against a real server in integration_test.go.
	testutil.RunBrokerSuite(t, func(t *testing.T) stream.Broker {
		b, _ := newBroker(t)
		return b
	}, testutil.SkipCancelUnblock(),
		testutil.SkipClaimIdle("miniredis XCLAIM ignores min-idle-time"))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrClientRequired)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	b, err := Dial(ctx, Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Ping(ctx))
}

func TestUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	b, err := New(client, nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	_, err = b.CreateGroup(ctx, "jobs", "g")
	require.ErrorIs(t, err, stream.ErrUnavailable)
	_, err = b.Append(ctx, "jobs", []byte("x"))
	require.ErrorIs(t, err, stream.ErrUnavailable)
	require.ErrorIs(t, b.Ping(ctx), stream.ErrUnavailable)

	_, err = Dial(ctx, Config{Addr: "127.0.0.1:1"}, nil)
	require.ErrorIs(t, err, stream.ErrUnavailable)
}

func TestStoresDataField(t *testing.T) {
	b, mr := newBroker(t)
	ctx := context.Background()

	_, err := b.CreateGroup(ctx, "jobs", "g")
	require.NoError(t, err)
	id, err := b.Append(ctx, "jobs", []byte(`{"n":1}`))
	require.NoError(t, err)

	entries, err := mr.Stream("jobs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id.String(), entries[0].ID)
	assert.Equal(t, []string{stream.DataField, `{"n":1}`}, entries[0].Values)
}

type serverErr string

func (e serverErr) Error() string { return string(e) }

func (serverErr) RedisError() {}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nogroup", err: serverErr("NOGROUP No such key 'jobs' or consumer group 'g'"), want: stream.ErrGroupNotFound},
		{name: "wrongtype", err: serverErr("WRONGTYPE Operation against a key holding the wrong kind of value"), want: serverErr("WRONGTYPE Operation against a key holding the wrong kind of value")},
		{name: "closed", err: redis.ErrClosed, want: stream.ErrClosed},
		{name: "network", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: stream.ErrUnavailable},
		{name: "cancel", err: context.Canceled, want: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, mapErr(tt.err), tt.want)
		})
	}
}

func TestSubMillisecondBlockDoesNotHang(t *testing.T) {
	b, _ := newBroker(t)
	ctx := context.Background()
	_, err := b.CreateGroup(ctx, "jobs", "g")
	require.NoError(t, err)

	start := time.Now()
	entries, err := b.ReadGroup(ctx, "jobs", "g", "c1", 1, 100*time.Microsecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Less(t, time.Since(start), time.Second)
}
