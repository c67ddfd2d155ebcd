// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis maps stream.Broker onto Redis Streams consumer groups
// (XGROUP, XADD, XREADGROUP, XPENDING, XCLAIM, XACK).
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/redis/go-redis/v9"
)

// Client is the subset of go-redis commands the broker needs.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient satisfy it.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("redis client is required")

// Config holds connection settings used by Dial.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Broker implements stream.Broker on Redis Streams.
type Broker struct {
	client Client
	logger *slog.Logger
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b, err := New(client, logger)
	if err != nil {
		return nil, err
	}
	if err := b.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an existing client.
func New(client Client, logger *slog.Logger) (*Broker, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, logger: logger}, nil
}

// CreateGroup runs XGROUP CREATE ... $ MKSTREAM. BUSYGROUP maps to GroupExists.
func (b *Broker) CreateGroup(ctx context.Context, name, group string) (stream.CreateGroupResult, error) {
	err := b.client.XGroupCreateMkStream(ctx, name, group, "$").Err()
	if err == nil {
		return stream.GroupCreated, nil
	}
	if strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return stream.GroupExists, nil
	}
	return 0, mapErr(err)
}

// Append runs XADD with the payload under the data field.
func (b *Broker) Append(ctx context.Context, name string, data []byte) (stream.ID, error) {
	raw, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: name,
		Values: map[string]interface{}{stream.DataField: data},
	}).Result()
	if err != nil {
		return stream.ID{}, mapErr(err)
	}
	return stream.ParseID(raw)
}

// ReadGroup runs XREADGROUP ... STREAMS name >.
func (b *Broker) ReadGroup(ctx context.Context, name, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	if count <= 0 {
		count = 1
	}
	// BLOCK takes whole milliseconds and 0 means forever.
	if block > 0 && block < time.Millisecond {
		block = time.Millisecond
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{name, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, mapErr(err)
	}

	var out []stream.Entry
	for _, xs := range res {
		for _, xm := range xs.Messages {
			e, ok, err := b.toEntry(xm)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// PendingRange runs XPENDING name group start + count.
func (b *Broker) PendingRange(ctx context.Context, name, group string, start stream.ID, count int) ([]stream.Pending, error) {
	startArg := "-"
	if !start.IsZero() {
		startArg = start.String()
	}

	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: name,
		Group:  group,
		Start:  startArg,
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapErr(err)
	}

	out := make([]stream.Pending, 0, len(res))
	for _, p := range res {
		id, err := stream.ParseID(p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, stream.Pending{
			ID:         id,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// Claim runs XCLAIM with MIN-IDLE-TIME minIdle.
func (b *Broker) Claim(ctx context.Context, name, group, consumer string, minIdle time.Duration, ids ...stream.ID) ([]stream.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs := make([]string, len(ids))
	for i, id := range ids {
		msgs[i] = id.String()
	}

	res, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: msgs,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapErr(err)
	}

	out := make([]stream.Entry, 0, len(res))
	for _, xm := range res {
		e, ok, err := b.toEntry(xm)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ack runs XACK.
func (b *Broker) Ack(ctx context.Context, name, group string, ids ...stream.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	n, err := b.client.XAck(ctx, name, group, raw...).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// Ping checks the connection.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return mapErr(err)
	}
	return nil
}

// Close closes the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// toEntry converts a stream message. Entries trimmed from the stream come
// back without fields and are skipped.
func (b *Broker) toEntry(xm redis.XMessage) (stream.Entry, bool, error) {
	id, err := stream.ParseID(xm.ID)
	if err != nil {
		return stream.Entry{}, false, err
	}
	switch v := xm.Values[stream.DataField].(type) {
	case string:
		return stream.Entry{ID: id, Data: []byte(v)}, true, nil
	case []byte:
		return stream.Entry{ID: id, Data: v}, true, nil
	default:
		b.logger.Warn("entry without data field", "entry_id", xm.ID)
		return stream.Entry{}, false, nil
	}
}

// mapErr classifies go-redis errors. Server replies keep their meaning;
// anything else is a transport failure.
func mapErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		if strings.HasPrefix(rerr.Error(), "NOGROUP") {
			return fmt.Errorf("%w: %v", stream.ErrGroupNotFound, err)
		}
		return fmt.Errorf("redis: %w", err)
	}
	if errors.Is(err, redis.ErrClosed) {
		return stream.ErrClosed
	}
	return fmt.Errorf("%w: %v", stream.ErrUnavailable, err)
}

var (
	_ stream.Broker = (*Broker)(nil)
	_ stream.Pinger = (*Broker)(nil)
	_ Client        = (*redis.Client)(nil)
)
