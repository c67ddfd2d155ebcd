// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process stream broker. Streams are
// append-only slices guarded by a per-stream mutex, and blocked readers are
// woken through a notify channel that is closed and replaced on every append.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/absmach/streamq/stream"
)

// Broker implements stream.Broker in memory.
type Broker struct {
	streams sync.Map // map[string]*streamLog
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// streamLog holds one stream and its consumer groups.
type streamLog struct {
	mu      sync.Mutex
	gen     *stream.Generator
	entries []stream.Entry // ordered by id
	groups  map[string]*groupState
	notify  chan struct{}
}

type groupState struct {
	lastDelivered stream.ID
	pel           map[stream.ID]*pendingEntry
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the clock used for PEL idle times.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates an empty in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) getOrCreate(name string) *streamLog {
	if v, ok := b.streams.Load(name); ok {
		return v.(*streamLog)
	}
	sl := &streamLog{
		gen:    stream.NewGenerator(stream.MinID),
		groups: make(map[string]*groupState),
		notify: make(chan struct{}),
	}
	v, _ := b.streams.LoadOrStore(name, sl)
	return v.(*streamLog)
}

func (b *Broker) get(name string) (*streamLog, bool) {
	v, ok := b.streams.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*streamLog), true
}

func (b *Broker) checkOpen() error {
	select {
	case <-b.done:
		return stream.ErrClosed
	default:
		return nil
	}
}

// CreateGroup creates group at the tail of name, creating the stream if needed.
func (b *Broker) CreateGroup(ctx context.Context, name, group string) (stream.CreateGroupResult, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	if name == "" || group == "" {
		return 0, fmt.Errorf("%w: stream and group are required", stream.ErrInvalidArgument)
	}

	sl := b.getOrCreate(name)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if _, ok := sl.groups[group]; ok {
		return stream.GroupExists, nil
	}
	sl.groups[group] = &groupState{
		lastDelivered: sl.tail(),
		pel:           make(map[stream.ID]*pendingEntry),
	}
	return stream.GroupCreated, nil
}

// Append adds data to name and wakes blocked readers.
func (b *Broker) Append(ctx context.Context, name string, data []byte) (stream.ID, error) {
	if err := b.checkOpen(); err != nil {
		return stream.ID{}, err
	}
	if name == "" {
		return stream.ID{}, fmt.Errorf("%w: stream is required", stream.ErrInvalidArgument)
	}

	sl := b.getOrCreate(name)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	id := sl.gen.Next()
	payload := make([]byte, len(data))
	copy(payload, data)
	sl.entries = append(sl.entries, stream.Entry{ID: id, Data: payload})

	close(sl.notify)
	sl.notify = make(chan struct{})

	return id, nil
}

// ReadGroup delivers entries after the group cursor, blocking per block.
func (b *Broker) ReadGroup(ctx context.Context, name, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	if count <= 0 {
		count = 1
	}

	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}

	for {
		if err := b.checkOpen(); err != nil {
			return nil, err
		}

		sl, ok := b.get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, name, group)
		}

		sl.mu.Lock()
		gs, ok := sl.groups[group]
		if !ok {
			sl.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, name, group)
		}
		entries := sl.deliver(gs, consumer, count, b.now())
		notify := sl.notify
		sl.mu.Unlock()

		if len(entries) > 0 || block < 0 {
			return entries, nil
		}

		select {
		case <-notify:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, stream.ErrClosed
		}
	}
}

// PendingRange lists PEL records at or after start.
func (b *Broker) PendingRange(ctx context.Context, name, group string, start stream.ID, count int) ([]stream.Pending, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	_, gs, unlock, err := b.lockGroup(name, group)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ids := make([]stream.ID, 0, len(gs.pel))
	for id := range gs.pel {
		if !id.Less(start) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	if count > 0 && len(ids) > count {
		ids = ids[:count]
	}

	now := b.now()
	out := make([]stream.Pending, 0, len(ids))
	for _, id := range ids {
		pe := gs.pel[id]
		out = append(out, stream.Pending{
			ID:         id,
			Consumer:   pe.consumer,
			Idle:       now.Sub(pe.deliveredAt),
			Deliveries: pe.deliveries,
		})
	}
	return out, nil
}

// Claim transfers pending entries idle for at least minIdle to consumer.
func (b *Broker) Claim(ctx context.Context, name, group, consumer string, minIdle time.Duration, ids ...stream.ID) ([]stream.Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	sl, gs, unlock, err := b.lockGroup(name, group)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := b.now()
	var out []stream.Entry
	for _, id := range ids {
		pe, ok := gs.pel[id]
		if !ok || now.Sub(pe.deliveredAt) < minIdle {
			continue
		}
		entry, ok := sl.find(id)
		if !ok {
			delete(gs.pel, id)
			continue
		}
		pe.consumer = consumer
		pe.deliveredAt = now
		pe.deliveries++
		out = append(out, detach(entry))
	}
	return out, nil
}

// Ack removes ids from the PEL.
func (b *Broker) Ack(ctx context.Context, name, group string, ids ...stream.ID) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	sl, ok := b.get(name)
	if !ok {
		return 0, nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	gs, ok := sl.groups[group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := gs.pel[id]; ok {
			delete(gs.pel, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries in name.
func (b *Broker) Len(name string) int {
	sl, ok := b.get(name)
	if !ok {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.entries)
}

// Ping reports whether the broker is open.
func (b *Broker) Ping(ctx context.Context) error {
	return b.checkOpen()
}

// Close wakes all blocked readers and rejects further calls.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}

func (b *Broker) lockGroup(name, group string) (*streamLog, *groupState, func(), error) {
	sl, ok := b.get(name)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, name, group)
	}
	sl.mu.Lock()
	gs, ok := sl.groups[group]
	if !ok {
		sl.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, name, group)
	}
	return sl, gs, sl.mu.Unlock, nil
}

// tail returns the last assigned id. Caller holds mu.
func (sl *streamLog) tail() stream.ID {
	if len(sl.entries) == 0 {
		return sl.gen.Last()
	}
	return sl.entries[len(sl.entries)-1].ID
}

// deliver moves up to count entries after the group cursor into the PEL.
// Caller holds mu.
func (sl *streamLog) deliver(gs *groupState, consumer string, count int, now time.Time) []stream.Entry {
	start := sort.Search(len(sl.entries), func(i int) bool {
		return gs.lastDelivered.Less(sl.entries[i].ID)
	})
	if start >= len(sl.entries) {
		return nil
	}
	end := start + count
	if end > len(sl.entries) {
		end = len(sl.entries)
	}

	out := make([]stream.Entry, end-start)
	for i, e := range sl.entries[start:end] {
		out[i] = detach(e)
	}
	for _, e := range out {
		gs.pel[e.ID] = &pendingEntry{
			consumer:    consumer,
			deliveredAt: now,
			deliveries:  1,
		}
	}
	gs.lastDelivered = out[len(out)-1].ID
	return out
}

// find locates id by binary search. Caller holds mu.
func (sl *streamLog) find(id stream.ID) (stream.Entry, bool) {
	i := sort.Search(len(sl.entries), func(i int) bool {
		return !sl.entries[i].ID.Less(id)
	})
	if i < len(sl.entries) && sl.entries[i].ID == id {
		return sl.entries[i], true
	}
	return stream.Entry{}, false
}

// detach returns e with its own copy of Data so callers cannot rewrite the log.
func detach(e stream.Entry) stream.Entry {
	e.Data = bytes.Clone(e.Data)
	return e
}

var (
	_ stream.Broker = (*Broker)(nil)
	_ stream.Pinger = (*Broker)(nil)
)
