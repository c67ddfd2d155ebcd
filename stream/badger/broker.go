// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a persistent stream broker on BadgerDB. Entries,
// group cursors and PEL records are plain keys; claims and cursor moves run
// in optimistic transactions so concurrent callers in the process serialize
// on conflicts.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key prefixes for BadgerDB storage.
const (
	streamTailPrefix = "sq:tail:"  // Last assigned id: sq:tail:{stream}
	entryPrefix      = "sq:entry:" // Entries: sq:entry:{stream}:{ms}-{seq}
	groupPrefix      = "sq:group:" // Group cursor: sq:group:{stream}:{group}
	pelPrefix        = "sq:pel:"   // PEL records: sq:pel:{stream}:{group}:{ms}-{seq}
)

const maxTxnRetries = 64

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string
	SyncWrites bool
	GCInterval time.Duration
	Logger     *slog.Logger
	// Now overrides the clock used for PEL idle times.
	Now func() time.Time
}

// Broker implements stream.Broker on BadgerDB.
type Broker struct {
	db       *badger.DB
	logger   *slog.Logger
	now      func() time.Time
	notifier *notifier

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

type pendingRecord struct {
	Consumer    string `json:"consumer"`
	DeliveredAt int64  `json:"delivered_at"` // Unix nano
	Deliveries  int64  `json:"deliveries"`
}

// New opens (or creates) a broker in cfg.Dir.
func New(cfg Config) (*Broker, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", stream.ErrUnavailable, err)
	}

	b := &Broker{
		db:       db,
		logger:   cfg.Logger,
		now:      cfg.Now,
		notifier: newNotifier(),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go b.runGC(interval)

	return b, nil
}

// CreateGroup creates group at the tail of name, creating the stream if needed.
func (b *Broker) CreateGroup(ctx context.Context, name, group string) (stream.CreateGroupResult, error) {
	if err := validNames(name, group); err != nil {
		return 0, err
	}

	var res stream.CreateGroupResult
	err := b.update(func(txn *badger.Txn) error {
		res = stream.GroupCreated

		gk := groupKey(name, group)
		if _, err := txn.Get(gk); err == nil {
			res = stream.GroupExists
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		tail, ok, err := getID(txn, tailKey(name))
		if err != nil {
			return err
		}
		if !ok {
			if err := txn.Set(tailKey(name), encodeID(stream.MinID)); err != nil {
				return err
			}
		}
		return txn.Set(gk, encodeID(tail))
	})
	if err != nil {
		return 0, err
	}
	return res, nil
}

// Append adds data to name and wakes blocked readers.
func (b *Broker) Append(ctx context.Context, name string, data []byte) (stream.ID, error) {
	if err := validNames(name); err != nil {
		return stream.ID{}, err
	}

	var id stream.ID
	err := b.update(func(txn *badger.Txn) error {
		tail, _, err := getID(txn, tailKey(name))
		if err != nil {
			return err
		}

		id = tail.Next()
		if now := stream.NowMs(); now > tail.Ms {
			id = stream.ID{Ms: now}
		}

		if err := txn.Set(entryKey(name, id), data); err != nil {
			return err
		}
		return txn.Set(tailKey(name), encodeID(id))
	})
	if err != nil {
		return stream.ID{}, err
	}

	b.notifier.notify(name)
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
		// Subscribe before reading so an append between the read and the
		// wait is not missed.
		wake := b.notifier.wait(name)

		entries, err := b.deliver(name, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || block < 0 {
			return entries, nil
		}

		select {
		case <-wake:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.gcStopCh:
			return nil, stream.ErrClosed
		}
	}
}

func (b *Broker) deliver(name, group, consumer string, count int) ([]stream.Entry, error) {
	var out []stream.Entry
	err := b.update(func(txn *badger.Txn) error {
		out = nil

		gk := groupKey(name, group)
		cursor, ok, err := getID(txn, gk)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, name, group)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix + name + ":")
		opts.PrefetchSize = count
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(name, cursor.Next())); it.ValidForPrefix(opts.Prefix) && len(out) < count; it.Next() {
			item := it.Item()
			id, err := idFromKey(item.Key())
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, stream.Entry{ID: id, Data: data})
		}
		if len(out) == 0 {
			return nil
		}

		now := b.now().UnixNano()
		for _, e := range out {
			rec, err := json.Marshal(pendingRecord{Consumer: consumer, DeliveredAt: now, Deliveries: 1})
			if err != nil {
				return err
			}
			if err := txn.Set(pelKey(name, group, e.ID), rec); err != nil {
				return err
			}
		}
		return txn.Set(gk, encodeID(out[len(out)-1].ID))
	})
	return out, err
}

// PendingRange lists PEL records at or after start.
func (b *Broker) PendingRange(ctx context.Context, name, group string, start stream.ID, count int) ([]stream.Pending, error) {
	var out []stream.Pending
	err := b.view(func(txn *badger.Txn) error {
		if _, ok, err := getID(txn, groupKey(name, group)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, name, group)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pelPrefix + name + ":" + group + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		now := b.now()
		for it.Seek(pelKey(name, group, start)); it.ValidForPrefix(opts.Prefix); it.Next() {
			if count > 0 && len(out) >= count {
				break
			}
			item := it.Item()
			id, err := idFromKey(item.Key())
			if err != nil {
				return err
			}
			var rec pendingRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, stream.Pending{
				ID:         id,
				Consumer:   rec.Consumer,
				Idle:       now.Sub(time.Unix(0, rec.DeliveredAt)),
				Deliveries: rec.Deliveries,
			})
		}
		return nil
	})
	return out, err
}

// Claim transfers pending entries idle for at least minIdle to consumer.
func (b *Broker) Claim(ctx context.Context, name, group, consumer string, minIdle time.Duration, ids ...stream.ID) ([]stream.Entry, error) {
	var out []stream.Entry
	err := b.update(func(txn *badger.Txn) error {
		out = nil
		if _, ok, err := getID(txn, groupKey(name, group)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s/%s", stream.ErrGroupNotFound, name, group)
		}

		now := b.now()
		for _, id := range ids {
			pk := pelKey(name, group, id)
			rec, ok, err := getPending(txn, pk)
			if err != nil {
				return err
			}
			if !ok || now.Sub(time.Unix(0, rec.DeliveredAt)) < minIdle {
				continue
			}

			item, err := txn.Get(entryKey(name, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(pk); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			rec.Consumer = consumer
			rec.DeliveredAt = now.UnixNano()
			rec.Deliveries++
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(pk, val); err != nil {
				return err
			}
			out = append(out, stream.Entry{ID: id, Data: data})
		}
		return nil
	})
	return out, err
}

// Ack removes ids from the PEL.
func (b *Broker) Ack(ctx context.Context, name, group string, ids ...stream.ID) (int64, error) {
	var n int64
	err := b.update(func(txn *badger.Txn) error {
		n = 0
		for _, id := range ids {
			pk := pelKey(name, group, id)
			if _, err := txn.Get(pk); errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if err := txn.Delete(pk); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Ping reports whether the database is open.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.db.IsClosed() {
		return stream.ErrClosed
	}
	return nil
}

// Close stops GC, releases blocked readers and closes the database.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.gcStopCh)
	<-b.gcDone

	return b.db.Close()
}

func (b *Broker) runGC(interval time.Duration) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was worth collecting.
			if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn("badger value log GC failed", "error", err)
			}
		case <-b.gcStopCh:
			return
		}
	}
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stream.ErrClosed
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (b *Broker) update(fn func(txn *badger.Txn) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	for i := 0; i < maxTxnRetries; i++ {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return mapErr(err)
	}
	return fmt.Errorf("%w: too many transaction conflicts", stream.ErrUnavailable)
}

func (b *Broker) view(fn func(txn *badger.Txn) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return mapErr(b.db.View(fn))
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stream.ErrGroupNotFound),
		errors.Is(err, stream.ErrInvalidArgument),
		errors.Is(err, stream.ErrInvalidID):
		return err
	case errors.Is(err, badger.ErrDBClosed):
		return stream.ErrClosed
	default:
		return fmt.Errorf("%w: %v", stream.ErrUnavailable, err)
	}
}

func validNames(names ...string) error {
	for _, n := range names {
		if n == "" || strings.ContainsRune(n, ':') {
			return fmt.Errorf("%w: name %q must be non-empty and must not contain ':'", stream.ErrInvalidArgument, n)
		}
	}
	return nil
}

// --- Helper Methods ---

func tailKey(name string) []byte {
	return []byte(streamTailPrefix + name)
}

func groupKey(name, group string) []byte {
	return []byte(groupPrefix + name + ":" + group)
}

func entryKey(name string, id stream.ID) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d-%020d", entryPrefix, name, id.Ms, id.Seq))
}

func pelKey(name, group string, id stream.ID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d-%020d", pelPrefix, name, group, id.Ms, id.Seq))
}

func idFromKey(key []byte) (stream.ID, error) {
	k := string(key)
	i := strings.LastIndexByte(k, ':')
	if i < 0 {
		return stream.ID{}, fmt.Errorf("%w: key %q", stream.ErrInvalidID, k)
	}
	return stream.ParseID(k[i+1:])
}

func getID(txn *badger.Txn, key []byte) (stream.ID, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return stream.ID{}, false, nil
	}
	if err != nil {
		return stream.ID{}, false, err
	}

	var id stream.ID
	err = item.Value(func(v []byte) error {
		id = decodeID(v)
		return nil
	})
	return id, true, err
}

func getPending(txn *badger.Txn, key []byte) (pendingRecord, bool, error) {
	var rec pendingRecord
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err == nil, err
}

func encodeID(id stream.ID) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], id.Ms)
	binary.BigEndian.PutUint64(b[8:], id.Seq)
	return b
}

func decodeID(b []byte) stream.ID {
	if len(b) < 16 {
		return stream.ID{}
	}
	return stream.ID{
		Ms:  binary.BigEndian.Uint64(b[:8]),
		Seq: binary.BigEndian.Uint64(b[8:]),
	}
}

// notifier wakes readers blocked on a stream after an append commits.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]chan struct{})}
}

func (n *notifier) wait(name string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[name]
	if !ok {
		ch = make(chan struct{})
		n.chans[name] = ch
	}
	return ch
}

func (n *notifier) notify(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[name]; ok {
		close(ch)
		delete(n.chans, name)
	}
}

// Compile-time interface assertions
var (
	_ stream.Broker = (*Broker)(nil)
	_ stream.Pinger = (*Broker)(nil)
)
