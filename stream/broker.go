// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream defines the consumer-group primitives of a log-structured
// broker: an append-only stream of entries, named consumer groups sharing a
// read cursor, a per-group pending entries list (PEL) and atomic claims.
//
// Backends live in subpackages (memory, badger, redis, remote). The work
// queue in package workqueue is built only on the Broker interface.
package stream

import (
	"context"
	"errors"
	"time"
)

// DataField is the field name under which entry payloads are stored.
const DataField = "data"

// Block durations accepted by ReadGroup.
const (
	// NoBlock makes ReadGroup return immediately when nothing is available.
	NoBlock time.Duration = -1
	// BlockForever makes ReadGroup wait until an entry arrives or the
	// context is cancelled.
	BlockForever time.Duration = 0
)

var (
	// ErrUnavailable wraps transport and storage failures. Callers must
	// treat it as fatal for the current operation.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrGroupNotFound is returned by group operations on an unknown group.
	ErrGroupNotFound = errors.New("consumer group not found")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by a broker after Close.
	ErrClosed = errors.New("broker closed")
)

// CreateGroupResult reports the outcome of CreateGroup.
type CreateGroupResult int

const (
	// GroupCreated means a new group was created at the stream tail.
	GroupCreated CreateGroupResult = iota
	// GroupExists means the group was already present. It is not an error.
	GroupExists
)

func (r CreateGroupResult) String() string {
	switch r {
	case GroupCreated:
		return "created"
	case GroupExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Entry is an immutable stream record.
type Entry struct {
	ID   ID     `json:"id"`
	Data []byte `json:"data"`
}

// Pending describes an entry delivered to a group member but not yet
// acknowledged.
type Pending struct {
	ID         ID            `json:"id"`
	Consumer   string        `json:"consumer"`
	Idle       time.Duration `json:"idle"`
	Deliveries int64         `json:"deliveries"`
}

// Broker is the set of consumer-group operations the work queue relies on.
// Implementations must make Claim and Ack atomic with respect to each other
// so that an entry is owned by at most one consumer at a time.
type Broker interface {
	// CreateGroup creates group on stream positioned at the current tail,
	// creating the stream if it does not exist.
	CreateGroup(ctx context.Context, stream, group string) (CreateGroupResult, error)

	// Append adds data as a new entry and returns its id.
	Append(ctx context.Context, stream string, data []byte) (ID, error)

	// ReadGroup delivers up to count entries never delivered to the group,
	// recording each in the PEL under consumer. A negative block returns
	// immediately, zero waits until data arrives and a positive value waits
	// at most that long. No data yields an empty slice and a nil error.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// PendingRange lists up to count PEL records with ids at or after start,
	// in ascending id order.
	PendingRange(ctx context.Context, stream, group string, start ID, count int) ([]Pending, error)

	// Claim transfers ownership of the given pending entries to consumer,
	// but only for entries idle at least minIdle. Entries that were acked
	// or recently delivered to someone else are silently skipped.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...ID) ([]Entry, error)

	// Ack removes ids from the group's PEL and returns how many were present.
	Ack(ctx context.Context, stream, group string, ids ...ID) (int64, error)
}

// Pinger is implemented by brokers that can report their liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}
