// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"time"

	"github.com/absmach/streamq/stream"
)

// JSON wire types shared by the HTTP broker server and Client.

// CreateGroupResponse is returned by POST /v1/streams/{stream}/groups/{group}.
type CreateGroupResponse struct {
	Result string `json:"result"` // "created" or "exists"
}

// AppendRequest is the body of POST /v1/streams/{stream}/entries.
type AppendRequest struct {
	Data []byte `json:"data"`
}

// AppendResponse carries the assigned id.
type AppendResponse struct {
	ID stream.ID `json:"id"`
}

// ReadRequest is the body of POST /v1/streams/{stream}/groups/{group}/read.
// BlockMs < 0 returns immediately and 0 waits up to the server limit.
type ReadRequest struct {
	Consumer string `json:"consumer"`
	Count    int    `json:"count"`
	BlockMs  int64  `json:"block_ms"`
}

// EntriesResponse is returned by read and claim.
type EntriesResponse struct {
	Entries []stream.Entry `json:"entries"`
}

// PendingResponse is returned by GET /v1/streams/{stream}/groups/{group}/pending.
type PendingResponse struct {
	Pending []PendingEntry `json:"pending"`
}

// PendingEntry is a PEL record with idle time in milliseconds.
type PendingEntry struct {
	ID         stream.ID `json:"id"`
	Consumer   string    `json:"consumer"`
	IdleMs     int64     `json:"idle_ms"`
	Deliveries int64     `json:"deliveries"`
}

// ClaimRequest is the body of POST /v1/streams/{stream}/groups/{group}/claim.
type ClaimRequest struct {
	Consumer  string      `json:"consumer"`
	MinIdleMs int64       `json:"min_idle_ms"`
	IDs       []stream.ID `json:"ids"`
}

// AckRequest is the body of POST /v1/streams/{stream}/groups/{group}/ack.
type AckRequest struct {
	IDs []stream.ID `json:"ids"`
}

// AckResponse reports how many ids were pending.
type AckResponse struct {
	Acked int64 `json:"acked"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ToPending converts a wire record.
func (p PendingEntry) ToPending() stream.Pending {
	return stream.Pending{
		ID:         p.ID,
		Consumer:   p.Consumer,
		Idle:       time.Duration(p.IdleMs) * time.Millisecond,
		Deliveries: p.Deliveries,
	}
}

// FromPending converts to a wire record.
func FromPending(p stream.Pending) PendingEntry {
	return PendingEntry{
		ID:         p.ID,
		Consumer:   p.Consumer,
		IdleMs:     p.Idle.Milliseconds(),
		Deliveries: p.Deliveries,
	}
}
