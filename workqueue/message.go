// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"fmt"

	"github.com/absmach/streamq/stream"
)

// Message is an entry handed to a worker. It stays pending until the
// worker calls TaskDone or its next Get.
type Message struct {
	ID   stream.ID
	Data []byte
	// Reclaimed is set when the entry was taken over from a stuck worker.
	Reclaimed bool
	// Deliveries counts how many times the group handed out the entry.
	Deliveries int64

	codec Codec
}

// Decode unmarshals the payload into v with the queue codec.
func (m *Message) Decode(v any) error {
	codec := m.codec
	if codec == nil {
		codec = JSONCodec{}
	}
	if err := codec.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: entry %s: %v", ErrDecode, m.ID, err)
	}
	return nil
}
