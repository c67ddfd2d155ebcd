// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import "errors"

// Work queue errors.
var (
	// Configuration errors.
	ErrNilBroker          = errors.New("broker is required")
	ErrEmptyStream        = errors.New("stream name cannot be empty")
	ErrEmptyGroup         = errors.New("group name cannot be empty")
	ErrInvalidBatchSize   = errors.New("batch size must be positive")
	ErrInvalidStuckConfig = errors.New("stuck timeout and check interval cannot be negative")

	// Message errors.
	ErrEncode = errors.New("failed to encode message")
	ErrDecode = errors.New("failed to decode message")
)
