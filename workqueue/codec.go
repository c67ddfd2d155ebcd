// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Codec converts task values to entry payloads and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes values as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// RawCodec passes []byte and string values through untouched.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("raw codec cannot encode %T", v)
	}
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = append((*t)[:0], data...)
	case *string:
		*t = string(data)
	default:
		return fmt.Errorf("raw codec cannot decode into %T", v)
	}
	return nil
}

// ZstdCodec compresses the output of an inner codec with zstd.
type ZstdCodec struct {
	Inner Codec

	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

// NewZstdCodec wraps inner, or JSONCodec when inner is nil.
func NewZstdCodec(inner Codec) *ZstdCodec {
	if inner == nil {
		inner = JSONCodec{}
	}
	return &ZstdCodec{Inner: inner}
}

func (c *ZstdCodec) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil)
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil)
	})
	return c.initErr
}

func (c *ZstdCodec) Marshal(v any) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	raw, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *ZstdCodec) Unmarshal(data []byte, v any) error {
	if err := c.init(); err != nil {
		return err
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	return c.Inner.Unmarshal(raw, v)
}
