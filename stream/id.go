// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidID is returned when an entry id cannot be parsed.
var ErrInvalidID = errors.New("invalid entry id")

// ID identifies an entry within a stream. IDs are totally ordered by
// (Ms, Seq) and rendered as "<ms>-<seq>".
type ID struct {
	Ms  uint64
	Seq uint64
}

var (
	// MinID sorts before every entry id. It is rendered as "-".
	MinID = ID{}
	// MaxID sorts after every entry id. It is rendered as "+".
	MaxID = ID{Ms: math.MaxUint64, Seq: math.MaxUint64}
)

// ParseID parses "<ms>-<seq>". A bare "<ms>" is accepted with sequence 0,
// and the range markers "-" and "+" map to MinID and MaxID.
func ParseID(s string) (ID, error) {
	switch s {
	case "-":
		return MinID, nil
	case "+":
		return MaxID, nil
	case "":
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}

	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	if !hasSeq {
		return ID{Ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// MustParseID is like ParseID but panics on error.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// IsZero reports whether id is the zero (minimum) id.
func (id ID) IsZero() bool {
	return id == MinID
}

// Compare returns -1, 0 or +1 depending on whether id sorts before,
// equal to or after other.
func (id ID) Compare(other ID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// Less reports whether id sorts strictly before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// Next returns the smallest id strictly greater than id. The sequence is
// incremented, carrying into the millisecond part on overflow. Next of
// MaxID is MaxID.
func (id ID) Next() ID {
	if id.Seq < math.MaxUint64 {
		return ID{Ms: id.Ms, Seq: id.Seq + 1}
	}
	if id.Ms < math.MaxUint64 {
		return ID{Ms: id.Ms + 1, Seq: 0}
	}
	return MaxID
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NowMs returns the current wall clock in Unix milliseconds.
// Replaced in tests.
var NowMs = func() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Generator assigns monotonically increasing ids. Within one millisecond
// the sequence grows; if the clock moves backwards the last millisecond
// is kept so ids never regress.
type Generator struct {
	mu   sync.Mutex
	last ID
}

// NewGenerator returns a generator that only produces ids after last.
func NewGenerator(last ID) *Generator {
	return &Generator{last: last}
}

// Next returns the next id.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := NowMs()
	if now > g.last.Ms {
		g.last = ID{Ms: now}
		return g.last
	}
	g.last = g.last.Next()
	return g.last
}

// Last returns the most recently issued id.
func (g *Generator) Last() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
