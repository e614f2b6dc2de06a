// Package accumulator implements Accumulators (spec component I):
// transactionally-consistent SUM/MIN/MAX/SEQ aggregates, reconstructed for
// a reader from a checkpointed base value plus the visible subset of the
// per-transaction Deltas accumulated since that checkpoint.
package accumulator

import (
	"math"
	"sync"

	"ferrodb/clock"
	"ferrodb/txn"
)

// Kind is the closed set of accumulator kinds (spec.md §4.I); dispatch is
// via this tagged variant, not an open-ended interface.
type Kind uint8

const (
	Sum Kind = iota
	Min
	Max
	Seq
)

// Identity returns k's identity value, used as the base of a brand-new
// accumulator that has never been checkpointed.
func Identity(k Kind) int64 {
	switch k {
	case Min:
		return math.MaxInt64
	case Max:
		return math.MinInt64
	default: // Sum, Seq
		return 0
	}
}

func combine(k Kind, x, y int64) int64 {
	switch k {
	case Min:
		if y < x {
			return y
		}
		return x
	case Max:
		if y > x {
			return y
		}
		return x
	default: // Sum, Seq
		return x + y
	}
}

// deltaKey coalesces updates: one Delta per (accumulator, step) per
// transaction (spec.md §4.I).
type deltaKey struct {
	ts   clock.Timestamp
	step uint16
}

// Accumulator is a single per-tree aggregate at a given index.
type Accumulator struct {
	mu       sync.Mutex
	kind     Kind
	index    uint32
	treeName string

	base   int64
	live   int64
	deltas map[deltaKey]int64
}

// New creates an Accumulator with the given checkpointed base value (0 on
// first creation of a tree's accumulator).
func New(kind Kind, index uint32, treeName string, base int64) *Accumulator {
	return &Accumulator{
		kind:     kind,
		index:    index,
		treeName: treeName,
		base:     base,
		live:     base,
		deltas:   make(map[deltaKey]int64),
	}
}

// Kind returns the accumulator's kind.
func (a *Accumulator) Kind() Kind { return a.kind }

// Index returns the accumulator's index within its tree.
func (a *Accumulator) Index() uint32 { return a.index }

// TreeName returns the name of the tree this accumulator belongs to.
func (a *Accumulator) TreeName() string { return a.treeName }

// Update atomically combines value into the live value and coalesces it
// into st's Delta at step (spec.md §4.I "update(value, txn, step)"). It
// returns the live value immediately after combining — for Seq this is
// the gap-free sequence number the caller should use (spec.md §4.I "SEQ
// semantics").
func (a *Accumulator) Update(value int64, st *txn.Status, step uint16) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.live = combine(a.kind, a.live, value)

	key := deltaKey{ts: st.Ts, step: step}
	if existing, ok := a.deltas[key]; ok {
		a.deltas[key] = combine(a.kind, existing, value)
	} else {
		a.deltas[key] = value
	}
	return a.live
}
