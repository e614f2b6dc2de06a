// Package clock implements the Timestamp Allocator (spec component A): a
// monotonically increasing 64-bit logical clock used to stamp transaction
// starts, commits, and checkpoints. Every other component that needs "now"
// in the MVCC sense takes a *clock.Allocator rather than reading wall time.
package clock

import "sync/atomic"

// Timestamp is a logical, monotonically increasing clock value. Zero is
// never issued by Allocator.Update; it is reserved to mean "no timestamp".
type Timestamp uint64

// Allocator hands out a monotonically increasing sequence of Timestamps.
// The hot path (Update) is a single atomic increment; it never decreases,
// even across a restart, since Engine.Recover bumps it past the highest
// timestamp recovery observed in the journal.
type Allocator struct {
	counter atomic.Uint64
}

// New creates an Allocator whose next issued Timestamp is seed+1.
func New(seed Timestamp) *Allocator {
	a := &Allocator{}
	a.counter.Store(uint64(seed))
	return a
}

// Current returns the last issued Timestamp without allocating a new one.
func (a *Allocator) Current() Timestamp {
	return Timestamp(a.counter.Load())
}

// Update allocates and returns the next Timestamp.
func (a *Allocator) Update() Timestamp {
	return Timestamp(a.counter.Add(1))
}

// AllocateCheckpoint allocates the next Timestamp and tags it as the
// timestamp of a checkpoint. Engine.Checkpoint stores it in a
// journal.Checkpoint record, whose WallTime field it leaves at 0.
func (a *Allocator) AllocateCheckpoint() Timestamp {
	return a.Update()
}

// Bump advances the allocator so that Current() >= seen, without going
// backwards. Engine.Recover calls this once with the highest timestamp
// recovery.Run observed in the journal, so that post-recovery allocation
// never reissues a timestamp that existed before the crash.
func (a *Allocator) Bump(seen Timestamp) {
	for {
		cur := a.counter.Load()
		if uint64(seen) <= cur {
			return
		}
		if a.counter.CompareAndSwap(cur, uint64(seen)) {
			return
		}
	}
}
