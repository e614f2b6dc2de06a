// Package txn implements the Transaction Index (spec component G):
// bucketed TransactionStatus registration, commit/abort, the
// ActiveTransactionCache snapshot floor, visibility resolution for
// readers (commitStatus), and write-write dependency resolution with
// deadlock detection (wwDependency).
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"ferrodb/clock"
)

// sentinel commitTs values; any non-negative value is a real commit
// Timestamp.
const (
	uncommittedSentinel int64 = -1
	abortedSentinel     int64 = -2
)

// VersionHandle packs a writer's (Timestamp, step) pair into the 8-byte
// handle the MVV codec stores alongside each version (spec.md §4.H).
type VersionHandle uint64

// NewVersionHandle builds a handle from a writer's timestamp and step.
func NewVersionHandle(ts clock.Timestamp, step uint16) VersionHandle {
	return VersionHandle(uint64(ts)<<16 | uint64(step))
}

func (v VersionHandle) Timestamp() clock.Timestamp { return clock.Timestamp(uint64(v) >> 16) }
func (v VersionHandle) Step() uint16               { return uint16(v) }

// Status tracks one transaction's lifecycle: its start Timestamp, final
// disposition (uncommitted/aborted/committed-at), the count of MVV
// versions it has written (for notifyCompleted), and the wait-for edge
// used by deadlock detection.
type Status struct {
	Ts clock.Timestamp

	commitTs atomic.Int64
	mvvCount atomic.Int64

	done     chan struct{}
	doneOnce sync.Once

	waitingOn atomic.Pointer[Status]
}

func newStatus(ts clock.Timestamp) *Status {
	s := &Status{Ts: ts, done: make(chan struct{})}
	s.commitTs.Store(uncommittedSentinel)
	return s
}

// IsActive reports whether the transaction is still neither committed nor
// aborted.
func (s *Status) IsActive() bool {
	return s.commitTs.Load() == uncommittedSentinel
}

// CommitTimestamp returns the committed Timestamp and true, or (0, false)
// if the transaction is not in the committed state (still active, or
// aborted).
func (s *Status) CommitTimestamp() (clock.Timestamp, bool) {
	v := s.commitTs.Load()
	if v < 0 {
		return 0, false
	}
	return clock.Timestamp(v), true
}

// Aborted reports whether the transaction has aborted.
func (s *Status) Aborted() bool { return s.commitTs.Load() == abortedSentinel }

func (s *Status) commit(tc clock.Timestamp) {
	s.doneOnce.Do(func() {
		s.commitTs.Store(int64(tc))
		close(s.done)
	})
}

func (s *Status) abort() {
	s.doneOnce.Do(func() {
		s.commitTs.Store(abortedSentinel)
		close(s.done)
	})
}

// AddMVVCount adjusts the count of MVV versions authored by this
// transaction still referenced by any tree; notifyCompleted only frees the
// Status once this reaches zero. engine's Txn.Store increments it for each
// new version; nothing in the module decrements it (mvv.Prune does not).
func (s *Status) AddMVVCount(delta int64) { s.mvvCount.Add(delta) }

// MVVCount returns the current reference count.
func (s *Status) MVVCount() int64 { return s.mvvCount.Load() }

// waitFor blocks until target resolves or timeout elapses, recording the
// wait-for edge for deadlock detection while blocked.
func (s *Status) waitFor(target *Status, timeout time.Duration) bool {
	s.waitingOn.Store(target)
	defer s.waitingOn.Store(nil)
	select {
	case <-target.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
