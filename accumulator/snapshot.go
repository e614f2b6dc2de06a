package accumulator

import (
	"ferrodb/clock"
	"ferrodb/common"
	"ferrodb/txn"
)

// SnapshotValue implements snapshotValue(readerTs, step) (spec.md §4.I):
// base combined with every Delta whose authoring transaction is visible to
// (readerTs, step) per the §4.G CommitStatus rule. If the
// ActiveTransactionCache's floor shifts between the start and end of the
// walk, the walk may have mixed visibility decisions taken against two
// different floors; common.ErrRetry is returned and the caller — per
// spec.md's "caller loops" note on Retry — is expected to call
// SnapshotValue again.
func (a *Accumulator) SnapshotValue(idx *txn.Index, readerTs clock.Timestamp, step uint16) (int64, error) {
	floorBefore := idx.SnapshotFloor()

	a.mu.Lock()
	value := a.base
	for key, delta := range a.deltas {
		if idx.CommitStatus(key.ts, readerTs, key.step, step) == txn.Visible {
			value = combine(a.kind, value, delta)
		}
	}
	a.mu.Unlock()

	if idx.SnapshotFloor() != floorBefore {
		return 0, common.ErrRetry
	}
	return value, nil
}

// LiveValue returns the accumulator's current live value, reflecting every
// in-flight update regardless of visibility (used by SEQ allocation, which
// needs the raw post-combine value rather than a reader-relative
// snapshot).
func (a *Accumulator) LiveValue() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
