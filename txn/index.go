package txn

import (
	"sync"
	"time"

	"ferrodb/clock"
)

// maxWaitChainWalk bounds the wait-for graph walk done before blocking in
// WWDependency, matching the page/tree packages' own bounded-walk idiom
// rather than an unbounded graph traversal.
const maxWaitChainWalk = 64

// Visibility is the outcome of resolving one version (or one prospective
// write) against a reader's or writer's position in transaction order.
type Visibility int

const (
	// Invisible: the version is not yet visible to the reader (its
	// author committed after readerTs, or hasn't committed and isn't the
	// reader's own transaction).
	Invisible Visibility = iota
	// Visible: the version is visible (same-transaction at an earlier or
	// equal step, or authored by a transaction committed at or before
	// readerTs).
	Visible
	// StillActive: the version's author is neither committed nor
	// aborted as of this check.
	StillActive
	// Conflict: a write-write conflict — the prior writer committed
	// after the checking transaction started (first-committer-wins).
	Conflict
)

type bucket struct {
	mu       sync.RWMutex
	statuses map[clock.Timestamp]*Status
}

// Index is the Transaction Index: an array of lock-striped buckets plus
// the shared ActiveCache (spec.md §4.G).
type Index struct {
	buckets []*bucket
	clk     *clock.Allocator
	cache   *ActiveCache
}

// New creates an Index with nBuckets lock-striped buckets (1..4096 per
// spec.md §4.G).
func New(nBuckets int, clk *clock.Allocator) *Index {
	if nBuckets < 1 {
		nBuckets = 1
	}
	buckets := make([]*bucket, nBuckets)
	for i := range buckets {
		buckets[i] = &bucket{statuses: make(map[clock.Timestamp]*Status)}
	}
	return &Index{buckets: buckets, clk: clk, cache: newActiveCache()}
}

func (idx *Index) bucketFor(ts clock.Timestamp) *bucket {
	return idx.buckets[uint64(ts)%uint64(len(idx.buckets))]
}

// Register allocates a new start Timestamp and registers its Status.
func (idx *Index) Register() *Status {
	ts := idx.clk.Update()
	st := newStatus(ts)
	b := idx.bucketFor(ts)
	b.mu.Lock()
	b.statuses[ts] = st
	b.mu.Unlock()
	idx.cache.markActive(ts)
	return st
}

// Lookup finds the Status registered for ts, or nil if it has already been
// freed by NotifyCompleted (which per spec.md's aborted-retention rule
// only happens once it can no longer matter to any reader).
func (idx *Index) Lookup(ts clock.Timestamp) *Status {
	b := idx.bucketFor(ts)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.statuses[ts]
}

// Commit records tc as st's commit Timestamp.
func (idx *Index) Commit(st *Status, tc clock.Timestamp) {
	st.commit(tc)
	idx.cache.markInactive(st.Ts)
}

// Abort marks st aborted.
func (idx *Index) Abort(st *Status) {
	st.abort()
	idx.cache.markInactive(st.Ts)
}

// NotifyCompleted frees st's Status once its MVV reference count has
// reached zero and no active transaction older than or equal to st.Ts
// remains that might still need to classify its versions (spec.md §4.G
// "notifyCompleted").
func (idx *Index) NotifyCompleted(st *Status) {
	if st.MVVCount() != 0 {
		return
	}
	if floor := idx.cache.SnapshotFloor(); floor != 0 && floor <= st.Ts {
		return
	}
	b := idx.bucketFor(st.Ts)
	b.mu.Lock()
	delete(b.statuses, st.Ts)
	b.mu.Unlock()
}

// SnapshotFloor exposes the ActiveCache's current floor.
func (idx *Index) SnapshotFloor() clock.Timestamp { return idx.cache.SnapshotFloor() }

// RefreshActiveCache rescans every bucket and rebuilds the ActiveCache from
// scratch; intended to be called periodically by a background worker
// (spec.md §4.G: "periodically refreshed from all buckets").
func (idx *Index) RefreshActiveCache() {
	var active []clock.Timestamp
	for _, b := range idx.buckets {
		b.mu.RLock()
		for ts, st := range b.statuses {
			if st.IsActive() {
				active = append(active, ts)
			}
		}
		b.mu.RUnlock()
	}
	idx.cache.rebuild(active)
}

// CommitStatus resolves a version authored at (writerTs, writerStep) for a
// reader at (readerTs, readerStep), per spec.md §4.G: "same-transaction
// versions at step <= reader's step are visible; versions with tc <=
// readerTs are visible; others are not."
func (idx *Index) CommitStatus(writerTs, readerTs clock.Timestamp, writerStep, readerStep uint16) Visibility {
	if writerTs == readerTs {
		if writerStep <= readerStep {
			return Visible
		}
		return Invisible
	}

	st := idx.Lookup(writerTs)
	if st == nil {
		// No live Status: already resolved and pruned, which only
		// happens once it could no longer affect any active reader.
		return Visible
	}
	tc, committed := st.CommitTimestamp()
	switch {
	case st.Aborted():
		return Invisible
	case !committed:
		return StillActive
	case tc <= readerTs:
		return Visible
	default:
		return Invisible
	}
}

// WWDependency resolves a write-write dependency: source is about to
// overwrite a key last written by the transaction at targetTs (spec.md
// §4.G "wwDependency"). Before blocking, it walks the wait-for graph; if
// target's chain of "waiting on" edges already reaches source, source is
// the deadlock victim and StillActive is returned immediately so the
// caller treats it as an unresolved write and aborts.
func (idx *Index) WWDependency(targetTs clock.Timestamp, source *Status, timeout time.Duration) Visibility {
	target := idx.Lookup(targetTs)
	if target == nil {
		return Visible
	}

	if idx.wouldDeadlock(source, target) {
		return StillActive
	}

	tc, committed := target.CommitTimestamp()
	if target.Aborted() {
		idx.NotifyCompleted(target)
		return Visible
	}
	if committed {
		return resolveCommitted(tc, source.Ts)
	}

	if !source.waitFor(target, timeout) {
		return StillActive
	}
	if target.Aborted() {
		idx.NotifyCompleted(target)
		return Visible
	}
	tc, _ = target.CommitTimestamp()
	return resolveCommitted(tc, source.Ts)
}

func resolveCommitted(tc, sourceTs clock.Timestamp) Visibility {
	if tc <= sourceTs {
		return Visible
	}
	return Conflict
}

// wouldDeadlock reports whether target's wait-for chain already leads back
// to source (spec.md §4.G "Deadlock detection").
func (idx *Index) wouldDeadlock(source, target *Status) bool {
	cur := target
	for i := 0; i < maxWaitChainWalk; i++ {
		if cur == source {
			return true
		}
		next := cur.waitingOn.Load()
		if next == nil {
			return false
		}
		cur = next
	}
	return false
}
