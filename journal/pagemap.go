package journal

import (
	"sync"

	"ferrodb/clock"
)

// pageKey identifies a page across volumes.
type pageKey struct {
	volume uint32
	pageID uint64
}

// PageNode is one entry in the in-memory page map: the journal address a
// page image was written at, and the timestamp it was written with
// (spec.md §4.J "Page map").
type PageNode struct {
	Address   int64
	Timestamp clock.Timestamp
}

// PageMap is the Journal Manager's in-memory `(volume, pageId) → list of
// PageNode` index (spec.md §4.J), kept newest-first per key so a
// buffer-pool read-miss lookup finds the most recent entry with
// `timestamp ≤ requested` by scanning from the front.
type PageMap struct {
	mu      sync.RWMutex
	entries map[pageKey][]PageNode
}

func NewPageMap() *PageMap {
	return &PageMap{entries: make(map[pageKey][]PageNode)}
}

// Record adds a new, newest PageNode for (volume, pageID).
func (m *PageMap) Record(volume uint32, pageID uint64, node PageNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pageKey{volume, pageID}
	m.entries[key] = append([]PageNode{node}, m.entries[key]...)
}

// Lookup returns the most recent PageNode for (volume, pageID) with
// Timestamp <= asOf, per the "most recent entry with timestamp ≤
// requested" rule. The returned PageNode is copied under the lock before
// it is released, so the caller can safely read the journal file after
// unlocking even if a concurrent copy-back prunes the map entry
// immediately afterward (spec.md §4.J "Concurrent read/invalidation").
func (m *PageMap) Lookup(volume uint32, pageID uint64, asOf clock.Timestamp) (PageNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.entries[pageKey{volume, pageID}] {
		if n.Timestamp <= asOf {
			return n, true
		}
	}
	return PageNode{}, false
}

// Invalidate removes the PageNode whose Address equals address; a page
// with no remaining entries is dropped from the map entirely.
func (m *PageMap) Invalidate(volume uint32, pageID uint64, address int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pageKey{volume, pageID}
	kept := m.entries[key][:0]
	for _, n := range m.entries[key] {
		if n.Address != address {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		delete(m.entries, key)
	} else {
		m.entries[key] = kept
	}
}

// LiveAddressesInFile reports whether any PageNode still references a
// journal address within [fileStart, fileEnd) — used by copy-back to
// decide whether a file has zero live PageNodes and is a deletion
// candidate.
func (m *PageMap) LiveAddressesInFile(fileStart, fileEnd int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, nodes := range m.entries {
		for _, n := range nodes {
			if n.Address >= fileStart && n.Address < fileEnd {
				return true
			}
		}
	}
	return false
}

// AllEntries snapshots every (volume, pageID) -> newest PageNode pair, for
// copy-back to walk.
func (m *PageMap) AllEntries() map[pageKeyPublic]PageNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[pageKeyPublic]PageNode, len(m.entries))
	for k, nodes := range m.entries {
		if len(nodes) == 0 {
			continue
		}
		out[pageKeyPublic{Volume: k.volume, PageID: k.pageID}] = nodes[0]
	}
	return out
}

// pageKeyPublic is the exported shape of pageKey for callers outside the
// package (copy-back lives in this package too, but recovery also needs
// to enumerate entries while rebuilding the map from a scan).
type pageKeyPublic struct {
	Volume uint32
	PageID uint64
}
