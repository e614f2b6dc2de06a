package page

import "ferrodb/volume"

// SplitPolicy governs how available space is partitioned between the two
// pages produced by a split (spec.md §4.D).
type SplitPolicy int

const (
	// EvenBias balances utilization between the two resulting pages.
	EvenBias SplitPolicy = iota
	// LeftBias packs the left (existing) page as full as possible.
	LeftBias
	// RightBias keeps the left page full, favouring monotonically
	// increasing insertion workloads.
	RightBias
	// NiceBias splits at the nearest cell boundary to the inserted key,
	// so a hot insertion point doesn't repeatedly re-split the same page.
	NiceBias
	// PackBias minimizes the right page's size, useful for bulk loads
	// that insert in ascending order and want tightly packed pages.
	PackBias
)

// SplitResult reports the new right-sibling page and the separator key to
// be inserted into the parent (spec.md §4.D step 5).
type SplitResult struct {
	SplitKey  []byte
	RightID   volume.PageID
}

// splitIndex picks the cell index at which to divide n cells under policy,
// optionally biased toward insertAt (the position the triggering insert
// targeted), for NiceBias.
func splitIndex(n int, policy SplitPolicy, insertAt int) int {
	switch policy {
	case LeftBias:
		return n - n/4
	case RightBias:
		return n / 4
	case PackBias:
		return n - 1
	case NiceBias:
		mid := insertAt
		if mid < 1 {
			mid = 1
		}
		if mid > n-1 {
			mid = n - 1
		}
		return mid
	default: // EvenBias
		return n / 2
	}
}

// Split divides p's cells at a point chosen by policy, moving the right
// portion into right (a freshly allocated, same-type, same-level page).
// It returns the separator key promoted to the parent. p keeps the left
// portion and is linked to right via RightSibling; right inherits p's old
// RightSibling.
func Split(p, right *Page, policy SplitPolicy, insertAt int) SplitResult {
	n := p.NumCells()
	mid := splitIndex(n, policy, insertAt)
	if mid < 1 {
		mid = 1
	}
	if mid > n-1 {
		mid = n - 1
	}

	type saved struct {
		key     []byte
		payload []byte
	}
	moved := make([]saved, 0, n-mid)
	for i := mid; i < n; i++ {
		moved = append(moved, saved{
			key:     append([]byte(nil), p.Key(i)...),
			payload: append([]byte(nil), p.tailPayload(i)...),
		})
	}
	splitKey := append([]byte(nil), moved[0].key...)

	right.Buf[offType] = p.Buf[offType]
	right.Buf[offLevel] = p.Buf[offLevel]
	right.setNumCells(0)
	right.setAllocPtr(uint16(right.Size))
	right.setRightSibling(p.RightSibling())

	var prevKey []byte
	for i, m := range moved {
		ebc := 0
		if i > 0 {
			ebc = commonPrefixLen(prevKey, m.key)
		}
		rest := m.key[ebc:]
		alloc := right.allocPtr() - uint16(len(rest)+len(m.payload))
		copy(right.Buf[alloc:], rest)
		copy(right.Buf[int(alloc)+len(rest):], m.payload)
		right.setAllocPtr(alloc)
		right.writeKeyBlock(i, uint8(ebc), uint16(len(rest)), alloc)
		right.setNumCells(i + 1)
		prevKey = m.key
	}
	right.Invalidate()

	// Truncate the left page to its first mid cells; tail bytes for the
	// removed cells become slack, reclaimed by Compact.
	p.setNumCells(mid)
	p.setRightSibling(right.ID)
	p.Invalidate()

	return SplitResult{SplitKey: splitKey, RightID: right.ID}
}
