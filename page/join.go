package page

// JoinPolicy mirrors SplitPolicy for the rebalance algorithm (spec.md
// §4.D "JoinPolicy mirrors SplitPolicy").
type JoinPolicy = SplitPolicy

// Fits reports whether right's cells could be appended onto left's without
// overflow, the precondition for Join.
func Fits(left, right *Page) bool {
	n := right.NumCells()
	need := 0
	var prevKey []byte
	if left.NumCells() > 0 {
		prevKey = left.Key(left.NumCells() - 1)
	}
	for i := 0; i < n; i++ {
		k := right.Key(i)
		ebc := 0
		if prevKey != nil {
			ebc = commonPrefixLen(prevKey, k)
		}
		need += keyBlockSize + (len(k) - ebc) + len(right.tailPayload(i))
		prevKey = k
	}
	return left.FreeBytes() >= need
}

// Join appends all of right's cells onto left (which keeps its identity
// and right-sibling chain position; right is left for the caller to
// deallocate via volume.DeallocatePage). Caller must have verified Fits.
func Join(left, right *Page) {
	n := right.NumCells()
	for i := 0; i < n; i++ {
		k := right.Key(i)
		payload := right.tailPayload(i)
		if err := left.insertAt(left.NumCells(), k, payload); err != nil {
			// Fits() should have precluded this; compact and retry once.
			left.Compact()
			_ = left.insertAt(left.NumCells(), k, payload)
		}
	}
	left.setRightSibling(right.RightSibling())
	left.Invalidate()
}

// Rebalance moves cells across the left/right boundary to equalize fill
// when Join is not possible, per a JoinPolicy target split fraction. It
// returns the new separator key for the parent and true if a move
// happened; false means the pages are left untouched (caller signals
// "Rebalance" upward, per spec.md §4.D, and leaves both pages intact).
func Rebalance(left, right *Page, policy JoinPolicy) ([]byte, bool) {
	totalCells := left.NumCells() + right.NumCells()
	if totalCells < 2 {
		return nil, false
	}

	all := make([]rebalanceCell, 0, totalCells)
	for i := 0; i < left.NumCells(); i++ {
		all = append(all, rebalanceCell{append([]byte(nil), left.Key(i)...), append([]byte(nil), left.tailPayload(i)...)})
	}
	for i := 0; i < right.NumCells(); i++ {
		all = append(all, rebalanceCell{append([]byte(nil), right.Key(i)...), append([]byte(nil), right.tailPayload(i)...)})
	}

	target := splitIndex(totalCells, policy, totalCells/2)
	if target < 1 {
		target = 1
	}
	if target > totalCells-1 {
		target = totalCells - 1
	}
	if target == left.NumCells() {
		return nil, false // already balanced at this policy's target
	}

	rewritePage(left, all[:target])
	rewritePage(right, all[target:])
	left.setRightSibling(right.ID)

	return append([]byte(nil), all[target].key...), true
}

type rebalanceCell struct {
	key     []byte
	payload []byte
}

func rewritePage(p *Page, cells []rebalanceCell) {
	rs := p.RightSibling()
	p.setNumCells(0)
	p.setAllocPtr(uint16(p.Size))
	for _, c := range cells {
		_ = p.insertAt(p.NumCells(), c.key, c.payload)
	}
	p.setRightSibling(rs)
	p.Invalidate()
}
