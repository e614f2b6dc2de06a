package page

import "bytes"

// FindResult is the outcome of Search: the position a key occupies or
// would occupy, and whether it was found exactly (spec.md §4.D).
type FindResult struct {
	Index int
	Exact bool
}

// Search performs a binary search over the page's key blocks and returns
// the index of the first cell whose key is >= target (Exact when that key
// equals target), i.e. the insertion point. It builds the Fast Index, but
// each comparison reconstructs the cell's key with Key(), which walks the
// ebc chain from cell 0, so a comparison costs time linear in the index.
func (p *Page) Search(target []byte) FindResult {
	p.ensureFastIndex()
	n := p.NumCells()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		k := p.Key(mid)
		if bytes.Compare(k, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n && bytes.Equal(p.Key(lo), target) {
		return FindResult{Index: lo, Exact: true}
	}
	return FindResult{Index: lo, Exact: false}
}
