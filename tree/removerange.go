package tree

import (
	"ferrodb/buffer"
	"ferrodb/page"
	"ferrodb/volume"
)

// RemoveKeyRange deletes every key in [from, to) (spec.md §4.F). It walks
// leaves left to right, deleting in-range cells from each, then attempts a
// join or rebalance with the right sibling once a leaf's fill drops below
// the merge threshold (spec.md §4.D "Remove range").
func (t *Tree) RemoveKeyRange(from, to []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cursor := append([]byte(nil), from...)
	for {
		path, f, p, err := t.descendWithPath(t.root, cursor)
		if err != nil {
			return err
		}
		next, done, err := t.removeRangeFromLeaf(path, f, p, from, to)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		cursor = next
	}
}

// mergeThreshold is the fill level below which a leaf is a join/rebalance
// candidate after a range deletion.
const mergeThresholdNum, mergeThresholdDen = 1, 2

func (t *Tree) removeRangeFromLeaf(path []volume.PageID, f *buffer.Frame, p *page.Page, from, to []byte) ([]byte, bool, error) {
	for {
		idx := -1
		for i := 0; i < p.NumCells(); i++ {
			k := p.Key(i)
			if !lessBytes(k, from) && lessBytes(k, to) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		if err := p.DeleteCell(idx); err != nil {
			t.release(f, true)
			return nil, false, err
		}
	}
	t.pool.MarkDirty(f, 0)

	rs := p.RightSibling()
	if rs != 0 && p.FreeBytes()*mergeThresholdDen > int(p.Size)*mergeThresholdNum {
		if err := t.tryJoinOrRebalance(path, p, rs); err != nil {
			t.release(f, true)
			return nil, false, err
		}
		rs = p.RightSibling()
	}

	var next []byte
	done := true
	if rs != 0 {
		rf, rp, err := t.loadPage(rs, false)
		if err == nil {
			if rp.NumCells() > 0 && lessBytes(rp.Key(0), to) {
				next = append([]byte(nil), rp.Key(0)...)
				done = false
			}
			t.release(rf, false)
		}
	}
	t.release(f, true)
	return next, done, nil
}

// tryJoinOrRebalance merges leftPage with its right sibling rightID when
// their combined content fits one page, else rebalances their fill, fixing
// up the parent's separator cell for rightID either way (spec.md §4.D
// "Join / Rebalance").
func (t *Tree) tryJoinOrRebalance(path []volume.PageID, leftPage *page.Page, rightID volume.PageID) error {
	rf, rightPage, err := t.loadPage(rightID, true)
	if err != nil {
		return err
	}
	defer t.release(rf, true)

	parentID := volume.PageID(0)
	if len(path) > 0 {
		parentID = path[len(path)-1]
	}

	if page.Fits(leftPage, rightPage) {
		page.Join(leftPage, rightPage)
		if err := t.vol.DeallocatePage(rightID); err != nil {
			return err
		}
		if parentID != 0 {
			if err := t.removeChildFromParent(parentID, rightID); err != nil {
				return err
			}
		}
		t.generation.Add(1)
		return nil
	}

	newSep, rebalanced := page.Rebalance(leftPage, rightPage, page.EvenBias)
	if rebalanced && parentID != 0 {
		if err := t.replaceParentSeparator(parentID, rightID, newSep); err != nil {
			return err
		}
		t.generation.Add(1)
	}
	return nil
}

// removeChildFromParent deletes the cell in parent referencing childID
// (used after a join removes childID's page entirely).
func (t *Tree) removeChildFromParent(parentID, childID volume.PageID) error {
	pf, pp, err := t.loadPage(parentID, true)
	if err != nil {
		return err
	}
	defer t.release(pf, true)
	for i := 0; i < pp.NumCells(); i++ {
		if pp.ChildPageID(i) == childID {
			if err := pp.DeleteCell(i); err != nil {
				return err
			}
			t.pool.MarkDirty(pf, 0)
			return nil
		}
	}
	return nil
}

// replaceParentSeparator updates the key of the cell in parent pointing to
// childID to newSep (used after a rebalance shifts the boundary between two
// pages).
func (t *Tree) replaceParentSeparator(parentID, childID volume.PageID, newSep []byte) error {
	pf, pp, err := t.loadPage(parentID, true)
	if err != nil {
		return err
	}
	defer t.release(pf, true)
	for i := 0; i < pp.NumCells(); i++ {
		if pp.ChildPageID(i) == childID {
			if err := pp.DeleteCell(i); err != nil {
				return err
			}
			if err := pp.InsertInternal(newSep, childID); err != nil {
				return err
			}
			t.pool.MarkDirty(pf, 0)
			return nil
		}
	}
	return nil
}
