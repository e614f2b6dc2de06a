package tree

import (
	"ferrodb/page"
	"ferrodb/volume"
)

// Direction selects which way Traverse moves from the given key.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// TraverseResult is one step of a Tree cursor (spec.md §4.F
// "traverse(K, direction, inclusive) -> (K,V)").
type TraverseResult struct {
	Key   []byte
	Kind  page.ValueKind
	Value []byte
	Found bool
}

// Traverse returns the next key (in the given direction) at or after/before
// key, per inclusive. It is the building block engine.Txn uses for
// range scans and ORDER-sensitive reads.
func (t *Tree) Traverse(key []byte, dir Direction, inclusive bool) (TraverseResult, error) {
	if dir == Forward {
		return t.traverseForward(key, inclusive)
	}
	return t.traverseBackward(key, inclusive)
}

func (t *Tree) traverseForward(key []byte, inclusive bool) (TraverseResult, error) {
	root := t.Root()
	f, p, err := t.descendToLeaf(root, key)
	if err != nil {
		return TraverseResult{}, err
	}

	res := p.Search(key)
	idx := res.Index
	if res.Exact && !inclusive {
		idx++
	}

	for {
		if idx < p.NumCells() {
			kind, v := p.Value(idx)
			result := TraverseResult{
				Key:   append([]byte(nil), p.Key(idx)...),
				Kind:  kind,
				Value: append([]byte(nil), v...),
				Found: true,
			}
			t.release(f, false)
			return result, nil
		}
		rs := p.RightSibling()
		t.release(f, false)
		if rs == 0 {
			return TraverseResult{}, nil
		}
		nf, np, err := t.loadPage(rs, false)
		if err != nil {
			return TraverseResult{}, err
		}
		f, p = nf, np
		idx = 0
	}
}

func (t *Tree) traverseBackward(key []byte, inclusive bool) (TraverseResult, error) {
	path, leafID, err := t.descendPathFull(t.root, key)
	if err != nil {
		return TraverseResult{}, err
	}
	f, p, err := t.loadPage(leafID, false)
	if err != nil {
		return TraverseResult{}, err
	}

	res := p.Search(key)
	idx := res.Index
	if !res.Exact {
		idx--
	} else if !inclusive {
		idx--
	}

	for {
		if idx >= 0 && idx < p.NumCells() {
			kind, v := p.Value(idx)
			result := TraverseResult{
				Key:   append([]byte(nil), p.Key(idx)...),
				Kind:  kind,
				Value: append([]byte(nil), v...),
				Found: true,
			}
			t.release(f, false)
			return result, nil
		}
		t.release(f, false)
		prev, err := t.previousLeaf(path)
		if err != nil {
			return TraverseResult{}, err
		}
		if prev == 0 {
			return TraverseResult{}, nil
		}
		pf, pp, err := t.loadPage(prev, false)
		if err != nil {
			return TraverseResult{}, err
		}
		f, p = pf, pp
		idx = p.NumCells() - 1
		path = path[:0] // previousLeaf is re-derived fresh on each hop below root
		path, leafID, err = t.descendPathFull(t.root, p.Key(0))
		if err != nil {
			t.release(f, false)
			return TraverseResult{}, err
		}
		_ = leafID
	}
}

// pathEntry records, for one internal level on a search path, the child
// index used to descend (or -1 for the LowChild), so the cursor can step
// to an adjacent sibling without a backward page pointer.
type pathEntry struct {
	pid   volume.PageID
	index int
}

func (t *Tree) descendPathFull(root volume.PageID, key []byte) ([]pathEntry, volume.PageID, error) {
	var path []pathEntry
	pid := root
	for {
		f, p, err := t.loadPage(pid, false)
		if err != nil {
			return nil, 0, err
		}
		if p.Type() == page.TypeLeaf {
			t.release(f, false)
			return path, pid, nil
		}

		idx := -1
		var child volume.PageID
		if p.NumCells() == 0 || lessBytes(key, p.Key(0)) {
			child = p.LowChild()
		} else {
			res := p.Search(key)
			ci := res.Index
			if !res.Exact {
				ci--
			}
			child = p.ChildPageID(ci)
			idx = ci
		}
		path = append(path, pathEntry{pid: pid, index: idx})
		t.release(f, false)
		pid = child
	}
}

// previousLeaf returns the leaf immediately to the left of the leaf
// reached by path, or 0 if that leaf is already the tree's leftmost leaf.
func (t *Tree) previousLeaf(path []pathEntry) (volume.PageID, error) {
	for level := len(path) - 1; level >= 0; level-- {
		entry := path[level]
		if entry.index < 0 {
			continue // reached via LowChild: no left sibling at this level
		}
		f, p, err := t.loadPage(entry.pid, false)
		if err != nil {
			return 0, err
		}
		var prevChild volume.PageID
		if entry.index == 0 {
			prevChild = p.LowChild()
		} else {
			prevChild = p.ChildPageID(entry.index - 1)
		}
		t.release(f, false)
		return t.rightmostLeafUnder(prevChild)
	}
	return 0, nil
}

func (t *Tree) rightmostLeafUnder(pid volume.PageID) (volume.PageID, error) {
	for {
		f, p, err := t.loadPage(pid, false)
		if err != nil {
			return 0, err
		}
		if p.Type() == page.TypeLeaf {
			t.release(f, false)
			return pid, nil
		}
		n := p.NumCells()
		var child volume.PageID
		if n == 0 {
			child = p.LowChild()
		} else {
			child = p.ChildPageID(n - 1)
		}
		t.release(f, false)
		pid = child
	}
}
