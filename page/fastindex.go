package page

// fastIndex holds, per cell, the fully-reconstructed key length (spec.md
// §4.E). Search builds it, but no key comparison reads it: Key() still
// re-walks every predecessor. It is invalidated on any structural
// mutation and lazily recomputed on next use.
func (p *Page) ensureFastIndex() []uint32 {
	if p.fastIndex != nil {
		return p.fastIndex
	}
	n := p.NumCells()
	idx := make([]uint32, n)
	var prevLen uint32
	for i := 0; i < n; i++ {
		ebc := uint32(p.cellEBC(i))
		if ebc > prevLen {
			ebc = prevLen
		}
		restLen := uint32(p.cellKeyRestLen(i))
		idx[i] = ebc + restLen
		prevLen = idx[i]
	}
	p.fastIndex = idx
	return idx
}

// Recompute forces an immediate rebuild of the Fast Index instead of
// waiting for the next lazy rebuild. Nothing in the module calls it.
func (p *Page) Recompute() {
	p.fastIndex = nil
	p.ensureFastIndex()
}
