package page

// Compact reclaims the "garbage-compressible slack" between the key-block
// region and the tail region's high-water mark (spec.md §4.D) by rewriting
// every cell's tail block contiguously from the high end, in cell order,
// discarding orphaned fragments left behind by prior inserts/deletes/
// rewrites. It does not change any cell's logical key or payload.
func (p *Page) Compact() {
	n := p.NumCells()
	type saved struct {
		ebc     uint8
		rest    []byte
		payload []byte
	}
	cells := make([]saved, n)
	for i := 0; i < n; i++ {
		cells[i] = saved{
			ebc:     p.cellEBC(i),
			rest:    append([]byte(nil), p.tailKeyBytes(i)...),
			payload: append([]byte(nil), p.tailPayload(i)...),
		}
	}

	alloc := uint16(p.Size)
	for i := 0; i < n; i++ {
		c := cells[i]
		tailLen := len(c.rest) + len(c.payload)
		alloc -= uint16(tailLen)
		copy(p.Buf[alloc:], c.rest)
		copy(p.Buf[int(alloc)+len(c.rest):], c.payload)
		p.writeKeyBlock(i, c.ebc, uint16(len(c.rest)), alloc)
	}
	p.setAllocPtr(alloc)
	p.Invalidate()
}
