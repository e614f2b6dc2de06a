package page

import (
	"encoding/binary"

	"ferrodb/volume"
)

// commonPrefixLen returns the shared prefix length of a and b, capped at
// 255 since ebc is stored as a single byte; spec.md bounds an encoded key
// to common.MaxKeySize (256), so keys never need an ebc beyond this.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n > 255 {
		n = 255
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// tailPayload returns the bytes following the key remainder in cell i's
// tail block (the value-or-child portion), independent of interpretation.
func (p *Page) tailPayload(i int) []byte {
	off := p.cellTailOffset(i)
	restLen := p.cellKeyRestLen(i)
	rest := p.Buf[off+restLen:]
	if p.Type() == TypeInternal {
		return rest[:8]
	}
	if len(rest) == 0 {
		return rest
	}
	valLen, sz := binary.Uvarint(rest[1:])
	return rest[:1+sz+int(valLen)]
}

// insertAt writes a new cell at logical position pos (0 <= pos <= n) whose
// full key is key and whose tail payload (value bytes or child pointer) is
// payload. It returns ErrPageFull if there is insufficient room, leaving
// the page unmodified.
func (p *Page) insertAt(pos int, key []byte, payload []byte) error {
	n := p.NumCells()

	var ebc int
	if pos > 0 {
		ebc = commonPrefixLen(p.Key(pos-1), key)
	}
	rest := key[ebc:]
	tailLen := len(rest) + len(payload)

	// Account for the following cell's remainder needing to be rewritten
	// against the new predecessor, in the worst case its full length.
	// Capture the following cell's full key and payload *before* any
	// mutation: its stored ebc is only valid relative to its current left
	// neighbour, which is about to change to the newly inserted key.
	var haveNext bool
	var nextFullKey, nextPayload []byte
	if pos < n {
		nextFullKey = p.Key(pos)
		nextPayload = append([]byte(nil), p.tailPayload(pos)...)
		haveNext = true
	}
	var nextRewriteLen int
	if haveNext {
		nextEbc := commonPrefixLen(key, nextFullKey)
		nextRewriteLen = len(nextFullKey) - nextEbc + len(nextPayload)
	}

	need := keyBlockSize + tailLen + nextRewriteLen
	if p.FreeBytes() < need {
		return ErrPageFull
	}

	// Shift key-block slots [pos, n) right by one to make room.
	for i := n; i > pos; i-- {
		srcOff := p.keyBlockOffset(i - 1)
		dstOff := p.keyBlockOffset(i)
		copy(p.Buf[dstOff:dstOff+keyBlockSize], p.Buf[srcOff:srcOff+keyBlockSize])
	}
	p.setNumCells(n + 1)

	// Allocate and write the new cell's tail block.
	newAlloc := p.allocPtr() - uint16(tailLen)
	copy(p.Buf[newAlloc:], rest)
	copy(p.Buf[int(newAlloc)+len(rest):], payload)
	p.setAllocPtr(newAlloc)
	p.writeKeyBlock(pos, uint8(ebc), uint16(len(rest)), newAlloc)

	// Rewrite the (now shifted to pos+1) following cell's remainder
	// against the new predecessor, since ebc is relative to the left
	// neighbour (spec.md §4.D), using the key/payload captured pre-shift.
	if haveNext {
		p.writeCellExplicit(pos+1, key, nextFullKey, nextPayload)
	}

	p.Invalidate()
	return nil
}

// writeCellExplicit (re)writes cell i (slot already in place) so that its
// logical key is fullKey and its payload is payload, computing ebc against
// leftKey. Used whenever a cell's left neighbour changes underneath it.
func (p *Page) writeCellExplicit(i int, leftKey, fullKey, payload []byte) {
	ebc := commonPrefixLen(leftKey, fullKey)
	rest := fullKey[ebc:]

	newAlloc := p.allocPtr() - uint16(len(rest)+len(payload))
	copy(p.Buf[newAlloc:], rest)
	copy(p.Buf[int(newAlloc)+len(rest):], payload)
	p.setAllocPtr(newAlloc)
	p.writeKeyBlock(i, uint8(ebc), uint16(len(rest)), newAlloc)
}

func encodeLeafPayload(kind ValueKind, value []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(value))
	buf[0] = byte(kind)
	n := binary.PutUvarint(buf[1:], uint64(len(value)))
	copy(buf[1+n:], value)
	return buf[:1+n+len(value)]
}

// InsertLeaf inserts (key, value) of the given kind into a leaf page. On a
// first ErrPageFull it compacts away accumulated slack and retries once
// before giving up (spec.md §4.D: "including the garbage-compressible
// slack ... insufficient, invoke split" — compaction is tried first so a
// split is only triggered when the page is genuinely full).
func (p *Page) InsertLeaf(key []byte, kind ValueKind, value []byte) error {
	payload := encodeLeafPayload(kind, value)
	res := p.Search(key)
	if res.Exact {
		return p.insertWithCompactRetry(func() error { return p.replaceAt(res.Index, key, payload) })
	}
	return p.insertWithCompactRetry(func() error { return p.insertAt(res.Index, key, payload) })
}

// InsertInternal inserts a (key, childPageID) separator into an internal
// page; spec.md's "Cell(K,P) means P contains keys >= K" convention.
func (p *Page) InsertInternal(key []byte, child volume.PageID) error {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(child))
	res := p.Search(key)
	if res.Exact {
		return p.insertWithCompactRetry(func() error { return p.replaceAt(res.Index, key, payload) })
	}
	return p.insertWithCompactRetry(func() error { return p.insertAt(res.Index, key, payload) })
}

func (p *Page) insertWithCompactRetry(op func() error) error {
	if err := op(); err == nil || err != ErrPageFull {
		return err
	}
	p.Compact()
	return op()
}

// replaceAt replaces cell i by deleting it and reinserting key with the new
// payload at the same position.
func (p *Page) replaceAt(i int, key []byte, payload []byte) error {
	if err := p.deleteAt(i); err != nil {
		return err
	}
	return p.insertAt(i, key, payload)
}

// deleteAt removes the cell at i, shifting later key blocks left. Freed
// tail bytes become slack, reclaimed on the next compaction.
func (p *Page) deleteAt(i int) error {
	n := p.NumCells()
	if i < 0 || i >= n {
		return ErrNotFound
	}
	hasNext := i+1 < n
	var newLeft []byte
	if i > 0 {
		newLeft = p.Key(i - 1)
	}
	var nextFullKey, nextPayload []byte
	if hasNext {
		nextFullKey = p.Key(i + 1)
		nextPayload = append([]byte(nil), p.tailPayload(i+1)...)
	}

	for j := i; j < n-1; j++ {
		srcOff := p.keyBlockOffset(j + 1)
		dstOff := p.keyBlockOffset(j)
		copy(p.Buf[dstOff:dstOff+keyBlockSize], p.Buf[srcOff:srcOff+keyBlockSize])
	}
	p.setNumCells(n - 1)

	if hasNext {
		p.writeCellExplicit(i, orEmpty(newLeft), nextFullKey, nextPayload)
	}
	p.Invalidate()
	return nil
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// DeleteCell removes the cell at logical index i, used by Tree to strip the
// promoted separator cell out of an internal page's right half after a
// split (its child becomes the right page's LowChild instead).
func (p *Page) DeleteCell(i int) error {
	return p.deleteAt(i)
}

// IsFull reports whether a cell of the given key/payload size could not
// currently be inserted. Tree does not call it; it splits after
// InsertLeaf reports ErrPageFull.
func (p *Page) IsFull(keyLen, payloadLen int) bool {
	return p.FreeBytes() < keyBlockSize+keyLen+payloadLen
}
