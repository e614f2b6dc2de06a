// Package page implements the B+-tree node format (spec component D) and
// its Fast Index (component E): a binary page layout with ordered,
// elided-byte-count (ebc) prefix-compressed key blocks growing from the
// low end, and variable-length tail blocks (key remainder + value, or key
// remainder + child pointer) growing inward from the high end.
//
// It keeps the teacher's two-ended cell-directory idiom (btree/page.go:
// fixed-size cell slots at one end, variable payload at the other,
// IsFull/InsertCell/DeleteCell returning ErrPageFull for the caller to
// split) and generalizes it with the prefix compression and long-record
// support spec.md §4.D requires, which the teacher's V1/V2 cell encodings
// did not have.
package page

import (
	"encoding/binary"
	"errors"

	"ferrodb/common"
	"ferrodb/volume"
)

// Type identifies the role of a page.
type Type uint8

const (
	TypeLeaf Type = iota
	TypeInternal
	TypeLongRecord
	TypeGarbage
)

// ValueKind tags how a leaf tail block's payload is to be interpreted.
type ValueKind uint8

const (
	ValueInline ValueKind = iota
	ValueMVV
	ValueLongRecord
)

// ErrPageFull is returned by Insert when the page has no room; the caller
// (tree.Tree) responds by splitting, exactly as the teacher's
// btree.ErrPageFull does for btree.insertAndSplit.
var ErrPageFull = errors.New("page: full")

// ErrNotFound is returned by Search-adjacent helpers when an exact key
// lookup within the page fails.
var ErrNotFound = errors.New("page: key not found")

const (
	headerSize      = 32
	keyBlockSize    = 6 // ebc(1) | keyRestLen(2) | tailOffset(2) | reserved(1)
	offType         = 0
	offLevel        = 1
	offNumCells     = 2
	offAllocPtr     = 6
	offRightSibling = 8
	offFastIdxValid = 16
	// offLowChild holds the child page id for keys less than the page's
	// first cell on an internal page (the teacher's RightPtr convention:
	// "Cell(K,P) means P contains keys >= K"; the low child holds keys
	// below the first cell). Unused on leaf pages.
	offLowChild = 24
)

// Page is an in-memory, mutable view over one page-sized buffer.
type Page struct {
	ID   volume.PageID
	Size uint32
	Buf  []byte

	fastIndex []uint32 // cumulative key length reconstructible through cell i; lazily built
}

// New formats a fresh page of the given type/level in buf (len(buf) ==
// pageSize), ready for inserts.
func New(id volume.PageID, size uint32, typ Type, level uint8) *Page {
	buf := make([]byte, size)
	p := &Page{ID: id, Size: size, Buf: buf}
	buf[offType] = byte(typ)
	buf[offLevel] = level
	p.setNumCells(0)
	p.setAllocPtr(uint16(size))
	p.setRightSibling(0)
	return p
}

// Load wraps an existing on-disk image.
func Load(id volume.PageID, buf []byte) *Page {
	return &Page{ID: id, Size: uint32(len(buf)), Buf: buf}
}

func (p *Page) Type() Type  { return Type(p.Buf[offType]) }
func (p *Page) Level() uint8 { return p.Buf[offLevel] }

func (p *Page) NumCells() int {
	return int(binary.BigEndian.Uint16(p.Buf[offNumCells:]))
}

func (p *Page) setNumCells(n int) {
	binary.BigEndian.PutUint16(p.Buf[offNumCells:], uint16(n))
}

func (p *Page) allocPtr() uint16 {
	return binary.BigEndian.Uint16(p.Buf[offAllocPtr:])
}

func (p *Page) setAllocPtr(v uint16) {
	binary.BigEndian.PutUint16(p.Buf[offAllocPtr:], v)
}

// RightSibling returns the page's right-sibling pointer (0 if none).
func (p *Page) RightSibling() volume.PageID {
	return volume.PageID(binary.BigEndian.Uint64(p.Buf[offRightSibling:]))
}

func (p *Page) setRightSibling(id volume.PageID) {
	binary.BigEndian.PutUint64(p.Buf[offRightSibling:], uint64(id))
}

// SetRightSibling is the exported setter used by split/join.
func (p *Page) SetRightSibling(id volume.PageID) {
	p.setRightSibling(id)
	p.Invalidate()
}

// LowChild returns the child page holding keys less than the page's first
// cell (internal pages only).
func (p *Page) LowChild() volume.PageID {
	return volume.PageID(binary.BigEndian.Uint64(p.Buf[offLowChild:]))
}

// SetLowChild sets the low-child pointer (internal pages only).
func (p *Page) SetLowChild(id volume.PageID) {
	binary.BigEndian.PutUint64(p.Buf[offLowChild:], uint64(id))
}

func (p *Page) keyBlockEnd() uint16 {
	return uint16(headerSize + p.NumCells()*keyBlockSize)
}

// FreeBytes returns the slack between the key-block region and the tail
// region's high-water mark.
func (p *Page) FreeBytes() int {
	return int(p.allocPtr()) - int(p.keyBlockEnd())
}

func (p *Page) keyBlockOffset(i int) int { return headerSize + i*keyBlockSize }

func (p *Page) cellEBC(i int) uint8 {
	return p.Buf[p.keyBlockOffset(i)]
}

func (p *Page) cellKeyRestLen(i int) int {
	return int(binary.BigEndian.Uint16(p.Buf[p.keyBlockOffset(i)+1:]))
}

func (p *Page) cellTailOffset(i int) int {
	return int(binary.BigEndian.Uint16(p.Buf[p.keyBlockOffset(i)+3:]))
}

func (p *Page) writeKeyBlock(i int, ebc uint8, keyRestLen uint16, tailOffset uint16) {
	off := p.keyBlockOffset(i)
	p.Buf[off] = ebc
	binary.BigEndian.PutUint16(p.Buf[off+1:], keyRestLen)
	binary.BigEndian.PutUint16(p.Buf[off+3:], tailOffset)
	p.Buf[off+5] = 0
}

// Key reconstructs the full key stored in cell i by chaining ebc prefixes
// back to the nearest cell whose ebc is 0 (spec.md §4.D: "delta-compressed
// against their left neighbour").
func (p *Page) Key(i int) []byte {
	n := p.NumCells()
	if i < 0 || i >= n {
		return nil
	}
	// Reassemble left to right: cell j's key is the first ebc(j) bytes of
	// cell j-1's key, followed by cell j's own stored remainder
	// (spec.md §4.D: "delta-compressed against their left neighbour").
	var key []byte
	for j := 0; j <= i; j++ {
		ebc := int(p.cellEBC(j))
		if ebc > len(key) {
			ebc = len(key)
		}
		rest := p.tailKeyBytes(j)
		next := make([]byte, 0, ebc+len(rest))
		next = append(next, key[:ebc]...)
		next = append(next, rest...)
		key = next
	}
	return key
}

func (p *Page) tailKeyBytes(i int) []byte {
	off := p.cellTailOffset(i)
	n := p.cellKeyRestLen(i)
	return p.Buf[off : off+n]
}

// Value returns the raw tail bytes following the key remainder for a leaf
// cell: a 1-byte ValueKind tag followed by the payload.
func (p *Page) Value(i int) (ValueKind, []byte) {
	off := p.cellTailOffset(i)
	n := p.cellKeyRestLen(i)
	rest := p.Buf[off+n:]
	if len(rest) == 0 {
		return ValueInline, nil
	}
	kind := ValueKind(rest[0])
	valLen, sz := binary.Uvarint(rest[1:])
	start := 1 + sz
	return kind, rest[start : start+int(valLen)]
}

// ChildPageID returns the child pointer stored in an internal-node cell.
func (p *Page) ChildPageID(i int) volume.PageID {
	off := p.cellTailOffset(i)
	n := p.cellKeyRestLen(i)
	return volume.PageID(binary.BigEndian.Uint64(p.Buf[off+n:]))
}

// Invalidate marks the Fast Index stale; it is lazily recomputed on next
// use (spec.md §4.E).
func (p *Page) Invalidate() {
	p.fastIndex = nil
}

// Verify walks the page confirming key ordering, ebc correctness, and tail
// offsets within bounds (spec.md §4.D "Verify").
func (p *Page) Verify() error {
	n := p.NumCells()
	var prev []byte
	for i := 0; i < n; i++ {
		off := p.cellTailOffset(i)
		restLen := p.cellKeyRestLen(i)
		if off < int(p.keyBlockEnd()) || off+restLen > int(p.Size) {
			return common.NewCorrupt(common.CorruptVolume, "page: tail offset out of bounds")
		}
		ebc := int(p.cellEBC(i))
		if ebc > len(prev) {
			return common.NewCorrupt(common.CorruptVolume, "page: ebc exceeds previous key length")
		}
		k := p.Key(i)
		if prev != nil {
			if string(k) <= string(prev) {
				return common.NewCorrupt(common.CorruptVolume, "page: keys not strictly increasing")
			}
		}
		prev = k
	}
	return nil
}
