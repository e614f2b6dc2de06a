package volume

import (
	"encoding/binary"

	"ferrodb/common"
)

// Each garbage page stores a header (next garbage page, count) followed by
// up to garbageCapacity(pageSize) freed page numbers (spec.md §4.B). A
// freshly freed page is either appended into the current head block (if it
// has room) or becomes the new head block itself.
const garbageHeaderSize = 12 // next(8) | count(4)

func garbageCapacity(pageSize uint32) int {
	return int(pageSize-garbageHeaderSize) / 8
}

type garbageBlock struct {
	next  PageID
	slots []PageID
}

func decodeGarbageBlock(buf []byte) garbageBlock {
	next := PageID(binary.BigEndian.Uint64(buf[0:8]))
	count := binary.BigEndian.Uint32(buf[8:12])
	slots := make([]PageID, count)
	for i := uint32(0); i < count; i++ {
		off := garbageHeaderSize + int(i)*8
		slots[i] = PageID(binary.BigEndian.Uint64(buf[off : off+8]))
	}
	return garbageBlock{next: next, slots: slots}
}

func encodeGarbageBlock(buf []byte, b garbageBlock) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(b.next))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(b.slots)))
	for i, id := range b.slots {
		off := garbageHeaderSize + i*8
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(id))
	}
}

// pushGarbageLocked prepends id to the garbage chain. Caller holds v.mu.
func (v *Volume) pushGarbageLocked(id PageID) error {
	buf := make([]byte, v.opts.PageSize)

	if v.super.GarbageHead != noPage {
		if err := v.readPageRaw(v.super.GarbageHead, buf); err != nil {
			return err
		}
		block := decodeGarbageBlock(buf)
		if len(block.slots) < garbageCapacity(v.opts.PageSize) {
			block.slots = append(block.slots, id)
			encodeGarbageBlock(buf, block)
			return v.writePageRaw(v.super.GarbageHead, buf)
		}
	}

	// Current head is full (or absent): id becomes the new head block,
	// chained to the previous head.
	newBlock := garbageBlock{next: v.super.GarbageHead}
	clear(buf)
	encodeGarbageBlock(buf, newBlock)
	if err := v.writePageRaw(id, buf); err != nil {
		return err
	}
	v.super.GarbageHead = id
	return v.writeSuperblockLocked()
}

// popGarbageLocked removes and returns one page id from the garbage chain.
// Caller holds v.mu.
func (v *Volume) popGarbageLocked() (PageID, bool, error) {
	if v.super.GarbageHead == noPage {
		return 0, false, nil
	}

	head := v.super.GarbageHead
	buf := make([]byte, v.opts.PageSize)
	if err := v.readPageRaw(head, buf); err != nil {
		return 0, false, err
	}
	block := decodeGarbageBlock(buf)

	if len(block.slots) == 0 {
		// The head block itself is reusable: pop it from the chain and
		// hand its own page number back to the caller.
		v.super.GarbageHead = block.next
		if err := v.writeSuperblockLocked(); err != nil {
			return 0, false, err
		}
		return head, true, nil
	}

	last := block.slots[len(block.slots)-1]
	block.slots = block.slots[:len(block.slots)-1]
	clear(buf)
	encodeGarbageBlock(buf, block)
	if err := v.writePageRaw(head, buf); err != nil {
		return 0, false, err
	}
	return last, true, nil
}

func (v *Volume) readPageRaw(id PageID, buf []byte) error {
	off := int64(id) * int64(v.opts.PageSize)
	if _, err := v.file.ReadAt(buf, off); err != nil {
		return common.NewIoFailed(common.IoRead, err)
	}
	return nil
}

func (v *Volume) writePageRaw(id PageID, buf []byte) error {
	off := int64(id) * int64(v.opts.PageSize)
	if _, err := v.file.WriteAt(buf, off); err != nil {
		return common.NewIoFailed(common.IoWrite, err)
	}
	return nil
}
