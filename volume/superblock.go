package volume

import (
	"encoding/binary"

	"ferrodb/common"
)

// SuperblockMagic is the page-0 magic, matching the field spec.md §6
// describes as `magic "PERSISTIT\0"`, generalized to a ferrodb-specific tag.
const SuperblockMagic uint32 = 0x46455244 // "FERD"

// SuperblockMinSize is the smallest on-disk encoding of a Superblock,
// used only to size a read buffer before the real page size is known.
const SuperblockMinSize = 64

// Superblock is the page-0 header: magic, page size, allocation state, and
// the directory-tree/garbage-chain heads (spec.md §3 "Volume").
type Superblock struct {
	Magic          uint32
	PageSize       uint32
	NextAvailable  uint64
	PagesAllocated uint32
	DirectoryRoot  PageID
	GarbageHead    PageID
}

const (
	sbOffMagic      = 0
	sbOffPageSize   = 4
	sbOffNextAvail  = 8
	sbOffPagesAlloc = 16
	sbOffDirRoot    = 20
	sbOffGarbage    = 28
	sbEncodedSize   = 36
)

func encodeSuperblock(buf []byte, sb Superblock) {
	binary.BigEndian.PutUint32(buf[sbOffMagic:], sb.Magic)
	binary.BigEndian.PutUint32(buf[sbOffPageSize:], sb.PageSize)
	binary.BigEndian.PutUint64(buf[sbOffNextAvail:], sb.NextAvailable)
	binary.BigEndian.PutUint32(buf[sbOffPagesAlloc:], sb.PagesAllocated)
	binary.BigEndian.PutUint64(buf[sbOffDirRoot:], uint64(sb.DirectoryRoot))
	binary.BigEndian.PutUint64(buf[sbOffGarbage:], uint64(sb.GarbageHead))
}

func decodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < sbEncodedSize {
		return Superblock{}, common.NewCorrupt(common.CorruptVolume, "superblock truncated")
	}
	sb := Superblock{
		Magic:          binary.BigEndian.Uint32(buf[sbOffMagic:]),
		PageSize:       binary.BigEndian.Uint32(buf[sbOffPageSize:]),
		NextAvailable:  binary.BigEndian.Uint64(buf[sbOffNextAvail:]),
		PagesAllocated: binary.BigEndian.Uint32(buf[sbOffPagesAlloc:]),
		DirectoryRoot:  PageID(binary.BigEndian.Uint64(buf[sbOffDirRoot:])),
		GarbageHead:    PageID(binary.BigEndian.Uint64(buf[sbOffGarbage:])),
	}
	if sb.Magic != SuperblockMagic {
		return Superblock{}, common.NewCorrupt(common.CorruptVolume, "bad magic")
	}
	return sb, nil
}
