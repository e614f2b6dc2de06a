package page

import (
	"encoding/binary"

	"ferrodb/volume"
)

// LongRecordThreshold is the per-page-size cutoff above which a value is
// stored as a long-record chain instead of inline in the leaf cell
// (spec.md §4.D "Long records"), leaving headroom for the key and the
// chain marker itself within a single tail block.
func LongRecordThreshold(pageSize uint32) int {
	return int(pageSize) / 4
}

const longRecordHeaderSize = 16 // nextPage(8) | payloadLen(8)

// EncodeLongRecordMarker builds the leaf-cell payload referencing the head
// page of a long-record chain: ValueKind byte + head page id (8 bytes) +
// total value length (8 bytes), 17 bytes in all.
func EncodeLongRecordMarker(head volume.PageID, totalLen uint64) []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = byte(ValueLongRecord)
	binary.BigEndian.PutUint64(buf[1:], uint64(head))
	binary.BigEndian.PutUint64(buf[9:], totalLen)
	return buf
}

// DecodeLongRecordMarker parses a leaf value previously produced by
// EncodeLongRecordMarker. The caller strips the leading ValueKind byte
// that EncodeLongRecordMarker writes, so buf starts at head.
func DecodeLongRecordMarker(buf []byte) (head volume.PageID, totalLen uint64) {
	return volume.PageID(binary.BigEndian.Uint64(buf[0:8])), binary.BigEndian.Uint64(buf[8:16])
}

// WriteLongRecordPage formats page id as one link in a long-record chain
// holding up to MaxLongRecordChunk(size) bytes of chunk (the page size
// less the page header and longRecordHeaderSize), with next
// pointing at the following page in the chain (0 if this is the last).
func WriteLongRecordPage(id volume.PageID, size uint32, next volume.PageID, chunk []byte) *Page {
	p := New(id, size, TypeLongRecord, 0)
	binary.BigEndian.PutUint64(p.Buf[headerSize:], uint64(next))
	binary.BigEndian.PutUint64(p.Buf[headerSize+8:], uint64(len(chunk)))
	copy(p.Buf[headerSize+longRecordHeaderSize:], chunk)
	return p
}

// ReadLongRecordPage returns the next-page pointer and chunk bytes stored
// in a long-record page previously written by WriteLongRecordPage.
func ReadLongRecordPage(p *Page) (next volume.PageID, chunk []byte) {
	next = volume.PageID(binary.BigEndian.Uint64(p.Buf[headerSize:]))
	n := binary.BigEndian.Uint64(p.Buf[headerSize+8:])
	chunk = p.Buf[headerSize+longRecordHeaderSize : headerSize+longRecordHeaderSize+int(n)]
	return next, chunk
}

// MaxLongRecordChunk is the number of value bytes one long-record page can
// hold, derived from pageSize.
func MaxLongRecordChunk(pageSize uint32) int {
	return int(pageSize) - headerSize - longRecordHeaderSize
}
