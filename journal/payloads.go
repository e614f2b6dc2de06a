package journal

import (
	"encoding/binary"
	"fmt"

	"ferrodb/clock"
)

// PageImage is the body of a PA record: volumeHandle(4) | pageId(8) |
// pageImage(pageSize) (spec.md §4.J).
type PageImage struct {
	VolumeHandle uint32
	PageID       uint64
	Image        []byte
}

func EncodePageImage(p PageImage) []byte {
	buf := make([]byte, 4+8+len(p.Image))
	binary.BigEndian.PutUint32(buf[0:4], p.VolumeHandle)
	binary.BigEndian.PutUint64(buf[4:12], p.PageID)
	copy(buf[12:], p.Image)
	return buf
}

func DecodePageImage(buf []byte) (PageImage, error) {
	if len(buf) < 12 {
		return PageImage{}, fmt.Errorf("journal: short PA body (%d bytes)", len(buf))
	}
	return PageImage{
		VolumeHandle: binary.BigEndian.Uint32(buf[0:4]),
		PageID:       binary.BigEndian.Uint64(buf[4:12]),
		Image:        append([]byte(nil), buf[12:]...),
	}, nil
}

// UpdateKind tags one update within a TX record's body (spec.md §4.J:
// "SR (store), DR (delete range), DT (remove tree), or D (accumulator
// delta)").
type UpdateKind byte

const (
	UpdateStore       UpdateKind = 'S' // SR: store
	UpdateDeleteRange UpdateKind = 'R' // DR: delete range
	UpdateRemoveTree  UpdateKind = 'T' // DT: remove tree
	UpdateAccumulator UpdateKind = 'D' // D: accumulator delta
)

// Update is one entry within a TX record's update list. Not every field
// is meaningful for every Kind; see encodeUpdate/decodeUpdate below for
// the field layout per kind.
type Update struct {
	Kind     UpdateKind
	TreeHandle uint32

	Key   []byte // Store, DeleteRange "from"
	Key2  []byte // DeleteRange "to"
	Value []byte // Store

	AccumulatorIndex uint32 // Accumulator delta
	AccumulatorKind  byte
	DeltaValue       int64
}

// encodeUpdate writes one self-length-prefixed update (kind(1) |
// length(4) | body) so a reader can skip an update kind it does not
// recognize, the same tag+length framing the outer record header uses.
func encodeUpdate(u Update) []byte {
	var body []byte
	switch u.Kind {
	case UpdateStore:
		body = make([]byte, 4+2+len(u.Key)+1+4+len(u.Value))
		off := 0
		binary.BigEndian.PutUint32(body[off:], u.TreeHandle)
		off += 4
		binary.BigEndian.PutUint16(body[off:], uint16(len(u.Key)))
		off += 2
		off += copy(body[off:], u.Key)
		body[off] = u.AccumulatorKind // reused as ValueKind tag for Store
		off++
		binary.BigEndian.PutUint32(body[off:], uint32(len(u.Value)))
		off += 4
		copy(body[off:], u.Value)
	case UpdateDeleteRange:
		body = make([]byte, 4+2+len(u.Key)+2+len(u.Key2))
		off := 0
		binary.BigEndian.PutUint32(body[off:], u.TreeHandle)
		off += 4
		binary.BigEndian.PutUint16(body[off:], uint16(len(u.Key)))
		off += 2
		off += copy(body[off:], u.Key)
		binary.BigEndian.PutUint16(body[off:], uint16(len(u.Key2)))
		off += 2
		copy(body[off:], u.Key2)
	case UpdateRemoveTree:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, u.TreeHandle)
	case UpdateAccumulator:
		body = make([]byte, 4+4+1+8)
		off := 0
		binary.BigEndian.PutUint32(body[off:], u.TreeHandle)
		off += 4
		binary.BigEndian.PutUint32(body[off:], u.AccumulatorIndex)
		off += 4
		body[off] = u.AccumulatorKind
		off++
		binary.BigEndian.PutUint64(body[off:], uint64(u.DeltaValue))
	}

	out := make([]byte, 1+4+len(body))
	out[0] = byte(u.Kind)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out
}

func decodeUpdate(buf []byte) (Update, int, error) {
	if len(buf) < 5 {
		return Update{}, 0, fmt.Errorf("journal: short update header")
	}
	kind := UpdateKind(buf[0])
	length := binary.BigEndian.Uint32(buf[1:5])
	total := 5 + int(length)
	if len(buf) < total {
		return Update{}, 0, fmt.Errorf("journal: truncated update body")
	}
	body := buf[5:total]

	u := Update{Kind: kind}
	switch kind {
	case UpdateStore:
		off := 0
		u.TreeHandle = binary.BigEndian.Uint32(body[off:])
		off += 4
		keyLen := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		u.Key = append([]byte(nil), body[off:off+keyLen]...)
		off += keyLen
		u.AccumulatorKind = body[off]
		off++
		valLen := int(binary.BigEndian.Uint32(body[off:]))
		off += 4
		u.Value = append([]byte(nil), body[off:off+valLen]...)
	case UpdateDeleteRange:
		off := 0
		u.TreeHandle = binary.BigEndian.Uint32(body[off:])
		off += 4
		fromLen := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		u.Key = append([]byte(nil), body[off:off+fromLen]...)
		off += fromLen
		toLen := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		u.Key2 = append([]byte(nil), body[off:off+toLen]...)
	case UpdateRemoveTree:
		u.TreeHandle = binary.BigEndian.Uint32(body)
	case UpdateAccumulator:
		off := 0
		u.TreeHandle = binary.BigEndian.Uint32(body[off:])
		off += 4
		u.AccumulatorIndex = binary.BigEndian.Uint32(body[off:])
		off += 4
		u.AccumulatorKind = body[off]
		off++
		u.DeltaValue = int64(binary.BigEndian.Uint64(body[off:]))
	default:
		return Update{}, 0, fmt.Errorf("journal: unknown update kind %q", kind)
	}
	return u, total, nil
}

// Transaction is the body of a TX record: startTs(8) | commitTs(8) |
// updateCount(4) | updates... (spec.md §4.J).
type Transaction struct {
	StartTs  clock.Timestamp
	CommitTs clock.Timestamp
	Updates  []Update
}

func EncodeTransaction(tx Transaction) []byte {
	encodedUpdates := make([][]byte, len(tx.Updates))
	size := 8 + 8 + 4
	for i, u := range tx.Updates {
		encodedUpdates[i] = encodeUpdate(u)
		size += len(encodedUpdates[i])
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], uint64(tx.StartTs))
	binary.BigEndian.PutUint64(buf[8:16], uint64(tx.CommitTs))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(tx.Updates)))
	off := 20
	for _, e := range encodedUpdates {
		off += copy(buf[off:], e)
	}
	return buf
}

func DecodeTransaction(buf []byte) (Transaction, error) {
	if len(buf) < 20 {
		return Transaction{}, fmt.Errorf("journal: short TX body (%d bytes)", len(buf))
	}
	tx := Transaction{
		StartTs:  clock.Timestamp(binary.BigEndian.Uint64(buf[0:8])),
		CommitTs: clock.Timestamp(binary.BigEndian.Uint64(buf[8:16])),
	}
	count := int(binary.BigEndian.Uint32(buf[16:20]))
	off := 20
	for i := 0; i < count; i++ {
		u, n, err := decodeUpdate(buf[off:])
		if err != nil {
			return Transaction{}, err
		}
		tx.Updates = append(tx.Updates, u)
		off += n
	}
	return tx, nil
}

// Checkpoint is the body of a CP record: timestamp(8) | wallTime(8) |
// baseAddress(8) | activeTxnMap (count(4) then startTs(8) each)
// (spec.md §4.J).
type Checkpoint struct {
	Timestamp   clock.Timestamp
	WallTime    int64
	BaseAddress int64
	ActiveTxns  []clock.Timestamp
}

func EncodeCheckpoint(cp Checkpoint) []byte {
	buf := make([]byte, 8+8+8+4+8*len(cp.ActiveTxns))
	binary.BigEndian.PutUint64(buf[0:8], uint64(cp.Timestamp))
	binary.BigEndian.PutUint64(buf[8:16], uint64(cp.WallTime))
	binary.BigEndian.PutUint64(buf[16:24], uint64(cp.BaseAddress))
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(cp.ActiveTxns)))
	off := 28
	for _, ts := range cp.ActiveTxns {
		binary.BigEndian.PutUint64(buf[off:], uint64(ts))
		off += 8
	}
	return buf
}

func DecodeCheckpoint(buf []byte) (Checkpoint, error) {
	if len(buf) < 28 {
		return Checkpoint{}, fmt.Errorf("journal: short CP body (%d bytes)", len(buf))
	}
	cp := Checkpoint{
		Timestamp:   clock.Timestamp(binary.BigEndian.Uint64(buf[0:8])),
		WallTime:    int64(binary.BigEndian.Uint64(buf[8:16])),
		BaseAddress: int64(binary.BigEndian.Uint64(buf[16:24])),
	}
	count := int(binary.BigEndian.Uint32(buf[24:28]))
	off := 28
	for i := 0; i < count; i++ {
		cp.ActiveTxns = append(cp.ActiveTxns, clock.Timestamp(binary.BigEndian.Uint64(buf[off:])))
		off += 8
	}
	return cp, nil
}

// HandleEntry is the body of an IV (volume) or IT (tree) record: a
// compact 4-byte handle bound to a name, scoped to a volume handle for
// IT (spec.md §4.J).
type HandleEntry struct {
	Handle       uint32
	VolumeHandle uint32 // unused (0) for IV
	Name         string
}

func EncodeHandleEntry(h HandleEntry) []byte {
	buf := make([]byte, 4+4+2+len(h.Name))
	binary.BigEndian.PutUint32(buf[0:4], h.Handle)
	binary.BigEndian.PutUint32(buf[4:8], h.VolumeHandle)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(h.Name)))
	copy(buf[10:], h.Name)
	return buf
}

func DecodeHandleEntry(buf []byte) (HandleEntry, error) {
	if len(buf) < 10 {
		return HandleEntry{}, fmt.Errorf("journal: short handle entry (%d bytes)", len(buf))
	}
	nameLen := int(binary.BigEndian.Uint16(buf[8:10]))
	if len(buf) < 10+nameLen {
		return HandleEntry{}, fmt.Errorf("journal: truncated handle entry name")
	}
	return HandleEntry{
		Handle:       binary.BigEndian.Uint32(buf[0:4]),
		VolumeHandle: binary.BigEndian.Uint32(buf[4:8]),
		Name:         string(buf[10 : 10+nameLen]),
	}, nil
}
