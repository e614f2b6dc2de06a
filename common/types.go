// Package common holds types and errors shared by every ferrodb package:
// the Key/Value model (§3), engine-wide statistics, and the error kinds of
// §7. It plays the role the teacher's common package plays for its three
// engines, generalized to the single B+-tree engine this module builds.
package common

import "bytes"

// KeyOrdinal classifies a Key relative to the two sentinels that bound the
// keyspace (§3: "Two sentinel ordinals BEFORE and AFTER sort strictly less
// and strictly greater than any encodable key").
type KeyOrdinal int8

const (
	// Before sorts strictly less than any encodable key.
	Before KeyOrdinal = -1
	// Real is an ordinary encoded key.
	Real KeyOrdinal = 0
	// After sorts strictly greater than any encodable key.
	After KeyOrdinal = 1
)

// Key is an ordered byte sequence compared lexicographically on raw bytes.
type Key struct {
	Ordinal KeyOrdinal
	Bytes   []byte
}

// RealKey wraps plain bytes as an ordinary Key.
func RealKey(b []byte) Key { return Key{Ordinal: Real, Bytes: b} }

// BeforeKey is the BEFORE sentinel.
func BeforeKey() Key { return Key{Ordinal: Before} }

// AfterKey is the AFTER sentinel.
func AfterKey() Key { return Key{Ordinal: After} }

// Compare returns <0, 0, >0 as k sorts before, equal to, or after other.
func (k Key) Compare(other Key) int {
	if k.Ordinal != other.Ordinal {
		return int(k.Ordinal) - int(other.Ordinal)
	}
	if k.Ordinal != Real {
		return 0
	}
	return bytes.Compare(k.Bytes, other.Bytes)
}

// MaxKeySize bounds an encoded key to a fraction of the smallest supported
// page size (1 KiB), so a key can never fail to fit into a freshly split
// page regardless of the volume's configured page size.
const MaxKeySize = 256

// MaxInlineValueSize bounds a value stored directly in a leaf cell before it
// must be written out as a long-record chain (§3, §4.D "Long records").
// Actual per-page headroom still depends on the volume's page size; callers
// compare against page.LongRecordThreshold(pageSize) for the real cutoff.
const MaxInlineValueSize = 8192

// Direction is a traversal direction for Tree.Traverse (§4.F).
type Direction int8

const (
	Forward Direction = iota
	Backward
)

// Stats mirrors the teacher's per-engine statistics block, generalized to
// the concerns this engine actually tracks (page I/O, journal I/O, amp).
type Stats struct {
	NumKeys       int64
	NumPages      int64
	TotalDiskSize int64

	WriteCount int64
	ReadCount  int64

	JournalBytesWritten int64
	PageBytesWritten    int64

	WriteAmp float64
	SpaceAmp float64
}

// Iterator is the minimal range-scan contract, kept from the teacher's
// common.Iterator so tree.Cursor and the engine's Exchange can share it.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}
