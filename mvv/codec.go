// Package mvv implements the MVV codec (spec component H): the on-disk
// byte layout for a multi-version value cell, and the storeVersion /
// fetchVersion / visitAllVersions operations over it. The codec in this
// file is pure — no page, tree, or transaction-index dependency beyond the
// VersionHandle type txn defines; visibility.go in this package composes
// it with txn's visibility rules in FetchVisible and Prune.
package mvv

import (
	"encoding/binary"
	"errors"

	"ferrodb/txn"
)

// mvvTag is the TYPE_MVV marker byte (spec.md §4.H).
const mvvTag = 0x01

// headerSize is tag(1) | reserved(8) | primordialLen(2).
const headerSize = 1 + 8 + 2

// ErrVersionNotFound is returned by FetchVersion when no version with the
// requested handle is present.
var ErrVersionNotFound = errors.New("mvv: version not found")

// IsMVV reports whether b is MVV-encoded rather than a primordial
// (single, non-versioned) value.
func IsMVV(b []byte) bool { return len(b) > 0 && b[0] == mvvTag }

type version struct {
	handle txn.VersionHandle
	value  []byte
}

// parse decodes b into its primordial prefix (if any) and version list. ok
// is false if b is not MVV-encoded at all.
func parse(b []byte) (primordial []byte, versions []version, ok bool) {
	if !IsMVV(b) || len(b) < headerSize {
		return nil, nil, false
	}
	primLen := int(binary.BigEndian.Uint16(b[9:11]))
	off := headerSize
	if primLen > 0 {
		primordial = b[off : off+primLen]
		off += primLen
	}
	for off < len(b) {
		h := txn.VersionHandle(binary.BigEndian.Uint64(b[off:]))
		vlen := int(binary.BigEndian.Uint16(b[off+8:]))
		start := off + 10
		versions = append(versions, version{handle: h, value: b[start : start+vlen]})
		off = start + vlen
	}
	return primordial, versions, true
}

func encode(primordial []byte, versions []version) []byte {
	size := headerSize + len(primordial)
	for _, v := range versions {
		size += 10 + len(v.value)
	}
	buf := make([]byte, size)
	buf[0] = mvvTag
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(primordial)))
	off := headerSize
	off += copy(buf[off:], primordial)
	for _, v := range versions {
		binary.BigEndian.PutUint64(buf[off:], uint64(v.handle))
		binary.BigEndian.PutUint16(buf[off+8:], uint16(len(v.value)))
		off += 10 + copy(buf[off+10:], v.value)
	}
	return buf
}

// StoreVersion implements storeVersion(target, versionHandle, source)
// (spec.md §4.H): wraps an unused or primordial target into an MVV on
// first write, replaces a version with a matching handle in place of
// appending a duplicate. existed reports whether a matching version was
// found (the spec's STORE_EXISTED_MASK).
func StoreVersion(target []byte, handle txn.VersionHandle, source []byte) (newValue []byte, existed bool) {
	value := append([]byte(nil), source...)
	if len(target) == 0 {
		return encode(nil, []version{{handle: handle, value: value}}), false
	}

	primordial, versions, isMVV := parse(target)
	if !isMVV {
		primordial = append([]byte(nil), target...)
	}

	for i, v := range versions {
		if v.handle == handle {
			versions[i].value = value
			return encode(primordial, versions), true
		}
	}
	versions = append(versions, version{handle: handle, value: value})
	return encode(primordial, versions), false
}

// FetchVersion implements fetchVersion(source, versionHandle) (spec.md
// §4.H): an exact lookup by handle, independent of visibility.
func FetchVersion(source []byte, handle txn.VersionHandle) ([]byte, error) {
	_, versions, isMVV := parse(source)
	if !isMVV {
		return nil, ErrVersionNotFound
	}
	for _, v := range versions {
		if v.handle == handle {
			return append([]byte(nil), v.value...), nil
		}
	}
	return nil, ErrVersionNotFound
}

// VisitAllVersions implements visitAllVersions(visitor, source) (spec.md
// §4.H): visit is called once per version; returning false drops it. The
// rewritten bytes are returned — a bare primordial value (or nil) if every
// version was dropped and none remain.
func VisitAllVersions(source []byte, visit func(handle txn.VersionHandle, value []byte) bool) []byte {
	primordial, versions, isMVV := parse(source)
	if !isMVV {
		return source
	}
	kept := versions[:0]
	for _, v := range versions {
		if visit(v.handle, v.value) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		if len(primordial) == 0 {
			return nil
		}
		return append([]byte(nil), primordial...)
	}
	return encode(primordial, kept)
}
