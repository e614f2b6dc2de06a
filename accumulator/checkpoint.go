package accumulator

import (
	"encoding/binary"
	"fmt"

	"ferrodb/clock"
	"ferrodb/tree"
	"ferrodb/txn"
)

// Checkpoint implements checkpoint(accumulators, at) for a single
// Accumulator (spec.md §4.I): folds into the base every Delta whose
// authoring transaction committed at or before at, drops those Deltas,
// and persists the new base into the directory tree's accumulator-state
// record via dir.
//
// A Delta whose Status has already been freed (idx.Lookup returns nil) is
// left untouched rather than folded — per the §4.G retention rule a
// Status is only freed once no active reader could still need to
// classify it, which for an accumulator committed-at-or-before-floor
// Delta would already have made it foldable on an earlier checkpoint; a
// surviving entry here means it was not yet foldable when last seen, so
// it is conservatively kept for the next checkpoint pass rather than
// assumed resolved.
func (a *Accumulator) Checkpoint(idx *txn.Index, dir *tree.Directory, at clock.Timestamp) error {
	a.mu.Lock()
	for key, delta := range a.deltas {
		st := idx.Lookup(key.ts)
		if st == nil {
			continue
		}
		tc, committed := st.CommitTimestamp()
		if !committed || tc > at {
			continue
		}
		a.base = combine(a.kind, a.base, delta)
		delete(a.deltas, key)
	}
	state := encodeState(a.kind, a.index, a.base, a.treeName)
	a.mu.Unlock()

	return dir.StoreMetadata(stateKey(a.treeName, a.index), state)
}

func stateKey(treeName string, index uint32) string {
	return fmt.Sprintf("acc:%s:%d", treeName, index)
}

// encodeState builds the Accumulator state record (spec.md §4.I
// "Accumulator state record"): kind(1) | index(4) | base(8) |
// treeName-length(2) | treeName(bytes).
func encodeState(kind Kind, index uint32, base int64, treeName string) []byte {
	buf := make([]byte, 1+4+8+2+len(treeName))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:5], index)
	binary.BigEndian.PutUint64(buf[5:13], uint64(base))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(treeName)))
	copy(buf[15:], treeName)
	return buf
}

// decodeState parses a record built by encodeState.
func decodeState(buf []byte) (kind Kind, index uint32, base int64, treeName string, err error) {
	if len(buf) < 15 {
		return 0, 0, 0, "", fmt.Errorf("accumulator: state record too short (%d bytes)", len(buf))
	}
	kind = Kind(buf[0])
	index = binary.BigEndian.Uint32(buf[1:5])
	base = int64(binary.BigEndian.Uint64(buf[5:13]))
	nameLen := int(binary.BigEndian.Uint16(buf[13:15]))
	if len(buf) < 15+nameLen {
		return 0, 0, 0, "", fmt.Errorf("accumulator: state record truncated tree name")
	}
	treeName = string(buf[15 : 15+nameLen])
	return kind, index, base, treeName, nil
}

// Load opens (or creates, at identity) the persisted Accumulator for
// (treeName, index, kind) from dir's metadata, so that re-opening an
// engine resumes accumulators from their last checkpoint rather than from
// zero.
func Load(dir *tree.Directory, kind Kind, index uint32, treeName string) (*Accumulator, error) {
	buf, ok, err := dir.FetchMetadata(stateKey(treeName, index))
	if err != nil {
		return nil, err
	}
	if !ok {
		return New(kind, index, treeName, Identity(kind)), nil
	}
	storedKind, storedIndex, base, storedName, err := decodeState(buf)
	if err != nil {
		return nil, err
	}
	if storedKind != kind || storedIndex != index || storedName != treeName {
		return nil, fmt.Errorf("accumulator: state record mismatch for %s[%d]", treeName, index)
	}
	return New(kind, index, treeName, base), nil
}
