package mvv

import (
	"ferrodb/clock"
	"ferrodb/txn"
)

// FetchVisible resolves an MVV (or primordial) byte string to the single
// value visible at (readerTs, readerStep), per spec.md §4.H combined with
// §4.G's CommitStatus rule: among versions idx.CommitStatus classifies
// Visible, the one authored most recently wins; if none are visible the
// primordial value (if any) is returned. found is false only when there is
// neither a visible version nor a primordial value — i.e. the key is
// logically absent to this reader.
func FetchVisible(source []byte, idx *txn.Index, readerTs clock.Timestamp, readerStep uint16) (value []byte, found bool) {
	primordial, versions, isMVV := parse(source)
	if !isMVV {
		if len(source) == 0 {
			return nil, false
		}
		return append([]byte(nil), source...), true
	}

	var best []byte
	var bestWriterTs clock.Timestamp
	var bestStep uint16
	haveBest := false
	for _, v := range versions {
		writerTs := v.handle.Timestamp()
		if idx.CommitStatus(writerTs, readerTs, v.handle.Step(), readerStep) != txn.Visible {
			continue
		}
		if !haveBest || writerTs > bestWriterTs || (writerTs == bestWriterTs && v.handle.Step() > bestStep) {
			best, bestWriterTs, bestStep, haveBest = v.value, writerTs, v.handle.Step(), true
		}
	}
	if haveBest {
		return append([]byte(nil), best...), true
	}
	if len(primordial) > 0 {
		return append([]byte(nil), primordial...), true
	}
	return nil, false
}

// Prune implements the pruning half of spec.md §4.H's background cleanup
// description: versions authored by a transaction that aborted are always
// discarded, and versions older than floor are discarded once shadowed by a
// newer version whose author committed at or before floor (so no reader at
// or above floor could still need them). Returns source unchanged if it is
// not MVV-encoded.
func Prune(source []byte, idx *txn.Index, floor clock.Timestamp) []byte {
	if !IsMVV(source) {
		return source
	}
	_, versions, _ := parse(source)

	var newestShadowing clock.Timestamp
	haveShadow := false
	for _, v := range versions {
		writerTs := v.handle.Timestamp()
		st := idx.Lookup(writerTs)
		if st == nil {
			continue
		}
		if tc, committed := st.CommitTimestamp(); committed && tc <= floor {
			if !haveShadow || writerTs > newestShadowing {
				newestShadowing = writerTs
				haveShadow = true
			}
		}
	}

	return VisitAllVersions(source, func(handle txn.VersionHandle, value []byte) bool {
		writerTs := handle.Timestamp()
		if st := idx.Lookup(writerTs); st != nil && st.Aborted() {
			return false
		}
		if haveShadow && writerTs < newestShadowing {
			return false
		}
		return true
	})
}
