package journal

import (
	"io"
	"os"
	"sort"
)

// ListFiles returns every journal file's starting address in dir, sorted
// ascending — the recovery manager's entry point for walking the journal
// from a chosen keystone forward (spec.md §4.K).
func ListFiles(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var addrs []int64
	for _, de := range entries {
		if addr, ok := parseJournalFileName(de.Name()); ok {
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs, nil
}

// ScanFile decodes every record in the file starting at the given global
// address, invoking visit(record, recordGlobalAddress) for each in
// order. It stops cleanly — without error — at the first truncated or
// corrupt trailing record (the tail of an unclean shutdown) or at a JE
// sentinel, whichever comes first.
func ScanFile(dir string, address int64, visit func(Record, int64) error) error {
	f, err := os.Open(fileName(dir, address))
	if err != nil {
		return err
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	offset := 0
	for offset < len(buf) {
		rec, n, err := Decode(buf[offset:])
		if err != nil {
			break
		}
		if err := visit(rec, address+int64(offset)); err != nil {
			return err
		}
		if rec.Type == TypeJournalEnd {
			break
		}
		offset += n
	}
	return nil
}
