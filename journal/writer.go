package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"ferrodb/clock"
	"ferrodb/common"
)

// MinBlockSize is the spec-mandated minimum journalsize (spec.md §6,
// "journalsize (bytes; minimum 128 KiB)").
const MinBlockSize = 128 * 1024

// Writer is the Journal Manager's single append-only write buffer
// (spec.md §4.J), grounded on the teacher's btree.WAL — one physical file
// open at a time, `force` to fsync, generalized to ferrodb's record
// catalogue, block-aligned rollover, and a live page map.
type Writer struct {
	mu        sync.Mutex
	dir       string
	blockSize int64

	file    mediatedFile
	address int64 // starting file-address of the current file (its name suffix)
	offset  int64 // write offset within the current file, relative to its start

	PageMap *PageMap
}

func fileName(dir string, address int64) string {
	return filepath.Join(dir, fmt.Sprintf("journal.%020d", address))
}

// Open creates a fresh journal rooted at dir, starting file 0. Open
// always begins a brand-new journal; a restarting engine that finds
// existing files uses ListFiles and OpenResume instead.
func Open(dir string, blockSize int64) (*Writer, error) {
	return openAt(dir, blockSize, 0)
}

// OpenResume is Open, but starts the first file at startAddress instead
// of 0 — the entry point a restarting engine uses after locating the
// existing journal's highest file address via ListFiles, so the new
// Writer's first file begins cleanly after (not overlapping) any journal
// files recovery.Run still needs to scan.
func OpenResume(dir string, blockSize int64, startAddress int64) (*Writer, error) {
	return openAt(dir, blockSize, startAddress)
}

func openAt(dir string, blockSize int64, startAddress int64) (*Writer, error) {
	if blockSize < MinBlockSize {
		blockSize = MinBlockSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.NewIoFailed(common.IoWrite, err)
	}
	w := &Writer{dir: dir, blockSize: blockSize, PageMap: NewPageMap()}
	if err := w.startFileLocked(startAddress); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) startFileLocked(address int64) error {
	f, err := openMediated(fileName(w.dir, address))
	if err != nil {
		return common.NewIoFailed(common.IoWrite, err)
	}
	w.file = f
	w.address = address
	w.offset = 0
	// Only the JH marker record is written here. The handle table and the
	// live-transaction map are not repeated at the start of a new file:
	// handle records are written once, when a handle is first assigned,
	// and nothing re-appends them after a rollover.
	_, err = w.appendLocked(Record{Type: TypeJournalHeader})
	return err
}

// Append writes one record, rolling over to a new file first if it would
// push the current file past blockSize (spec.md §4.J "Rollover": "must
// never orphan an in-flight transaction's TX record across the boundary
// incorrectly" — rollover only happens between records, never mid-write,
// since Append always writes one complete record atomically).
func (w *Writer) Append(r Record) (address int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(r)
}

func (w *Writer) appendLocked(r Record) (int64, error) {
	encoded := Encode(r)
	if w.offset > 0 && w.offset+int64(len(encoded)) > w.blockSize {
		if err := w.rolloverLocked(); err != nil {
			return 0, err
		}
	}
	addr := w.address + w.offset
	n, err := w.file.WriteAt(encoded, w.offset)
	if err != nil {
		// Append-failure policy (spec.md §4.J): propagate the error;
		// offset is only advanced on success, so a subsequent append
		// resumes cleanly rather than skipping over a partially written
		// record.
		return 0, common.NewIoFailed(common.IoWrite, err)
	}
	w.offset += int64(n)
	return addr, nil
}

func (w *Writer) rolloverLocked() error {
	if _, err := w.file.WriteAt(Encode(Record{Type: TypeJournalEnd}), w.offset); err != nil {
		return common.NewIoFailed(common.IoWrite, err)
	}
	if err := w.file.Sync(); err != nil {
		return common.NewIoFailed(common.IoForce, err)
	}
	if err := w.file.Close(); err != nil {
		return common.NewIoFailed(common.IoWrite, err)
	}
	return w.startFileLocked(w.address + w.blockSize)
}

// AppendPageImage journals a full page image and records it in PageMap
// (spec.md §4.J "PA" record + "Page map").
func (w *Writer) AppendPageImage(ts clock.Timestamp, volumeHandle uint32, pageID uint64, image []byte) error {
	body := EncodePageImage(PageImage{VolumeHandle: volumeHandle, PageID: pageID, Image: image})
	addr, err := w.Append(Record{Type: TypePageImage, Timestamp: ts, Body: body})
	if err != nil {
		return err
	}
	w.PageMap.Record(volumeHandle, pageID, PageNode{Address: addr, Timestamp: ts})
	return nil
}

// AppendTransaction journals a TX record.
func (w *Writer) AppendTransaction(ts clock.Timestamp, tx Transaction) error {
	_, err := w.Append(Record{Type: TypeTransaction, Timestamp: ts, Body: EncodeTransaction(tx)})
	return err
}

// AppendCheckpoint journals a CP record.
func (w *Writer) AppendCheckpoint(cp Checkpoint) error {
	_, err := w.Append(Record{Type: TypeCheckpoint, Timestamp: cp.Timestamp, Body: EncodeCheckpoint(cp)})
	return err
}

// AppendHandle journals an IV or IT handle-table entry.
func (w *Writer) AppendHandle(typ RecordType, h HandleEntry) error {
	_, err := w.Append(Record{Type: typ, Body: EncodeHandleEntry(h)})
	return err
}

// Force fsyncs the current file (spec.md §4.J "force(sync)").
func (w *Writer) Force() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return common.NewIoFailed(common.IoForce, err)
	}
	return nil
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return common.NewIoFailed(common.IoForce, err)
	}
	return w.file.Close()
}

// CurrentAddress returns the journal address the next Append would write
// at, for callers (e.g. checkpoint writer) that need to record a
// baseAddress.
func (w *Writer) CurrentAddress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.address + w.offset
}

func (w *Writer) currentFileAddress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.address
}

// readPageImageAt reads and decodes the PA record at a known global
// journal address, opening whichever file currently covers it.
func (w *Writer) readPageImageAt(address int64) ([]byte, error) {
	fileStart := (address / w.blockSize) * w.blockSize
	f, err := os.Open(fileName(w.dir, fileStart))
	if err != nil {
		return nil, common.NewIoFailed(common.IoRead, err)
	}
	defer f.Close()

	within := address - fileStart
	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, within); err != nil {
		return nil, common.NewIoFailed(common.IoRead, err)
	}
	recordLen := binary.BigEndian.Uint32(header[2:6])
	full := make([]byte, int(recordLen)+checksumSize)
	if _, err := f.ReadAt(full, within); err != nil {
		return nil, common.NewIoFailed(common.IoRead, err)
	}
	rec, _, err := Decode(full)
	if err != nil {
		return nil, err
	}
	img, err := DecodePageImage(rec.Body)
	if err != nil {
		return nil, err
	}
	return img.Image, nil
}

// ReadPage resolves the most recent page image for (volumeHandle,
// pageID) as of asOf, for the Buffer Pool's read-miss path (spec.md §4.J
// "Page map"). found is false if no journaled image exists (the page
// should be read from its Volume file instead). On a racing file
// deletion (copy-back retiring the file between the map lookup and the
// read) it re-resolves the lookup once, per spec.md's "Concurrent
// read/invalidation" discipline, rather than surfacing a spurious
// not-found error for an image that has simply moved.
func (w *Writer) ReadPage(volumeHandle uint32, pageID uint64, asOf clock.Timestamp) ([]byte, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		node, ok := w.PageMap.Lookup(volumeHandle, pageID, asOf)
		if !ok {
			return nil, false, nil
		}
		image, err := w.readPageImageAt(node.Address)
		if err == nil {
			return image, true, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return nil, false, err
	}
	return nil, false, common.NewIoFailed(common.IoRead, fmt.Errorf("journal: page image unavailable after retry"))
}
