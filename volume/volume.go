// Package volume implements the Volume / Storage component (spec §4.B): a
// single paged file with a superblock at page 0, a page allocator, and a
// garbage chain of freed pages. It plays the role the teacher's
// btree.Pager plays for page I/O, generalized to the spec's explicit
// garbage-chain reuse and bounded extension/maximum page counts.
package volume

import (
	"fmt"
	"os"
	"sync"

	"ferrodb/common"
)

// OpenMode mirrors spec.md §6's volume.N config: create | createOnly | readOnly.
type OpenMode int

const (
	OpenCreate OpenMode = iota
	OpenCreateOnly
	OpenReadOnly
)

// Options configures a Volume per spec.md §6 `volume.N` line.
type Options struct {
	Path           string
	Mode           OpenMode
	PageSize        uint32 // power of two, 1KiB..16KiB
	InitialPages    uint32
	ExtensionPages  uint32
	MaximumPages    uint32
}

// PageID addresses a page within a Volume. 0 is the superblock.
type PageID uint64

const noPage PageID = 0

// Volume is a single paged file: the superblock plus every allocated page.
type Volume struct {
	opts Options
	file *os.File
	mu   sync.Mutex

	super Superblock
}

// Open opens or creates the volume file according to opts.Mode, validating
// or initializing the superblock, and acquiring an advisory exclusive lock
// so a second engine instance cannot open the same file concurrently.
func Open(opts Options) (*Volume, error) {
	if opts.PageSize < 1024 || opts.PageSize > 16*1024 || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("volume: page size %d must be a power of two between 1KiB and 16KiB", opts.PageSize)
	}

	var flag int
	switch opts.Mode {
	case OpenReadOnly:
		flag = os.O_RDONLY
	case OpenCreateOnly:
		flag = os.O_RDWR | os.O_CREATE | os.O_EXCL
	default:
		flag = os.O_RDWR | os.O_CREATE
	}

	f, err := os.OpenFile(opts.Path, flag, 0644)
	if err != nil {
		return nil, common.NewIoFailed(common.IoRead, err)
	}

	if opts.Mode != OpenReadOnly {
		if err := lockExclusive(f); err != nil {
			f.Close()
			return nil, common.NewIoFailed(common.IoLock, err)
		}
	}

	v := &Volume{opts: opts, file: f}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.NewIoFailed(common.IoRead, err)
	}

	if info.Size() == 0 {
		if err := v.initSuperblock(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := v.readSuperblock(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return v, nil
}

func (v *Volume) initSuperblock() error {
	v.super = Superblock{
		Magic:          SuperblockMagic,
		PageSize:       v.opts.PageSize,
		NextAvailable:  1,
		DirectoryRoot:  noPage,
		GarbageHead:    noPage,
		PagesAllocated: 1,
	}
	if err := v.extendLocked(v.opts.InitialPages); err != nil {
		return err
	}
	return v.writeSuperblockLocked()
}

func (v *Volume) readSuperblock() error {
	buf := make([]byte, v.opts.PageSize)
	if v.opts.PageSize == 0 {
		buf = make([]byte, SuperblockMinSize)
	}
	if _, err := v.file.ReadAt(buf, 0); err != nil {
		return common.NewIoFailed(common.IoRead, err)
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return err
	}
	v.super = sb
	if v.opts.PageSize != 0 && v.opts.PageSize != sb.PageSize {
		return common.NewCorrupt(common.CorruptVolume, "configured page size does not match superblock")
	}
	v.opts.PageSize = sb.PageSize
	return nil
}

// PageSize returns the volume's fixed page size.
func (v *Volume) PageSize() uint32 { return v.opts.PageSize }

// DirectoryRoot returns the directory tree's root page, or noPage if the
// directory tree has not yet been created.
func (v *Volume) DirectoryRoot() PageID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.super.DirectoryRoot
}

// SetDirectoryRoot persists a new directory tree root into the superblock.
func (v *Volume) SetDirectoryRoot(id PageID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.super.DirectoryRoot = id
	return v.writeSuperblockLocked()
}

// ReadPage reads the page at id into buf, which must be PageSize bytes.
func (v *Volume) ReadPage(id PageID, buf []byte) error {
	if uint32(len(buf)) != v.opts.PageSize {
		return fmt.Errorf("volume: buffer size %d != page size %d", len(buf), v.opts.PageSize)
	}
	off := int64(id) * int64(v.opts.PageSize)
	if _, err := v.file.ReadAt(buf, off); err != nil {
		return common.NewIoFailed(common.IoRead, err)
	}
	return nil
}

// WritePage writes buf (PageSize bytes) to the page at id.
func (v *Volume) WritePage(id PageID, buf []byte) error {
	if v.opts.Mode == OpenReadOnly {
		return common.ErrReadOnly
	}
	if uint32(len(buf)) != v.opts.PageSize {
		return fmt.Errorf("volume: buffer size %d != page size %d", len(buf), v.opts.PageSize)
	}
	off := int64(id) * int64(v.opts.PageSize)
	if _, err := v.file.WriteAt(buf, off); err != nil {
		return common.NewIoFailed(common.IoWrite, err)
	}
	return nil
}

// AllocNewPage returns a page id ready for use: reused from the garbage
// chain if one is available, otherwise freshly extended from the file.
func (v *Volume) AllocNewPage() (PageID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if id, ok, err := v.popGarbageLocked(); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	if uint64(v.super.PagesAllocated) <= v.super.NextAvailable {
		if v.opts.MaximumPages > 0 && v.super.PagesAllocated >= v.opts.MaximumPages {
			return 0, fmt.Errorf("volume: at maximum page count %d", v.opts.MaximumPages)
		}
		ext := v.opts.ExtensionPages
		if ext == 0 {
			ext = 1
		}
		if v.opts.MaximumPages > 0 && v.super.PagesAllocated+ext > v.opts.MaximumPages {
			ext = v.opts.MaximumPages - v.super.PagesAllocated
		}
		if ext == 0 {
			return 0, fmt.Errorf("volume: at maximum page count %d", v.opts.MaximumPages)
		}
		if err := v.extendLocked(ext); err != nil {
			return 0, err
		}
	}

	id := PageID(v.super.NextAvailable)
	v.super.NextAvailable++
	if err := v.writeSuperblockLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// extendLocked grows the file by nPages and bumps PagesAllocated. Caller
// holds v.mu.
func (v *Volume) extendLocked(nPages uint32) error {
	if nPages == 0 {
		return nil
	}
	newSize := int64(v.super.PagesAllocated+nPages) * int64(v.opts.PageSize)
	if err := v.file.Truncate(newSize); err != nil {
		return common.NewIoFailed(common.IoWrite, err)
	}
	v.super.PagesAllocated += nPages
	return nil
}

// DeallocatePage prepends id to the garbage chain (spec.md §4.B).
func (v *Volume) DeallocatePage(id PageID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pushGarbageLocked(id)
}

// Truncate discards all pages beyond the superblock, resetting allocation
// state; used when a volume is dropped.
func (v *Volume) Truncate() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.file.Truncate(int64(v.opts.PageSize)); err != nil {
		return common.NewIoFailed(common.IoTruncate, err)
	}
	v.super.NextAvailable = 1
	v.super.PagesAllocated = 1
	v.super.GarbageHead = noPage
	v.super.DirectoryRoot = noPage
	return v.writeSuperblockLocked()
}

// Sync fsyncs the underlying file.
func (v *Volume) Sync() error {
	if err := v.file.Sync(); err != nil {
		return common.NewIoFailed(common.IoForce, err)
	}
	return nil
}

// Close releases the advisory lock and closes the file.
func (v *Volume) Close() error {
	if v.opts.Mode != OpenReadOnly {
		_ = unlockExclusive(v.file)
	}
	return v.file.Close()
}

func (v *Volume) writeSuperblockLocked() error {
	buf := make([]byte, v.opts.PageSize)
	encodeSuperblock(buf, v.super)
	if _, err := v.file.WriteAt(buf, 0); err != nil {
		return common.NewIoFailed(common.IoWrite, err)
	}
	return nil
}
