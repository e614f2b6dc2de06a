package journal

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"ferrodb/common"
	"ferrodb/volume"
)

// VolumeLookup resolves a journaled volume handle to its open Volume, for
// CopyBack to write drained page images into.
type VolumeLookup func(handle uint32) (*volume.Volume, bool)

// CopyBack is the background task that drains page images from the
// journal into their Volume files, prunes the PageMap, and deletes files
// that have become fully redundant (spec.md §4.J "Copy-back").
type CopyBack struct {
	w      *Writer
	lookup VolumeLookup

	mu       sync.Mutex
	baseAddr int64
}

func NewCopyBack(w *Writer, lookup VolumeLookup) *CopyBack {
	return &CopyBack{w: w, lookup: lookup}
}

// SetBaseAddress records the most recent checkpoint's baseAddress. A file
// is only a deletion candidate once it lies entirely before this address
// (i.e. a restart would never need to replay from it) and has zero live
// PageNodes.
func (c *CopyBack) SetBaseAddress(addr int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseAddr = addr
}

// Run performs one copy-back pass: writes every current PageMap entry
// back to its Volume and invalidates every PageNode of that page at or
// below the image's timestamp, then deletes any file that is
// now both checkpoint-covered and free of live PageNodes.
func (c *CopyBack) Run() error {
	for key, node := range c.w.PageMap.AllEntries() {
		vol, ok := c.lookup(key.Volume)
		if !ok {
			continue // volume not open; leave the image journaled for later
		}
		image, err := c.w.readPageImageAt(node.Address)
		if err != nil {
			return err
		}
		if err := vol.WritePage(volume.PageID(key.PageID), image); err != nil {
			return err
		}
		for {
			n, ok := c.w.PageMap.Lookup(key.Volume, key.PageID, node.Timestamp)
			if !ok {
				break
			}
			c.w.PageMap.Invalidate(key.Volume, key.PageID, n.Address)
		}
	}
	return c.pruneFiles()
}

func (c *CopyBack) pruneFiles() error {
	entries, err := os.ReadDir(c.w.dir)
	if err != nil {
		return common.NewIoFailed(common.IoRead, err)
	}

	c.mu.Lock()
	baseAddr := c.baseAddr
	c.mu.Unlock()
	activeAddr := c.w.currentFileAddress()

	for _, de := range entries {
		addr, ok := parseJournalFileName(de.Name())
		if !ok || addr == activeAddr {
			continue
		}
		fileEnd := addr + c.w.blockSize
		if fileEnd > baseAddr {
			continue
		}
		if c.w.PageMap.LiveAddressesInFile(addr, fileEnd) {
			continue
		}
		if err := os.Remove(filepath.Join(c.w.dir, de.Name())); err != nil && !os.IsNotExist(err) {
			return common.NewIoFailed(common.IoTruncate, err)
		}
	}
	return nil
}

func parseJournalFileName(name string) (int64, bool) {
	const prefix = "journal."
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	addr, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return addr, true
}
