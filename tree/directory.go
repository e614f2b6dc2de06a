package tree

import (
	"encoding/binary"
	"fmt"

	"ferrodb/buffer"
	"ferrodb/common"
	"ferrodb/page"
	"ferrodb/volume"
)

// directoryTreeName is the reserved name of the directory tree itself; a
// Tree named this cannot be created by a caller.
const directoryTreeName = "__directory__"

const (
	entryFlagDeleted = 1 << 0
	entrySize        = 1 + 8 + 8 // flags | rootId | generation
)

// Directory is the Tree-of-Trees (spec.md §4.F "Removal of a Tree"): a
// single Tree per Volume mapping names to their root page and structure
// generation, used by the engine to create/open/remove named Trees.
type Directory struct {
	vol  *volume.Volume
	pool *buffer.Pool
	vh   buffer.VolumeID
	tree *Tree
}

// OpenDirectory opens (creating if absent) the volume's directory tree,
// rooted at volume.DirectoryRoot().
func OpenDirectory(vol *volume.Volume, pool *buffer.Pool, vh buffer.VolumeID) (*Directory, error) {
	root := vol.DirectoryRoot()
	var dt *Tree
	if root == 0 {
		t, err := Create(vol, pool, vh, directoryTreeName)
		if err != nil {
			return nil, err
		}
		if err := vol.SetDirectoryRoot(t.Root()); err != nil {
			return nil, err
		}
		dt = t
	} else {
		dt = Open(vol, pool, vh, directoryTreeName, root, 0)
	}
	return &Directory{vol: vol, pool: pool, vh: vh, tree: dt}, nil
}

func encodeEntry(root volume.PageID, generation uint64, deleted bool) []byte {
	buf := make([]byte, entrySize)
	if deleted {
		buf[0] = entryFlagDeleted
	}
	binary.BigEndian.PutUint64(buf[1:], uint64(root))
	binary.BigEndian.PutUint64(buf[9:], generation)
	return buf
}

func decodeEntry(buf []byte) (root volume.PageID, generation uint64, deleted bool) {
	deleted = buf[0]&entryFlagDeleted != 0
	root = volume.PageID(binary.BigEndian.Uint64(buf[1:]))
	generation = binary.BigEndian.Uint64(buf[9:])
	return
}

func (d *Directory) lookup(name string) (root volume.PageID, generation uint64, deleted bool, exists bool, err error) {
	_, v, ok, err := d.tree.Fetch([]byte(name))
	if err != nil || !ok {
		return 0, 0, false, false, err
	}
	root, generation, deleted = decodeEntry(v)
	return root, generation, deleted, true, nil
}

func (d *Directory) putEntry(name string, root volume.PageID, generation uint64, deleted bool) error {
	return d.tree.Store([]byte(name), page.ValueInline, encodeEntry(root, generation, deleted))
}

// CreateTree allocates a new, empty Tree under name, failing if a live
// (non-deleted) Tree already holds that name.
func (d *Directory) CreateTree(name string) (*Tree, error) {
	if name == directoryTreeName {
		return nil, fmt.Errorf("tree: %q is reserved", name)
	}
	_, _, deleted, exists, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	if exists && !deleted {
		return nil, fmt.Errorf("tree: %q already exists", name)
	}

	// A fresh root page means a re-created tree never inherits the old
	// tree's state (spec.md §4.F). The new entry overwrites the old
	// tombstone, so ReclaimDeletedTrees no longer sees the old root: its
	// pages stay allocated unless a reclaim ran before the re-create.
	t, err := Create(d.vol, d.pool, d.vh, name)
	if err != nil {
		return nil, err
	}
	if err := d.putEntry(name, t.Root(), t.Generation(), false); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenTree looks up name and wraps its current root as a Tree.
func (d *Directory) OpenTree(name string) (*Tree, error) {
	root, generation, deleted, exists, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	if !exists || deleted {
		return nil, common.ErrTreeNotFound
	}
	return Open(d.vol, d.pool, d.vh, name, root, generation), nil
}

// RemoveTree marks name deleted in the directory. Its pages are not freed
// here; the cleanup manager walks deleted entries and frees their page
// chains on the next checkpoint (spec.md §4.F, §4.L).
func (d *Directory) RemoveTree(name string) error {
	root, generation, deleted, exists, err := d.lookup(name)
	if err != nil {
		return err
	}
	if !exists || deleted {
		return common.ErrTreeNotFound
	}
	return d.putEntry(name, root, generation, true)
}

// Sync persists t's current root and generation back into the directory,
// called by the engine after an operation that may have split or joined
// t's root (spec.md §4.F "Structure generation").
func (d *Directory) Sync(t *Tree) error {
	return d.putEntry(t.Name(), t.Root(), t.Generation(), false)
}

// metadataKeyPrefix separates auxiliary records — e.g. accumulator
// checkpoint state (spec.md §4.I "Accumulator state record") — from
// tree-name entries in the directory tree's keyspace. No tree name can
// start with a NUL byte, so the two never collide.
const metadataKeyPrefix = "\x00meta:"

func metadataKey(key string) []byte {
	return []byte(metadataKeyPrefix + key)
}

// StoreMetadata persists an auxiliary record under key in the directory
// tree. Used by higher layers (e.g. the accumulator package) that need
// durable state scoped to a Tree but outside its own keyspace.
func (d *Directory) StoreMetadata(key string, value []byte) error {
	return d.tree.Store(metadataKey(key), page.ValueInline, value)
}

// FetchMetadata retrieves a record stored by StoreMetadata.
func (d *Directory) FetchMetadata(key string) ([]byte, bool, error) {
	_, v, ok, err := d.tree.Fetch(metadataKey(key))
	return v, ok, err
}

// deletedEntry pairs a directory entry name with its orphaned root, for
// ReclaimDeletedTrees to walk.
type deletedEntry struct {
	name string
	root volume.PageID
}

// deletedTrees scans the directory tree for entries still carrying
// entryFlagDeleted — the RemoveTree tombstones the cleanup manager is
// responsible for reclaiming (spec.md §4.F, §4.L).
func (d *Directory) deletedTrees() ([]deletedEntry, error) {
	var out []deletedEntry
	res, err := d.tree.Traverse([]byte{}, Forward, true)
	if err != nil {
		return nil, err
	}
	for res.Found {
		if len(res.Key) > 0 && res.Key[0] != '\x00' {
			root, _, deleted, _ := decodeEntry(res.Value)
			if deleted {
				out = append(out, deletedEntry{name: string(res.Key), root: root})
			}
		}
		res, err = d.tree.Traverse(res.Key, Forward, false)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReclaimDeletedTrees frees every page chain belonging to a tombstoned
// tree and removes its directory entry outright. It is the Cleanup
// Manager's page-reclaim action for a removed Tree (spec.md §4.F "its
// pages are not freed here; the cleanup manager walks deleted entries
// and frees their page chains on the next checkpoint").
func (d *Directory) ReclaimDeletedTrees() (int, error) {
	entries, err := d.deletedTrees()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := d.freePageChain(e.root); err != nil {
			return 0, err
		}
		upper := append([]byte(e.name), 0x00)
		if err := d.tree.RemoveKeyRange([]byte(e.name), upper); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// freePageChain walks every page reachable from root (internal pages
// depth-first, long-record chains followed from each leaf's
// long-record-marker values) and deallocates it back to the volume's
// garbage chain.
func (d *Directory) freePageChain(root volume.PageID) error {
	buf := make([]byte, d.vol.PageSize())
	if err := d.vol.ReadPage(root, buf); err != nil {
		return err
	}
	p := page.Load(root, buf)

	if p.Type() == page.TypeInternal {
		if low := p.LowChild(); low != 0 {
			if err := d.freePageChain(low); err != nil {
				return err
			}
		}
		for i := 0; i < p.NumCells(); i++ {
			if err := d.freePageChain(p.ChildPageID(i)); err != nil {
				return err
			}
		}
	} else if p.Type() == page.TypeLeaf {
		for i := 0; i < p.NumCells(); i++ {
			kind, v := p.Value(i)
			if kind == page.ValueLongRecord {
				head, _ := page.DecodeLongRecordMarker(v[1:])
				if err := d.freeLongRecordChain(head); err != nil {
					return err
				}
			}
		}
	}
	return d.vol.DeallocatePage(root)
}

func (d *Directory) freeLongRecordChain(head volume.PageID) error {
	buf := make([]byte, d.vol.PageSize())
	for head != 0 {
		if err := d.vol.ReadPage(head, buf); err != nil {
			return err
		}
		p := page.Load(head, buf)
		next, _ := page.ReadLongRecordPage(p)
		if err := d.vol.DeallocatePage(head); err != nil {
			return err
		}
		head = next
	}
	return nil
}
