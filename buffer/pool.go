// Package buffer implements the Buffer Pool (spec component C): a fixed
// number of page-sized frames, looked up by (volume, pageId), each guarded
// by a reader/writer latch and tracked for LRU eviction and dirty-priority
// flush selection. It generalizes the teacher's btree.Pager cache (a single
// map + container/list LRU) into a pool shared across many volumes, backed
// by a generic recency structure instead of a hand-rolled list.
package buffer

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"ferrodb/clock"
	"ferrodb/common"
	"ferrodb/volume"
)

// VolumeID is the small integer handle a Pool uses to key frames, matching
// the 4-byte volumeHandle spec.md §4.J journal records use.
type VolumeID uint32

// PageSource is the subset of *volume.Volume the pool needs; an interface
// so tests can substitute a fake.
type PageSource interface {
	ReadPage(id volume.PageID, buf []byte) error
	WritePage(id volume.PageID, buf []byte) error
	PageSize() uint32
}

// JournalSource optionally satisfies a read-miss via the journal's page map
// (§4.J) instead of the volume, for pages newer than what is on disk.
type JournalSource interface {
	ReadPageIfPresent(vh VolumeID, id volume.PageID, buf []byte) (bool, error)
}

type frameKey struct {
	vol VolumeID
	pid volume.PageID
}

// Frame is one fixed-size cache slot.
type Frame struct {
	key   frameKey
	data  []byte
	latch latch

	mu            sync.Mutex
	dirty         bool
	dirtyTs       clock.Timestamp
	pinCount      int
}

// Pool is the fixed-size, multi-volume buffer cache.
type Pool struct {
	mu      sync.Mutex
	volumes map[VolumeID]PageSource
	frames  map[frameKey]*Frame
	recency *lru.Cache[frameKey, struct{}]
	maxSize int
	journal JournalSource
	clk     *clock.Allocator
}

// NewPool creates a Pool with room for maxFrames page images.
func NewPool(maxFrames int, clk *clock.Allocator) (*Pool, error) {
	c, err := lru.New[frameKey, struct{}](maxFrames)
	if err != nil {
		return nil, err
	}
	return &Pool{
		volumes: make(map[VolumeID]PageSource),
		frames:  make(map[frameKey]*Frame, maxFrames),
		recency: c,
		maxSize: maxFrames,
		clk:     clk,
	}, nil
}

// SetJournal wires the journal manager as a read-miss fallback (§4.C).
func (p *Pool) SetJournal(j JournalSource) { p.journal = j }

// RegisterVolume makes vol's pages addressable under handle vh.
func (p *Pool) RegisterVolume(vh VolumeID, vol PageSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[vh] = vol
}

// Get claims a frame for (vh, pid), loading it if not cached. writable
// selects the latch mode. The caller must call Release when done.
func (p *Pool) Get(vh VolumeID, pid volume.PageID, writable bool) (*Frame, error) {
	mode := LatchRead
	if writable {
		mode = LatchWrite
	}

	p.mu.Lock()
	key := frameKey{vh, pid}
	f, ok := p.frames[key]
	if ok {
		p.recency.Add(key, struct{}{})
		p.mu.Unlock()
		f.latch.Lock(mode)
		return f, nil
	}

	src, ok := p.volumes[vh]
	if !ok {
		p.mu.Unlock()
		return nil, common.ErrVolumeNotFound
	}

	if len(p.frames) >= p.maxSize {
		if err := p.evictOneLocked(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}

	buf := make([]byte, src.PageSize())
	loaded := false
	if p.journal != nil {
		if ok, err := p.journal.ReadPageIfPresent(vh, pid, buf); err != nil {
			p.mu.Unlock()
			return nil, err
		} else if ok {
			loaded = true
		}
	}
	if !loaded {
		if err := src.ReadPage(pid, buf); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}

	f = &Frame{key: key, data: buf}
	p.frames[key] = f
	p.recency.Add(key, struct{}{})
	p.mu.Unlock()

	f.latch.Lock(mode)
	return f, nil
}

// Release drops a previously acquired claim.
func (p *Pool) Release(f *Frame, mode LatchMode) {
	f.latch.Unlock(mode)
}

// MarkDirty flags f dirty at the given timestamp (§4.C).
func (p *Pool) MarkDirty(f *Frame, ts clock.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		f.dirty = true
		f.dirtyTs = ts
	}
}

// Data returns the frame's page image. Caller must hold the frame's latch.
func (f *Frame) Data() []byte { return f.data }

// PageID returns the page this frame holds.
func (f *Frame) PageID() volume.PageID { return f.key.pid }

// evictOneLocked selects and evicts a single clean or flush-and-evict
// victim. Caller holds p.mu.
func (p *Pool) evictOneLocked() error {
	keys := p.recency.Keys()
	for _, key := range keys {
		f, ok := p.frames[key]
		if !ok {
			continue
		}
		if !f.latch.TryLock(LatchWrite) {
			continue // held by someone; not a candidate
		}
		f.mu.Lock()
		dirty := f.dirty
		f.mu.Unlock()
		if dirty {
			src := p.volumes[key.vol]
			if err := src.WritePage(key.pid, f.data); err != nil {
				f.latch.Unlock(LatchWrite)
				return err
			}
		}
		f.latch.Unlock(LatchWrite)
		delete(p.frames, key)
		p.recency.Remove(key)
		return nil
	}
	return fmt.Errorf("buffer: no evictable frame (all %d frames pinned)", len(p.frames))
}

// Invalidate atomically evicts every frame belonging to vh, discarding dirty
// data without flushing (used on volume drop / post-crash recovery).
func (p *Pool) Invalidate(vh VolumeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.frames {
		if key.vol == vh {
			delete(p.frames, key)
			p.recency.Remove(key)
		}
	}
}

// DirtyVictim is one entry in a selectDirtyBuffers result (§4.C).
type DirtyVictim struct {
	Volume   VolumeID
	PageID   volume.PageID
	Priority float64
}

// SelectDirtyBuffers picks up to n/2 dirty frames with the highest write
// priority (ties broken by lower page address) and returns them sorted by
// ascending page address for coalesced I/O, per §4.C: priority rises
// steeply as (currentTimestamp - dirtyTimestamp) grows beyond
// (currentTimestamp - checkpointTimestamp).
func (p *Pool) SelectDirtyBuffers(n int, currentTs, checkpointTs clock.Timestamp) []DirtyVictim {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := n / 2
	if limit == 0 {
		limit = 1
	}

	var candidates []DirtyVictim
	checkpointAge := float64(currentTs - checkpointTs)
	for key, f := range p.frames {
		f.mu.Lock()
		dirty := f.dirty
		dirtyTs := f.dirtyTs
		f.mu.Unlock()
		if !dirty {
			continue
		}
		age := float64(currentTs - dirtyTs)
		priority := age
		if checkpointAge > 0 && age > checkpointAge {
			priority = age * age / checkpointAge
		}
		candidates = append(candidates, DirtyVictim{Volume: key.vol, PageID: key.pid, Priority: priority})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].PageID < candidates[j].PageID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].PageID < candidates[j].PageID })
	return candidates
}

// ClearDirty clears the dirty bit after a successful flush.
func (p *Pool) ClearDirty(vh VolumeID, pid volume.PageID) {
	p.mu.Lock()
	f, ok := p.frames[frameKey{vh, pid}]
	p.mu.Unlock()
	if !ok {
		return
	}
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
}
