package engine

import (
	"ferrodb/clock"
	"ferrodb/mvv"
	"ferrodb/page"
	"ferrodb/txn"
	"ferrodb/volume"
)

// replayPlayer implements recovery.TransactionPlayer against the Engine's
// already-opened volumes and trees (spec.md §4.K step 4, §6
// "Transaction-player listener interface"). It applies each replayed
// update directly to live tree.Tree/Accumulator state, the same paths
// Txn.Store/RemoveKeyRange/Delta use, but without registering a live
// txn.Status: a replayed transaction is already known-committed, and
// mvv.FetchVisible treats a writer with no registered Status as resolved
// and visible (spec.md §4.H), so skipping registration is correct, not a
// shortcut.
//
// The journal's Update record carries no per-write step number (spec.md
// §4.J), so replay cannot reconstruct a transaction's original step
// sequence exactly; curStep instead counts MVV-relevant writes in replay
// order within the transaction, which is enough to keep repeated writes
// to the same key from colliding into a single version.
type replayPlayer struct {
	eng  *Engine
	byTH map[uint32]*openTree

	curStartTs clock.Timestamp
	curStep    uint16
}

func newReplayPlayer(e *Engine) *replayPlayer {
	return &replayPlayer{eng: e, byTH: make(map[uint32]*openTree)}
}

func (p *replayPlayer) StartRecovery() {
	for _, ot := range p.eng.trees {
		p.byTH[ot.handle] = ot
	}
}

func (p *replayPlayer) EndRecovery() {}

func (p *replayPlayer) StartTransaction(startTs clock.Timestamp) {
	p.curStartTs = startTs
	p.curStep = 0
}

func (p *replayPlayer) EndTransaction(startTs clock.Timestamp) {}

func (p *replayPlayer) Store(treeHandle uint32, key []byte, valueKind byte, value []byte) {
	ot, ok := p.byTH[treeHandle]
	if !ok {
		return
	}
	if page.ValueKind(valueKind) == page.ValueLongRecord {
		p.storeLongRecord(ot, key, value)
		return
	}

	p.curStep++
	handle := txn.NewVersionHandle(p.curStartTs, p.curStep)

	kind, raw, found, err := ot.t.Fetch(key)
	if err != nil {
		return
	}
	var target []byte
	if found && (kind == page.ValueMVV || kind == page.ValueInline) {
		target = raw
	}
	newValue, _ := mvv.StoreVersion(target, handle, value)
	_ = ot.t.Store(key, page.ValueMVV, newValue)
}

func (p *replayPlayer) storeLongRecord(ot *openTree, key, value []byte) {
	ov := p.eng.volumeByHandle(ot.volumeHandle)
	if ov == nil {
		return
	}
	vol := ov.vol
	pageSize := vol.PageSize()
	chunkSize := page.MaxLongRecordChunk(pageSize)

	var head volume.PageID
	var prevID volume.PageID
	var prevBuf []byte
	remaining := value
	for len(remaining) > 0 || head == 0 {
		n := len(remaining)
		if n > chunkSize {
			n = chunkSize
		}
		id, err := vol.AllocNewPage()
		if err != nil {
			return
		}
		if head == 0 {
			head = id
		}
		pg := page.WriteLongRecordPage(id, pageSize, 0, remaining[:n])
		if err := vol.WritePage(id, pg.Buf); err != nil {
			return
		}
		if prevBuf != nil {
			linked := page.WriteLongRecordPage(prevID, pageSize, id, prevBuf)
			if err := vol.WritePage(prevID, linked.Buf); err != nil {
				return
			}
		}
		prevID, prevBuf = id, remaining[:n]
		remaining = remaining[n:]
		if n == 0 {
			break
		}
	}

	marker := page.EncodeLongRecordMarker(head, uint64(len(value)))
	_ = ot.t.Store(key, page.ValueLongRecord, marker)
}

func (p *replayPlayer) RemoveKeyRange(treeHandle uint32, from, to []byte) {
	ot, ok := p.byTH[treeHandle]
	if !ok {
		return
	}
	_ = ot.t.RemoveKeyRange(from, to)
}

func (p *replayPlayer) RemoveTree(treeHandle uint32) {
	ot, ok := p.byTH[treeHandle]
	if !ok {
		return
	}
	ov := p.eng.volumeByHandle(ot.volumeHandle)
	if ov == nil {
		return
	}
	name := ot.t.Name()
	delete(p.byTH, treeHandle)
	delete(p.eng.trees, name)
	_ = ov.dir.RemoveTree(name)
}

func (p *replayPlayer) Delta(treeHandle uint32, accumulatorIndex uint32, kind byte, value int64) {
	ot, ok := p.byTH[treeHandle]
	if !ok {
		return
	}
	acc, ok := ot.accumulators[accumulatorIndex]
	if !ok {
		return
	}
	p.curStep++
	st := &txn.Status{Ts: p.curStartTs}
	acc.Update(value, st, p.curStep)
}
