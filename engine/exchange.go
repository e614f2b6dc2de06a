package engine

import (
	"fmt"

	"ferrodb/common"
	"ferrodb/journal"
	"ferrodb/mvv"
	"ferrodb/page"
	"ferrodb/tree"
	"ferrodb/txn"
	"ferrodb/volume"
)

// Txn is the navigational cursor (spec.md §6 "Cursor/Exchange"): a live
// transaction plus every Store/Fetch/Traverse it performs. It composes
// tree (structural search/insert), txn (visibility), mvv (the version
// codec), and accumulator (aggregates). Store does not resolve
// write-write conflicts: it never calls txn.Index.WWDependency.
type Txn struct {
	eng  *Engine
	st   *txn.Status
	step uint16
	done bool

	updates []journal.Update
}

// Begin registers a new transaction and returns its cursor.
func (e *Engine) Begin() *Txn {
	return &Txn{eng: e, st: e.idx.Register()}
}

// Step advances to the transaction's next numbered step (spec.md §3
// "A transaction may perform multiple numbered steps").
func (t *Txn) Step() uint16 {
	t.step++
	return t.step
}

func (t *Txn) handle() txn.VersionHandle { return txn.NewVersionHandle(t.st.Ts, t.step) }

// Store writes (key, value) into tree under this transaction's current
// step, wrapping it as an MVV version unless value is large enough to
// need a long-record chain (spec.md §4.D "long-record chain", §4.H).
func (t *Txn) Store(treeName string, key, value []byte) error {
	ot, err := t.eng.lookupTree(treeName)
	if err != nil {
		return err
	}

	pageSize := t.eng.volumeByHandle(ot.volumeHandle).vol.PageSize()
	if len(value) > page.LongRecordThreshold(pageSize) {
		return t.storeLongRecord(ot, key, value)
	}

	kind, raw, found, err := ot.t.Fetch(key)
	if err != nil {
		return err
	}
	var target []byte
	if found && kind == page.ValueMVV {
		target = raw
	}
	if found && kind == page.ValueInline {
		// first transactional write of a previously non-versioned
		// key: wrap its current value as the primordial.
		target = raw
	}

	newValue, existed := mvv.StoreVersion(target, t.handle(), value)
	if err := ot.t.Store(key, page.ValueMVV, newValue); err != nil {
		return err
	}
	if !existed {
		t.st.AddMVVCount(1)
	}

	t.updates = append(t.updates, journal.Update{
		Kind:            journal.UpdateStore,
		TreeHandle:      ot.handle,
		Key:             append([]byte(nil), key...),
		Value:           append([]byte(nil), value...),
		AccumulatorKind: byte(page.ValueMVV),
	})
	return nil
}

func (t *Txn) storeLongRecord(ot *openTree, key, value []byte) error {
	ov := t.eng.volumeByHandle(ot.volumeHandle)
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
			return err
		}
		if head == 0 {
			head = id
		}
		p := page.WriteLongRecordPage(id, pageSize, 0, remaining[:n])
		if err := vol.WritePage(id, p.Buf); err != nil {
			return err
		}
		if prevBuf != nil {
			linked := page.WriteLongRecordPage(prevID, pageSize, id, prevBuf)
			if err := vol.WritePage(prevID, linked.Buf); err != nil {
				return err
			}
		}
		prevID, prevBuf = id, remaining[:n]
		remaining = remaining[n:]
		if n == 0 {
			break
		}
	}

	marker := page.EncodeLongRecordMarker(head, uint64(len(value)))
	if err := ot.t.Store(key, page.ValueLongRecord, marker); err != nil {
		return err
	}

	t.updates = append(t.updates, journal.Update{
		Kind:            journal.UpdateStore,
		TreeHandle:      ot.handle,
		Key:             append([]byte(nil), key...),
		Value:           append([]byte(nil), value...),
		AccumulatorKind: byte(page.ValueLongRecord),
	})
	return nil
}

// Fetch returns the value visible to this transaction's (ts, step) for
// key in tree (spec.md §6 "fetch(...) -> value | ø").
func (t *Txn) Fetch(treeName string, key []byte) ([]byte, bool, error) {
	ot, err := t.eng.lookupTree(treeName)
	if err != nil {
		return nil, false, err
	}
	kind, raw, found, err := ot.t.Fetch(key)
	if err != nil || !found {
		return nil, false, err
	}
	switch kind {
	case page.ValueMVV:
		return mvv.FetchVisible(raw, t.eng.idx, t.st.Ts, t.step)
	case page.ValueLongRecord:
		v, err := t.fetchLongRecord(ot, raw)
		return v, v != nil, err
	default:
		return raw, true, nil
	}
}

func (t *Txn) fetchLongRecord(ot *openTree, marker []byte) ([]byte, error) {
	head, totalLen := page.DecodeLongRecordMarker(marker[1:])
	ov := t.eng.volumeByHandle(ot.volumeHandle)
	out := make([]byte, 0, totalLen)
	buf := make([]byte, ov.vol.PageSize())
	for head != 0 {
		if err := ov.vol.ReadPage(head, buf); err != nil {
			return nil, err
		}
		p := page.Load(head, buf)
		next, chunk := page.ReadLongRecordPage(p)
		out = append(out, chunk...)
		head = next
	}
	return out, nil
}

// Traverse walks tree in dir from key, resolving the visible value at
// each step (spec.md §6 "traverse(tree, key, dir, inclusive, txn, step)").
// Keys whose visible value is absent (e.g. every version shadowed) are
// skipped transparently.
func (t *Txn) Traverse(treeName string, key []byte, dir tree.Direction, inclusive bool) (k, v []byte, found bool, err error) {
	ot, err := t.eng.lookupTree(treeName)
	if err != nil {
		return nil, nil, false, err
	}
	cursor := key
	first := inclusive
	for {
		res, err := ot.t.Traverse(cursor, dir, first)
		if err != nil {
			return nil, nil, false, err
		}
		if !res.Found {
			return nil, nil, false, nil
		}
		first = false
		cursor = res.Key

		switch res.Kind {
		case page.ValueMVV:
			val, ok := mvv.FetchVisible(res.Value, t.eng.idx, t.st.Ts, t.step)
			if ok {
				return res.Key, val, true, nil
			}
		case page.ValueLongRecord:
			val, err := t.fetchLongRecord(ot, res.Value)
			if err != nil {
				return nil, nil, false, err
			}
			return res.Key, val, true, nil
		default:
			return res.Key, res.Value, true, nil
		}
	}
}

// RemoveKeyRange deletes every key in [from, to) under this transaction
// (spec.md §4.F, §6 "removeKeyRange").
func (t *Txn) RemoveKeyRange(treeName string, from, to []byte) error {
	ot, err := t.eng.lookupTree(treeName)
	if err != nil {
		return err
	}
	if err := ot.t.RemoveKeyRange(from, to); err != nil {
		return err
	}
	t.updates = append(t.updates, journal.Update{
		Kind:       journal.UpdateDeleteRange,
		TreeHandle: ot.handle,
		Key:        append([]byte(nil), from...),
		Key2:       append([]byte(nil), to...),
	})
	return nil
}

// Delta applies a value to the accIndex'th Accumulator registered on
// tree, returning the post-combine live value (spec.md §4.I
// "update(value, txn, step)").
func (t *Txn) Delta(treeName string, accIndex uint32, value int64) (int64, error) {
	ot, err := t.eng.lookupTree(treeName)
	if err != nil {
		return 0, err
	}
	acc, ok := ot.accumulators[accIndex]
	if !ok {
		return 0, fmt.Errorf("engine: tree %q has no accumulator at index %d", treeName, accIndex)
	}
	live := acc.Update(value, t.st, t.step)

	t.updates = append(t.updates, journal.Update{
		Kind:             journal.UpdateAccumulator,
		TreeHandle:       ot.handle,
		AccumulatorIndex: accIndex,
		AccumulatorKind:  byte(acc.Kind()),
		DeltaValue:       value,
	})
	return live, nil
}

// SnapshotValue reads accIndex's accumulator as visible to this
// transaction, retrying internally on common.ErrRetry (spec.md §4.I,
// §7 "Retry ... caller loops").
func (t *Txn) SnapshotValue(treeName string, accIndex uint32) (int64, error) {
	ot, err := t.eng.lookupTree(treeName)
	if err != nil {
		return 0, err
	}
	acc, ok := ot.accumulators[accIndex]
	if !ok {
		return 0, fmt.Errorf("engine: tree %q has no accumulator at index %d", treeName, accIndex)
	}
	for {
		v, err := acc.SnapshotValue(t.eng.idx, t.st.Ts, t.step)
		if err == nil {
			return v, nil
		}
		if err != common.ErrRetry {
			return 0, err
		}
	}
}

// Commit allocates a commit timestamp, journals the transaction's
// updates as one TX record, and — per CommitPolicy — fsyncs before
// returning (spec.md §5 "CommitPolicy").
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true

	tc := t.eng.clk.Update()
	t.eng.idx.Commit(t.st, tc)

	if len(t.updates) == 0 {
		return nil
	}
	tx := journal.Transaction{StartTs: t.st.Ts, CommitTs: tc, Updates: t.updates}
	if err := t.eng.journal.AppendTransaction(tc, tx); err != nil {
		return err
	}

	if t.eng.cfg.CommitPolicy == CommitHard {
		return t.eng.journal.Force()
	}
	return nil
}

// Rollback marks the transaction aborted without journaling its updates
// (spec.md §3 "ABORTED if rolled back"). Versions it wrote remain in
// the tree tagged with its (now-aborted) timestamp; FetchVisible skips
// them, and nothing in the module prunes them (mvv.Prune has no caller).
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.eng.idx.Abort(t.st)
	return nil
}
