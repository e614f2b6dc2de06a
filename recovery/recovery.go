// Package recovery implements the Recovery Manager (spec component K):
// keystone discovery, forward replay of the journal into an in-memory
// page map and handle tables, main/branch map separation, and replay of
// committed transactions in commit order against a TransactionPlayer.
package recovery

import (
	"fmt"
	"sort"

	"ferrodb/clock"
	"ferrodb/common"
	"ferrodb/journal"
)

// TransactionPlayer is the recovery hook an engine implements to apply
// replayed updates (spec.md §6 "Transaction-player listener interface").
type TransactionPlayer interface {
	StartRecovery()
	EndRecovery()
	StartTransaction(startTs clock.Timestamp)
	EndTransaction(startTs clock.Timestamp)
	Store(treeHandle uint32, key []byte, valueKind byte, value []byte)
	RemoveKeyRange(treeHandle uint32, from, to []byte)
	RemoveTree(treeHandle uint32)
	Delta(treeHandle uint32, accumulatorIndex uint32, kind byte, value int64)
}

// Options configures one recovery pass.
type Options struct {
	Dir                  string
	IgnoreMissingVolumes bool
	// VolumeOpen reports whether the volume bound to handle is currently
	// open; used to decide whether an update can be replayed or must be
	// skipped under IgnoreMissingVolumes (spec.md §4.K step 6).
	VolumeOpen func(handle uint32) bool
}

// Result summarizes a completed recovery pass.
type Result struct {
	KeystoneAddress    int64
	CheckpointTs       clock.Timestamp
	ReplayedCount      int
	IgnoredUpdateCount int
	ResumeTimestamp    clock.Timestamp
	PageMap            *journal.PageMap
}

// Run performs the Recovery Manager's startup sequence (spec.md §4.K). An
// empty journal directory recovers trivially (Result{} with a nil
// PageMap treated as "nothing to recover" by the caller).
func Run(opts Options, player TransactionPlayer) (Result, error) {
	addrs, err := journal.ListFiles(opts.Dir)
	if err != nil {
		return Result{}, common.NewIoFailed(common.IoRead, err)
	}
	if len(addrs) == 0 {
		return Result{}, nil
	}

	keystoneAddr, checkpoint, err := findKeystone(opts.Dir, addrs)
	if err != nil {
		return Result{}, err
	}

	state := &scanState{
		pageMap:          journal.NewPageMap(),
		volumeHandles:    make(map[uint32]string),
		treeHandles:      make(map[uint32]string),
		treeHandleVolume: make(map[uint32]uint32),
		txByStart:        make(map[clock.Timestamp]journal.Transaction),
	}

	for _, addr := range addrs {
		if addr < keystoneAddr {
			continue
		}
		if err := journal.ScanFile(opts.Dir, addr, state.visit); err != nil {
			return Result{}, err
		}
	}

	// Recovery set: transactions that committed after the checkpoint
	// (spec.md §4.K step 2 "commitTs > checkpointTs"), replayed in
	// commit-timestamp order (step 4).
	committed := make([]journal.Transaction, 0, len(state.txByStart))
	committedStarts := make(map[clock.Timestamp]bool, len(state.txByStart))
	for _, tx := range state.txByStart {
		if tx.CommitTs > checkpoint.Timestamp {
			committed = append(committed, tx)
			committedStarts[tx.StartTs] = true
		}
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].CommitTs < committed[j].CommitTs })

	// Main map vs. branch map separation (spec.md §4.K step 3): a page
	// image journaled after the checkpoint by a transaction that never
	// reached a recorded commit belongs to an aborted or in-flight
	// attempt and must not be copied back.
	for key, node := range state.pageMap.AllEntries() {
		if node.Timestamp <= checkpoint.Timestamp {
			continue // pre-checkpoint image: always main map
		}
		if !committedStarts[node.Timestamp] {
			state.pageMap.Invalidate(key.Volume, key.PageID, node.Address)
		}
	}

	result := Result{
		KeystoneAddress: keystoneAddr,
		CheckpointTs:    checkpoint.Timestamp,
		PageMap:         state.pageMap,
	}

	player.StartRecovery()
	for _, tx := range committed {
		player.StartTransaction(tx.StartTs)
		for _, u := range tx.Updates {
			if skip, err := state.applyUpdate(opts, player, u); err != nil {
				player.EndTransaction(tx.StartTs)
				player.EndRecovery()
				return Result{}, err
			} else if skip {
				result.IgnoredUpdateCount++
			}
		}
		player.EndTransaction(tx.StartTs)
		result.ReplayedCount++
		if tx.CommitTs > result.ResumeTimestamp {
			result.ResumeTimestamp = tx.CommitTs
		}
	}
	if state.highestTs > result.ResumeTimestamp {
		result.ResumeTimestamp = state.highestTs
	}
	player.EndRecovery()

	return result, nil
}

type scanState struct {
	pageMap          *journal.PageMap
	volumeHandles    map[uint32]string
	treeHandles      map[uint32]string
	treeHandleVolume map[uint32]uint32
	txByStart        map[clock.Timestamp]journal.Transaction
	highestTs        clock.Timestamp
}

func (s *scanState) visit(rec journal.Record, addr int64) error {
	if rec.Timestamp > s.highestTs {
		s.highestTs = rec.Timestamp
	}
	switch rec.Type {
	case journal.TypeVolumeHandle:
		h, err := journal.DecodeHandleEntry(rec.Body)
		if err != nil {
			return err
		}
		s.volumeHandles[h.Handle] = h.Name
	case journal.TypeTreeHandle:
		h, err := journal.DecodeHandleEntry(rec.Body)
		if err != nil {
			return err
		}
		s.treeHandles[h.Handle] = h.Name
		s.treeHandleVolume[h.Handle] = h.VolumeHandle
	case journal.TypePageImage:
		img, err := journal.DecodePageImage(rec.Body)
		if err != nil {
			return err
		}
		s.pageMap.Record(img.VolumeHandle, img.PageID, journal.PageNode{Address: addr, Timestamp: rec.Timestamp})
	case journal.TypeTransaction:
		tx, err := journal.DecodeTransaction(rec.Body)
		if err != nil {
			return err
		}
		s.txByStart[tx.StartTs] = tx
	}
	return nil
}

// applyUpdate dispatches one update to player, honoring
// ignoreMissingVolumes (spec.md §4.K step 6). skip is true if the update
// was dropped rather than applied.
func (s *scanState) applyUpdate(opts Options, player TransactionPlayer, u journal.Update) (skip bool, err error) {
	volumeHandle, known := s.treeHandleVolume[u.TreeHandle]
	if known && opts.VolumeOpen != nil && !opts.VolumeOpen(volumeHandle) {
		if opts.IgnoreMissingVolumes {
			return true, nil
		}
		return false, fmt.Errorf("recovery: volume %d (handle for tree %d) is missing", volumeHandle, u.TreeHandle)
	}

	switch u.Kind {
	case journal.UpdateStore:
		player.Store(u.TreeHandle, u.Key, u.AccumulatorKind, u.Value)
	case journal.UpdateDeleteRange:
		player.RemoveKeyRange(u.TreeHandle, u.Key, u.Key2)
	case journal.UpdateRemoveTree:
		player.RemoveTree(u.TreeHandle)
	case journal.UpdateAccumulator:
		player.Delta(u.TreeHandle, u.AccumulatorIndex, u.AccumulatorKind, u.DeltaValue)
	}
	return false, nil
}

// findKeystone locates the most recent journal file containing a valid
// JH plus a complete checkpoint (spec.md §4.K step 1). If no file
// contains a checkpoint, the earliest file is the keystone and recovery
// replays the entire journal.
func findKeystone(dir string, addrs []int64) (int64, journal.Checkpoint, error) {
	for i := len(addrs) - 1; i >= 0; i-- {
		var lastCP *journal.Checkpoint
		err := journal.ScanFile(dir, addrs[i], func(rec journal.Record, _ int64) error {
			if rec.Type == journal.TypeCheckpoint {
				if cp, err := journal.DecodeCheckpoint(rec.Body); err == nil {
					lastCP = &cp
				}
			}
			return nil
		})
		if err != nil {
			return 0, journal.Checkpoint{}, common.NewIoFailed(common.IoRead, err)
		}
		if lastCP != nil {
			return addrs[i], *lastCP, nil
		}
	}
	return addrs[0], journal.Checkpoint{}, nil
}
