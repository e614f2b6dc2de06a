package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/clock"
	"ferrodb/common/testutil"
	"ferrodb/journal"
)

type recordedCall struct {
	kind string
	args []any
}

type fakePlayer struct {
	calls []recordedCall
}

func (f *fakePlayer) StartRecovery() { f.calls = append(f.calls, recordedCall{kind: "startRecovery"}) }
func (f *fakePlayer) EndRecovery()   { f.calls = append(f.calls, recordedCall{kind: "endRecovery"}) }
func (f *fakePlayer) StartTransaction(ts clock.Timestamp) {
	f.calls = append(f.calls, recordedCall{kind: "startTx", args: []any{ts}})
}
func (f *fakePlayer) EndTransaction(ts clock.Timestamp) {
	f.calls = append(f.calls, recordedCall{kind: "endTx", args: []any{ts}})
}
func (f *fakePlayer) Store(treeHandle uint32, key []byte, valueKind byte, value []byte) {
	f.calls = append(f.calls, recordedCall{kind: "store", args: []any{treeHandle, string(key), string(value)}})
}
func (f *fakePlayer) RemoveKeyRange(treeHandle uint32, from, to []byte) {
	f.calls = append(f.calls, recordedCall{kind: "removeRange"})
}
func (f *fakePlayer) RemoveTree(treeHandle uint32) {
	f.calls = append(f.calls, recordedCall{kind: "removeTree"})
}
func (f *fakePlayer) Delta(treeHandle uint32, accumulatorIndex uint32, kind byte, value int64) {
	f.calls = append(f.calls, recordedCall{kind: "delta"})
}

func (f *fakePlayer) storeCallOrder() []string {
	var keys []string
	for _, c := range f.calls {
		if c.kind == "store" {
			keys = append(keys, c.args[1].(string))
		}
	}
	return keys
}

func TestRunReplaysCommittedTransactionsInCommitOrder(t *testing.T) {
	dir := testutil.TempDir(t)
	w, err := journal.Open(dir, journal.MinBlockSize)
	require.NoError(t, err)

	require.NoError(t, w.AppendHandle(journal.TypeVolumeHandle, journal.HandleEntry{Handle: 1, Name: "v1"}))
	require.NoError(t, w.AppendHandle(journal.TypeTreeHandle, journal.HandleEntry{Handle: 1, VolumeHandle: 1, Name: "t1"}))

	// tx2 commits before tx1 even though tx1 is appended first, so replay
	// order must follow commitTs, not append order.
	tx1 := journal.Transaction{
		StartTs:  10,
		CommitTs: 30,
		Updates:  []journal.Update{{Kind: journal.UpdateStore, TreeHandle: 1, Key: []byte("a"), Value: []byte("1")}},
	}
	tx2 := journal.Transaction{
		StartTs:  11,
		CommitTs: 20,
		Updates:  []journal.Update{{Kind: journal.UpdateStore, TreeHandle: 1, Key: []byte("b"), Value: []byte("2")}},
	}
	require.NoError(t, w.AppendTransaction(tx1.CommitTs, tx1))
	require.NoError(t, w.AppendTransaction(tx2.CommitTs, tx2))
	require.NoError(t, w.Close())

	player := &fakePlayer{}
	result, err := Run(Options{Dir: dir}, player)
	require.NoError(t, err)
	require.Equal(t, 2, result.ReplayedCount)
	require.EqualValues(t, 30, result.ResumeTimestamp)
	require.Equal(t, []string{"b", "a"}, player.storeCallOrder())
}

func TestRunExcludesTransactionsNotCommittedAfterCheckpoint(t *testing.T) {
	dir := testutil.TempDir(t)
	w, err := journal.Open(dir, journal.MinBlockSize)
	require.NoError(t, err)

	committed := journal.Transaction{
		StartTs:  1,
		CommitTs: 5,
		Updates:  []journal.Update{{Kind: journal.UpdateStore, TreeHandle: 1, Key: []byte("pre"), Value: []byte("x")}},
	}
	require.NoError(t, w.AppendTransaction(committed.CommitTs, committed))
	require.NoError(t, w.AppendCheckpoint(journal.Checkpoint{Timestamp: 5, BaseAddress: 0}))

	afterCheckpoint := journal.Transaction{
		StartTs:  6,
		CommitTs: 8,
		Updates:  []journal.Update{{Kind: journal.UpdateStore, TreeHandle: 1, Key: []byte("post"), Value: []byte("y")}},
	}
	require.NoError(t, w.AppendTransaction(afterCheckpoint.CommitTs, afterCheckpoint))
	require.NoError(t, w.Close())

	player := &fakePlayer{}
	result, err := Run(Options{Dir: dir}, player)
	require.NoError(t, err)
	require.Equal(t, 1, result.ReplayedCount)
	require.Equal(t, []string{"post"}, player.storeCallOrder())
}

func TestRunSkipsUpdatesForMissingVolumeWhenIgnored(t *testing.T) {
	dir := testutil.TempDir(t)
	w, err := journal.Open(dir, journal.MinBlockSize)
	require.NoError(t, err)
	require.NoError(t, w.AppendHandle(journal.TypeTreeHandle, journal.HandleEntry{Handle: 1, VolumeHandle: 99, Name: "t1"}))

	tx := journal.Transaction{
		StartTs:  1,
		CommitTs: 2,
		Updates:  []journal.Update{{Kind: journal.UpdateStore, TreeHandle: 1, Key: []byte("k"), Value: []byte("v")}},
	}
	require.NoError(t, w.AppendTransaction(tx.CommitTs, tx))
	require.NoError(t, w.Close())

	player := &fakePlayer{}
	result, err := Run(Options{Dir: dir, IgnoreMissingVolumes: true, VolumeOpen: func(uint32) bool { return false }}, player)
	require.NoError(t, err)
	require.Equal(t, 1, result.IgnoredUpdateCount)
	require.Empty(t, player.storeCallOrder())
}

func TestRunFailsForMissingVolumeWhenNotIgnored(t *testing.T) {
	dir := testutil.TempDir(t)
	w, err := journal.Open(dir, journal.MinBlockSize)
	require.NoError(t, err)
	require.NoError(t, w.AppendHandle(journal.TypeTreeHandle, journal.HandleEntry{Handle: 1, VolumeHandle: 99, Name: "t1"}))

	tx := journal.Transaction{
		StartTs:  1,
		CommitTs: 2,
		Updates:  []journal.Update{{Kind: journal.UpdateStore, TreeHandle: 1, Key: []byte("k"), Value: []byte("v")}},
	}
	require.NoError(t, w.AppendTransaction(tx.CommitTs, tx))
	require.NoError(t, w.Close())

	player := &fakePlayer{}
	_, err = Run(Options{Dir: dir, IgnoreMissingVolumes: false, VolumeOpen: func(uint32) bool { return false }}, player)
	require.Error(t, err)
}

func TestRunOnEmptyJournalIsNoop(t *testing.T) {
	dir := testutil.TempDir(t)
	player := &fakePlayer{}
	result, err := Run(Options{Dir: dir}, player)
	require.NoError(t, err)
	require.Equal(t, 0, result.ReplayedCount)
	require.Empty(t, player.calls)
}
