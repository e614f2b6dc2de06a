package accumulator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/buffer"
	"ferrodb/clock"
	"ferrodb/common/testutil"
	"ferrodb/tree"
	"ferrodb/txn"
	"ferrodb/volume"
)

func newTestDirectory(t *testing.T) *tree.Directory {
	t.Helper()
	dir := testutil.TempDir(t)
	vol, err := volume.Open(volume.Options{
		Path:           dir + "/test.vol",
		Mode:           volume.OpenCreate,
		PageSize:       4096,
		InitialPages:   4,
		ExtensionPages: 16,
		MaximumPages:   100000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })

	clk := clock.New(0)
	pool, err := buffer.NewPool(256, clk)
	require.NoError(t, err)
	vh := buffer.VolumeID(1)
	pool.RegisterVolume(vh, vol)

	d, err := tree.OpenDirectory(vol, pool, vh)
	require.NoError(t, err)
	return d
}

func TestUpdateCombinesByKind(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	st := idx.Register()

	sum := New(Sum, 0, "t", Identity(Sum))
	require.EqualValues(t, 3, sum.Update(3, st, 0))
	require.EqualValues(t, 5, sum.Update(2, st, 0))

	min := New(Min, 0, "t", Identity(Min))
	min.Update(5, st, 0)
	require.EqualValues(t, 2, min.Update(2, st, 0))

	max := New(Max, 0, "t", Identity(Max))
	max.Update(5, st, 0)
	require.EqualValues(t, 5, max.Update(2, st, 0))
}

func TestSeqUpdateReturnsPostCombineLiveValue(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	st := idx.Register()

	seq := New(Seq, 0, "t", Identity(Seq))
	require.EqualValues(t, 1, seq.Update(1, st, 0))
	require.EqualValues(t, 2, seq.Update(1, st, 1))
	require.EqualValues(t, 3, seq.Update(1, st, 2))
}

func TestUpdateCoalescesSameStepDelta(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	st := idx.Register()

	sum := New(Sum, 0, "t", Identity(Sum))
	sum.Update(1, st, 0)
	sum.Update(1, st, 0) // same (txn, step): coalesces into one Delta

	require.Len(t, sum.deltas, 1)
}

// TestSumAccumulatorSnapshotIsolation exercises scenario S1 from spec.md
// §8: two concurrent transactions each update a SUM accumulator, and
// visibility tracks commit order, not update order.
func TestSumAccumulatorSnapshotIsolation(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	sum := New(Sum, 0, "t", 0)

	t1 := idx.Register()
	t2 := idx.Register()

	sum.Update(1, t1, 0)
	sum.Update(1, t2, 0)

	v1, err := sum.SnapshotValue(idx, t1.Ts, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, v1)

	v2, err := sum.SnapshotValue(idx, t2.Ts, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, v2)

	idx.Commit(t1, clk.Update())
	v2, err = sum.SnapshotValue(idx, t2.Ts, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, v2, "t2 must not see t1's uncommitted-at-start update")

	idx.Commit(t2, clk.Update())
	t3 := idx.Register()
	v3, err := sum.SnapshotValue(idx, t3.Ts, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, v3)
}

func TestCheckpointFoldsCommittedDeltasAndPersists(t *testing.T) {
	dir := newTestDirectory(t)
	clk := clock.New(0)
	idx := txn.New(4, clk)

	sum := New(Sum, 0, "widgets", 0)
	t1 := idx.Register()
	sum.Update(4, t1, 0)
	idx.Commit(t1, clk.Update())

	t2 := idx.Register() // still active, its delta must survive checkpoint
	sum.Update(10, t2, 0)

	at := clk.Update()
	require.NoError(t, sum.Checkpoint(idx, dir, at))
	require.EqualValues(t, 4, sum.base)
	require.Len(t, sum.deltas, 1)

	loaded, err := Load(dir, Sum, 0, "widgets")
	require.NoError(t, err)
	require.EqualValues(t, 4, loaded.base)
}

func TestLoadReturnsIdentityWhenNoStateRecord(t *testing.T) {
	dir := newTestDirectory(t)
	loaded, err := Load(dir, Max, 2, "absent")
	require.NoError(t, err)
	require.EqualValues(t, Identity(Max), loaded.base)
}
