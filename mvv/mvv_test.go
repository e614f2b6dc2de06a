package mvv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/clock"
	"ferrodb/txn"
)

func TestStoreVersionWrapsPrimordialOnFirstWrite(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	writer := idx.Register()
	h := txn.NewVersionHandle(writer.Ts, 0)

	out, existed := StoreVersion(nil, h, []byte("v1"))
	require.False(t, existed)
	require.True(t, IsMVV(out))

	got, err := FetchVersion(out, h)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func TestStoreVersionPreservesExistingPrimordial(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	writer := idx.Register()
	h := txn.NewVersionHandle(writer.Ts, 0)

	primordial := []byte("original")
	out, existed := StoreVersion(primordial, h, []byte("v1"))
	require.False(t, existed)

	idx.Abort(writer) // primordial should still be fetchable as a fallback
	reader := idx.Register()
	value, found := FetchVisible(out, idx, reader.Ts, 0)
	require.True(t, found)
	require.Equal(t, primordial, value)
}

func TestStoreVersionReplacesSameHandleInPlace(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	writer := idx.Register()
	h := txn.NewVersionHandle(writer.Ts, 0)

	out, _ := StoreVersion(nil, h, []byte("first"))
	out, existed := StoreVersion(out, h, []byte("second"))
	require.True(t, existed)

	got, err := FetchVersion(out, h)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestFetchVersionNotFound(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	writer := idx.Register()
	h := txn.NewVersionHandle(writer.Ts, 0)
	other := txn.NewVersionHandle(writer.Ts, 1)

	out, _ := StoreVersion(nil, h, []byte("v1"))
	_, err := FetchVersion(out, other)
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestVisitAllVersionsDropsAndRewrites(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	w1 := idx.Register()
	w2 := idx.Register()
	h1 := txn.NewVersionHandle(w1.Ts, 0)
	h2 := txn.NewVersionHandle(w2.Ts, 0)

	out, _ := StoreVersion(nil, h1, []byte("v1"))
	out, _ = StoreVersion(out, h2, []byte("v2"))

	rewritten := VisitAllVersions(out, func(handle txn.VersionHandle, value []byte) bool {
		return handle != h1
	})
	_, err := FetchVersion(rewritten, h1)
	require.ErrorIs(t, err, ErrVersionNotFound)
	got, err := FetchVersion(rewritten, h2)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestFetchVisiblePicksNewestCommittedVersion(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)

	w1 := idx.Register()
	h1 := txn.NewVersionHandle(w1.Ts, 0)
	out, _ := StoreVersion(nil, h1, []byte("v1"))
	idx.Commit(w1, clk.Update())

	w2 := idx.Register()
	h2 := txn.NewVersionHandle(w2.Ts, 0)
	out, _ = StoreVersion(out, h2, []byte("v2"))
	idx.Commit(w2, clk.Update())

	reader := idx.Register()
	value, found := FetchVisible(out, idx, reader.Ts, 0)
	require.True(t, found)
	require.Equal(t, []byte("v2"), value)
}

func TestFetchVisibleIgnoresUncommittedWriter(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)

	w1 := idx.Register()
	h1 := txn.NewVersionHandle(w1.Ts, 0)
	out, _ := StoreVersion(nil, h1, []byte("v1"))
	idx.Commit(w1, clk.Update())

	w2 := idx.Register() // never committed
	h2 := txn.NewVersionHandle(w2.Ts, 0)
	out, _ = StoreVersion(out, h2, []byte("v2"))

	reader := idx.Register()
	value, found := FetchVisible(out, idx, reader.Ts, 0)
	require.True(t, found)
	require.Equal(t, []byte("v1"), value)
}

func TestFetchVisibleSameTransactionOwnWrite(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	w := idx.Register()
	h := txn.NewVersionHandle(w.Ts, 0)
	out, _ := StoreVersion(nil, h, []byte("uncommitted-own-write"))

	value, found := FetchVisible(out, idx, w.Ts, 1)
	require.True(t, found)
	require.Equal(t, []byte("uncommitted-own-write"), value)
}

func TestPruneDropsAbortedVersions(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)
	w1 := idx.Register()
	h1 := txn.NewVersionHandle(w1.Ts, 0)
	out, _ := StoreVersion(nil, h1, []byte("doomed"))
	idx.Abort(w1)

	w2 := idx.Register()
	h2 := txn.NewVersionHandle(w2.Ts, 0)
	out, _ = StoreVersion(out, h2, []byte("kept"))
	idx.Commit(w2, clk.Update())

	pruned := Prune(out, idx, clk.Current())
	_, err := FetchVersion(pruned, h1)
	require.ErrorIs(t, err, ErrVersionNotFound)
	got, err := FetchVersion(pruned, h2)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), got)
}

func TestPruneDropsShadowedOlderVersion(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)

	w1 := idx.Register()
	h1 := txn.NewVersionHandle(w1.Ts, 0)
	out, _ := StoreVersion(nil, h1, []byte("old"))
	idx.Commit(w1, clk.Update())

	w2 := idx.Register()
	h2 := txn.NewVersionHandle(w2.Ts, 0)
	out, _ = StoreVersion(out, h2, []byte("new"))
	idx.Commit(w2, clk.Update())

	floor := clk.Update() // floor now above both commits
	pruned := Prune(out, idx, floor)

	_, err := FetchVersion(pruned, h1)
	require.ErrorIs(t, err, ErrVersionNotFound)
	got, err := FetchVersion(pruned, h2)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)
}

func TestPruneKeepsVersionAtOrAboveFloor(t *testing.T) {
	clk := clock.New(0)
	idx := txn.New(4, clk)

	w1 := idx.Register()
	h1 := txn.NewVersionHandle(w1.Ts, 0)
	out, _ := StoreVersion(nil, h1, []byte("still-needed"))
	tc := clk.Update()
	idx.Commit(w1, tc)

	pruned := Prune(out, idx, w1.Ts) // floor below the commit timestamp
	got, err := FetchVersion(pruned, h1)
	require.NoError(t, err)
	require.Equal(t, []byte("still-needed"), got)
}
