package tree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/buffer"
	"ferrodb/clock"
	"ferrodb/common/testutil"
	"ferrodb/page"
	"ferrodb/volume"
)

func newTestHarness(t *testing.T, pageSize uint32) (*volume.Volume, *buffer.Pool, buffer.VolumeID) {
	t.Helper()
	dir := testutil.TempDir(t)
	vol, err := volume.Open(volume.Options{
		Path:           dir + "/test.vol",
		Mode:           volume.OpenCreate,
		PageSize:       pageSize,
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
	return vol, pool, vh
}

func TestStoreAndFetchRoundTrip(t *testing.T) {
	vol, pool, vh := newTestHarness(t, 1024)
	tr, err := Create(vol, pool, vh, "t1")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%04d", i)
		require.NoError(t, tr.Store([]byte(k), page.ValueInline, []byte("v"+k)))
	}

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%04d", i)
		kind, v, ok, err := tr.Fetch([]byte(k))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, page.ValueInline, kind)
		require.Equal(t, "v"+k, string(v))
	}

	_, _, ok, err := tr.Fetch([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreForcesMultiLevelSplit(t *testing.T) {
	vol, pool, vh := newTestHarness(t, 512)
	tr, err := Create(vol, pool, vh, "t1")
	require.NoError(t, err)

	n := 400
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k-%05d", i)
		require.NoError(t, tr.Store([]byte(k), page.ValueInline, []byte(k)))
	}
	require.Greater(t, tr.Generation(), uint64(0))

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k-%05d", i)
		_, v, ok, err := tr.Fetch([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "key %s should be found", k)
		require.Equal(t, k, string(v))
	}
}

func TestOverwriteExistingKey(t *testing.T) {
	vol, pool, vh := newTestHarness(t, 1024)
	tr, err := Create(vol, pool, vh, "t1")
	require.NoError(t, err)

	require.NoError(t, tr.Store([]byte("a"), page.ValueInline, []byte("v1")))
	require.NoError(t, tr.Store([]byte("a"), page.ValueInline, []byte("v2")))

	_, v, ok, err := tr.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func TestTraverseForwardAndBackward(t *testing.T) {
	vol, pool, vh := newTestHarness(t, 512)
	tr, err := Create(vol, pool, vh, "t1")
	require.NoError(t, err)

	keys := []string{"a", "c", "e", "g", "i"}
	for _, k := range keys {
		require.NoError(t, tr.Store([]byte(k), page.ValueInline, []byte(k)))
	}

	res, err := tr.Traverse([]byte("b"), Forward, true)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "c", string(res.Key))

	res, err = tr.Traverse([]byte("c"), Forward, false)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "e", string(res.Key))

	res, err = tr.Traverse([]byte("f"), Backward, true)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "e", string(res.Key))

	res, err = tr.Traverse([]byte("e"), Backward, false)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "c", string(res.Key))
}

func TestRemoveKeyRangeDeletesOnlyWithinBounds(t *testing.T) {
	vol, pool, vh := newTestHarness(t, 512)
	tr, err := Create(vol, pool, vh, "t1")
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("k-%03d", i)
		require.NoError(t, tr.Store([]byte(k), page.ValueInline, []byte(k)))
	}

	require.NoError(t, tr.RemoveKeyRange([]byte("k-010"), []byte("k-020")))

	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("k-%03d", i)
		_, _, ok, err := tr.Fetch([]byte(k))
		require.NoError(t, err)
		if i >= 10 && i < 20 {
			require.False(t, ok, "key %s should have been removed", k)
		} else {
			require.True(t, ok, "key %s should still be present", k)
		}
	}
}

func TestDirectoryCreateOpenRemove(t *testing.T) {
	vol, pool, vh := newTestHarness(t, 1024)
	dir, err := OpenDirectory(vol, pool, vh)
	require.NoError(t, err)

	tr, err := dir.CreateTree("orders")
	require.NoError(t, err)
	require.NoError(t, tr.Store([]byte("k"), page.ValueInline, []byte("v")))

	_, err = dir.CreateTree("orders")
	require.Error(t, err, "re-creating a live tree should fail")

	opened, err := dir.OpenTree("orders")
	require.NoError(t, err)
	_, v, ok, err := opened.Fetch([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	require.NoError(t, dir.RemoveTree("orders"))
	_, err = dir.OpenTree("orders")
	require.Error(t, err)

	// Re-creating after removal gets a brand-new, empty tree.
	fresh, err := dir.CreateTree("orders")
	require.NoError(t, err)
	_, _, ok, err = fresh.Fetch([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}
