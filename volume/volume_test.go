package volume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestVolume(t *testing.T) *Volume {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vol")
	v, err := Open(Options{
		Path:           path,
		Mode:           OpenCreate,
		PageSize:       4096,
		InitialPages:   4,
		ExtensionPages: 4,
		MaximumPages:   64,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestAllocateAndReadWritePage(t *testing.T) {
	v := openTestVolume(t)

	id, err := v.AllocNewPage()
	require.NoError(t, err)
	require.NotEqual(t, PageID(0), id)

	buf := make([]byte, v.PageSize())
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, v.WritePage(id, buf))

	readBack := make([]byte, v.PageSize())
	require.NoError(t, v.ReadPage(id, readBack))
	require.Equal(t, buf, readBack)
}

func TestDeallocateReusesPage(t *testing.T) {
	v := openTestVolume(t)

	id1, err := v.AllocNewPage()
	require.NoError(t, err)
	require.NoError(t, v.DeallocatePage(id1))

	id2, err := v.AllocNewPage()
	require.NoError(t, err)
	require.Equal(t, id1, id2, "freed page should be reused before extending")
}

func TestGarbageChainSurvivesManyFrees(t *testing.T) {
	v := openTestVolume(t)

	var ids []PageID
	for i := 0; i < 20; i++ {
		id, err := v.AllocNewPage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NoError(t, v.DeallocatePage(id))
	}

	seen := make(map[PageID]bool)
	for i := 0; i < len(ids); i++ {
		id, err := v.AllocNewPage()
		require.NoError(t, err)
		require.False(t, seen[id], "page %d handed out twice", id)
		seen[id] = true
	}
}

func TestDirectoryRootPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.vol")
	v, err := Open(Options{Path: path, Mode: OpenCreate, PageSize: 4096, InitialPages: 2, ExtensionPages: 2, MaximumPages: 32})
	require.NoError(t, err)

	id, err := v.AllocNewPage()
	require.NoError(t, err)
	require.NoError(t, v.SetDirectoryRoot(id))
	require.NoError(t, v.Close())

	v2, err := Open(Options{Path: path, Mode: OpenCreate, PageSize: 4096})
	require.NoError(t, err)
	defer v2.Close()
	require.Equal(t, id, v2.DirectoryRoot())
}

func TestMaximumPagesBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bounded.vol")
	v, err := Open(Options{Path: path, Mode: OpenCreate, PageSize: 4096, InitialPages: 1, ExtensionPages: 1, MaximumPages: 2})
	require.NoError(t, err)
	defer v.Close()

	_, err = v.AllocNewPage()
	require.NoError(t, err)
	_, err = v.AllocNewPage()
	require.Error(t, err)
}
