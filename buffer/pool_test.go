package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/clock"
	"ferrodb/volume"
)

type fakeSource struct {
	pageSize uint32
	pages    map[volume.PageID][]byte
}

func newFakeSource(pageSize uint32) *fakeSource {
	return &fakeSource{pageSize: pageSize, pages: make(map[volume.PageID][]byte)}
}

func (s *fakeSource) ReadPage(id volume.PageID, buf []byte) error {
	if p, ok := s.pages[id]; ok {
		copy(buf, p)
		return nil
	}
	return nil
}

func (s *fakeSource) WritePage(id volume.PageID, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.pages[id] = cp
	return nil
}

func (s *fakeSource) PageSize() uint32 { return s.pageSize }

func TestGetReleaseRoundTrip(t *testing.T) {
	clk := clock.New(0)
	pool, err := NewPool(4, clk)
	require.NoError(t, err)

	src := newFakeSource(1024)
	pool.RegisterVolume(1, src)

	f, err := pool.Get(1, 5, true)
	require.NoError(t, err)
	copy(f.Data(), []byte("hello"))
	pool.MarkDirty(f, clk.Update())
	pool.Release(f, LatchWrite)

	f2, err := pool.Get(1, 5, false)
	require.NoError(t, err)
	require.Equal(t, byte('h'), f2.Data()[0])
	pool.Release(f2, LatchRead)
}

func TestEvictionFlushesDirtyFrame(t *testing.T) {
	clk := clock.New(0)
	pool, err := NewPool(2, clk)
	require.NoError(t, err)

	src := newFakeSource(16)
	pool.RegisterVolume(1, src)

	for i := volume.PageID(0); i < 3; i++ {
		f, err := pool.Get(1, i, true)
		require.NoError(t, err)
		f.Data()[0] = byte(i + 1)
		pool.MarkDirty(f, clk.Update())
		pool.Release(f, LatchWrite)
	}

	require.Equal(t, byte(1), src.pages[0][0], "dirty page must be flushed before eviction")
}

func TestInvalidateDropsVolumeFrames(t *testing.T) {
	clk := clock.New(0)
	pool, err := NewPool(4, clk)
	require.NoError(t, err)
	src := newFakeSource(16)
	pool.RegisterVolume(1, src)

	f, err := pool.Get(1, 0, true)
	require.NoError(t, err)
	pool.Release(f, LatchWrite)

	pool.Invalidate(1)

	pool.mu.Lock()
	_, ok := pool.frames[frameKey{1, 0}]
	pool.mu.Unlock()
	require.False(t, ok)
}

func TestSelectDirtyBuffersReturnsAscendingPageAddress(t *testing.T) {
	clk := clock.New(0)
	pool, err := NewPool(8, clk)
	require.NoError(t, err)
	src := newFakeSource(16)
	pool.RegisterVolume(1, src)

	f1, _ := pool.Get(1, 3, true)
	pool.MarkDirty(f1, 1)
	pool.Release(f1, LatchWrite)

	f2, _ := pool.Get(1, 1, true)
	pool.MarkDirty(f2, 1)
	pool.Release(f2, LatchWrite)

	victims := pool.SelectDirtyBuffers(8, 100, 0)
	require.Len(t, victims, 2)
	require.Less(t, victims[0].PageID, victims[1].PageID)
}
