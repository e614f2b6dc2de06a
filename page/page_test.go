package page

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndSearchLeaf(t *testing.T) {
	p := New(1, 4096, TypeLeaf, 0)

	keys := []string{"apple", "banana", "cherry", "date", "fig", "grape"}
	for _, k := range keys {
		require.NoError(t, p.InsertLeaf([]byte(k), ValueInline, []byte("v-"+k)))
	}
	require.NoError(t, p.Verify())

	for _, k := range keys {
		res := p.Search([]byte(k))
		require.True(t, res.Exact)
		kind, v := p.Value(res.Index)
		require.Equal(t, ValueInline, kind)
		require.Equal(t, "v-"+k, string(v))
	}

	missing := p.Search([]byte("zzz"))
	require.False(t, missing.Exact)
}

func TestInsertPreservesOrderWithSharedPrefixes(t *testing.T) {
	p := New(1, 4096, TypeLeaf, 0)
	keys := []string{"key0001", "key0002", "key0003", "key0010", "key0100", "key1000"}
	for _, k := range keys {
		require.NoError(t, p.InsertLeaf([]byte(k), ValueInline, []byte(k)))
	}
	require.NoError(t, p.Verify())
	for i, k := range keys {
		require.Equal(t, k, string(p.Key(i)))
	}
}

func TestReplaceExistingKey(t *testing.T) {
	p := New(1, 4096, TypeLeaf, 0)
	require.NoError(t, p.InsertLeaf([]byte("k"), ValueInline, []byte("v1")))
	require.NoError(t, p.InsertLeaf([]byte("k"), ValueInline, []byte("v2")))
	require.Equal(t, 1, p.NumCells())
	_, v := p.Value(0)
	require.Equal(t, "v2", string(v))
}

func TestSplitDividesCellsAndPreservesData(t *testing.T) {
	p := New(1, 1024, TypeLeaf, 0)
	var keys []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%03d", i)
		keys = append(keys, k)
		require.NoError(t, p.InsertLeaf([]byte(k), ValueInline, []byte(k)))
	}
	right := New(2, 1024, TypeLeaf, 0)
	res := Split(p, right, EvenBias, p.NumCells()/2)

	require.NoError(t, p.Verify())
	require.NoError(t, right.Verify())
	require.Equal(t, p.RightSibling(), right.ID)
	require.Equal(t, string(right.Key(0)), string(res.SplitKey))

	// every original key is findable in exactly one of the two pages.
	seen := map[string]bool{}
	for i := 0; i < p.NumCells(); i++ {
		seen[string(p.Key(i))] = true
	}
	for i := 0; i < right.NumCells(); i++ {
		seen[string(right.Key(i))] = true
	}
	require.Len(t, seen, len(keys))
}

func TestJoinMergesBackTogether(t *testing.T) {
	left := New(1, 4096, TypeLeaf, 0)
	right := New(2, 4096, TypeLeaf, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, left.InsertLeaf([]byte(fmt.Sprintf("a%02d", i)), ValueInline, []byte("x")))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, right.InsertLeaf([]byte(fmt.Sprintf("b%02d", i)), ValueInline, []byte("y")))
	}
	right.setRightSibling(99)

	require.True(t, Fits(left, right))
	Join(left, right)
	require.NoError(t, left.Verify())
	require.Equal(t, 10, left.NumCells())
	require.EqualValues(t, 99, left.RightSibling())
}

func TestInternalInsertAndChildLookup(t *testing.T) {
	p := New(1, 4096, TypeInternal, 1)
	require.NoError(t, p.InsertInternal([]byte("m"), 10))
	require.NoError(t, p.InsertInternal([]byte("z"), 20))
	require.NoError(t, p.Verify())

	require.EqualValues(t, 10, p.ChildPageID(0))
	require.EqualValues(t, 20, p.ChildPageID(1))
}
