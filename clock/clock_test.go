package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorMonotonic(t *testing.T) {
	a := New(0)
	var last Timestamp
	for i := 0; i < 1000; i++ {
		ts := a.Update()
		require.Greater(t, ts, last)
		last = ts
	}
	assert.Equal(t, last, a.Current())
}

func TestAllocatorConcurrentUpdate(t *testing.T) {
	a := New(0)
	const goroutines, perGoroutine = 16, 200

	seen := make([][]Timestamp, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ts := make([]Timestamp, perGoroutine)
			for i := range ts {
				ts[i] = a.Update()
			}
			seen[idx] = ts
		}(g)
	}
	wg.Wait()

	unique := make(map[Timestamp]bool, goroutines*perGoroutine)
	for _, ts := range seen {
		for _, v := range ts {
			require.False(t, unique[v], "timestamp %d issued twice", v)
			unique[v] = true
		}
	}
	assert.Len(t, unique, goroutines*perGoroutine)
}

func TestAllocatorBumpNeverRegresses(t *testing.T) {
	a := New(10)
	a.Bump(5)
	assert.Equal(t, Timestamp(10), a.Current())

	a.Bump(100)
	assert.Equal(t, Timestamp(100), a.Current())

	next := a.Update()
	assert.Equal(t, Timestamp(101), next)
}

func TestAllocateCheckpointAdvances(t *testing.T) {
	a := New(0)
	ts1 := a.AllocateCheckpoint()
	ts2 := a.Update()
	assert.Less(t, ts1, ts2)
}
