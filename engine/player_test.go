package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"ferrodb/accumulator"
	"ferrodb/clock"
	"ferrodb/mvv"
	"ferrodb/page"
)

func TestReplayPlayerAppliesStoreAndDelta(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateTree("v1", "t1", []accumulator.Kind{accumulator.Sum}))
	ot := eng.trees["t1"]

	player := newReplayPlayer(eng)
	player.StartRecovery()
	player.StartTransaction(clock.Timestamp(5))
	player.Store(ot.handle, []byte("k1"), byte(page.ValueMVV), []byte("v1"))
	player.Delta(ot.handle, 0, byte(accumulator.Sum), 7)
	player.EndTransaction(5)
	player.EndRecovery()

	kind, raw, found, err := ot.t.Fetch([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, page.ValueMVV, kind)

	val, ok, err := mvv.FetchVisible(raw, eng.idx, clock.Timestamp(100), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), val)

	live, err := ot.accumulators[0].SnapshotValue(eng.idx, clock.Timestamp(100), 0)
	require.NoError(t, err)
	require.EqualValues(t, 7, live)
}

func TestReplayPlayerLongRecordRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateTree("v1", "t1", nil))

	threshold := page.LongRecordThreshold(4096)
	value := bytes.Repeat([]byte("y"), threshold+200)

	player := newReplayPlayer(eng)
	player.StartRecovery()
	player.StartTransaction(clock.Timestamp(9))
	player.Store(eng.trees["t1"].handle, []byte("big"), byte(page.ValueLongRecord), value)
	player.EndTransaction(9)
	player.EndRecovery()

	tx := eng.Begin()
	got, found, err := tx.Fetch("t1", []byte("big"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value, got)
	require.NoError(t, tx.Commit())
}

func TestReplayPlayerRemoveTree(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateTree("v1", "t1", nil))
	require.NoError(t, eng.CreateTree("v1", "t2", nil))
	th := eng.trees["t1"].handle

	player := newReplayPlayer(eng)
	player.StartRecovery()
	player.StartTransaction(clock.Timestamp(1))
	player.RemoveTree(th)
	player.EndTransaction(1)
	player.EndRecovery()

	_, ok := eng.trees["t1"]
	require.False(t, ok)
	_, ok = eng.trees["t2"]
	require.True(t, ok)
}

func TestReplayPlayerIgnoresUnknownTreeHandle(t *testing.T) {
	eng := newTestEngine(t)
	player := newReplayPlayer(eng)
	player.StartRecovery()
	player.StartTransaction(clock.Timestamp(1))

	require.NotPanics(t, func() {
		player.Store(999, []byte("k"), byte(page.ValueMVV), []byte("v"))
		player.RemoveKeyRange(999, []byte("a"), []byte("z"))
		player.RemoveTree(999)
		player.Delta(999, 0, byte(accumulator.Sum), 1)
	})

	player.EndTransaction(1)
	player.EndRecovery()
}
