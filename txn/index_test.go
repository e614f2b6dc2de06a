package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ferrodb/clock"
)

func TestRegisterCommitVisibility(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)

	writer := idx.Register()
	reader := idx.Register()

	require.Equal(t, StillActive, idx.CommitStatus(writer.Ts, reader.Ts, 0, 0))

	// The commit timestamp is newer than the reader's start, so the
	// reader's snapshot still excludes the writer.
	idx.Commit(writer, clk.Update())
	require.Equal(t, Invisible, idx.CommitStatus(writer.Ts, reader.Ts, 0, 0))
}

func TestCommitStatusSameTransactionStepOrdering(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	st := idx.Register()

	require.Equal(t, Visible, idx.CommitStatus(st.Ts, st.Ts, 1, 2))
	require.Equal(t, Invisible, idx.CommitStatus(st.Ts, st.Ts, 3, 2))
}

func TestCommitStatusAbortedIsInvisible(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	writer := idx.Register()
	reader := idx.Register()

	idx.Abort(writer)
	require.Equal(t, Invisible, idx.CommitStatus(writer.Ts, reader.Ts, 0, 0))
}

func TestNotifyCompletedFreesStatusOnceSafe(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	st := idx.Register()
	idx.Commit(st, clk.Update())

	st.AddMVVCount(1)
	idx.NotifyCompleted(st)
	require.NotNil(t, idx.Lookup(st.Ts), "still referenced, must not be freed")

	st.AddMVVCount(-1)
	idx.NotifyCompleted(st)
	require.Nil(t, idx.Lookup(st.Ts))
}

func TestWWDependencyNoConflictWhenTargetCommittedBefore(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	target := idx.Register()
	idx.Commit(target, clk.Update())
	source := idx.Register()

	require.Equal(t, Visible, idx.WWDependency(target.Ts, source, time.Second))
}

func TestWWDependencyConflictWhenTargetCommittedAfter(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	target := idx.Register()
	source := idx.Register()
	idx.Commit(target, clk.Update()) // target commits after source started

	require.Equal(t, Conflict, idx.WWDependency(target.Ts, source, time.Second))
}

func TestWWDependencyBlocksThenResolvesOnAbort(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	target := idx.Register()
	source := idx.Register()

	done := make(chan Visibility, 1)
	go func() {
		done <- idx.WWDependency(target.Ts, source, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	idx.Abort(target)

	select {
	case v := <-done:
		require.Equal(t, Visible, v)
	case <-time.After(time.Second):
		t.Fatal("WWDependency did not unblock on abort")
	}
}

func TestWWDependencyTimesOutOnStillActiveTarget(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	target := idx.Register()
	source := idx.Register()

	v := idx.WWDependency(target.Ts, source, 20*time.Millisecond)
	require.Equal(t, StillActive, v)
}

func TestDeadlockDetectionAbortsCallerImmediately(t *testing.T) {
	clk := clock.New(0)
	idx := New(8, clk)
	a := idx.Register()
	b := idx.Register()

	// b is already waiting on a (simulated wait-for edge).
	b.waitingOn.Store(a)
	// a attempting to wait on b would close the cycle a -> b -> a.
	v := idx.WWDependency(b.Ts, a, time.Second)
	require.Equal(t, StillActive, v)
}

func TestRefreshActiveCacheMatchesFloor(t *testing.T) {
	clk := clock.New(0)
	idx := New(4, clk)
	a := idx.Register()
	_ = idx.Register()
	idx.Commit(a, clk.Update())

	idx.RefreshActiveCache()
	require.Greater(t, idx.SnapshotFloor(), a.Ts)
}
