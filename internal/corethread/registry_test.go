package corethread

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsDenseIDs(t *testing.T) {
	r := NewRegistry()

	a, err := r.Register(true)
	require.NoError(t, err)
	b, err := r.Register(false)
	require.NoError(t, err)

	require.NotEqual(t, a.ID(), b.ID())
	require.Less(t, a.ID(), uint32(ThreadLimit))
	require.Less(t, b.ID(), uint32(ThreadLimit))
	require.True(t, a.IsPreferredWorker())
	require.False(t, b.IsPreferredWorker())
}

func TestRegisterExhaustionAndReuse(t *testing.T) {
	r := NewRegistry()
	var handles []*Thread
	for i := 0; i < ThreadLimit; i++ {
		th, err := r.Register(false)
		require.NoError(t, err)
		handles = append(handles, th)
	}

	_, err := r.Register(false)
	require.Error(t, err)

	reused := handles[0].ID()
	r.Deregister(handles[0])

	th, err := r.Register(false)
	require.NoError(t, err)
	require.Equal(t, reused, th.ID())
}

func TestCleanupPushPopBalances(t *testing.T) {
	r := NewRegistry()
	th, err := r.Register(false)
	require.NoError(t, err)

	var ran bool
	cb := func(arg any) { ran = true }

	th.PushCleanup(cb, 42)
	th.PopCleanup(cb, 42)
	require.False(t, ran, "normal pop never invokes the callback")
	require.Equal(t, 0, th.CleanupDepth())
}

func TestCleanupPopMismatchPanics(t *testing.T) {
	r := NewRegistry()
	th, err := r.Register(false)
	require.NoError(t, err)

	cb := func(arg any) {}
	th.PushCleanup(cb, 1)

	require.Panics(t, func() {
		th.PopCleanup(cb, 2)
	})
}

func TestPoisonPushPopBalances(t *testing.T) {
	r := NewRegistry()
	th, err := r.Register(false)
	require.NoError(t, err)

	th.PushPoison("commit")
	th.PopPoison("commit")
	require.Equal(t, 0, th.CleanupDepth())
}

func TestPoisonMismatchPanics(t *testing.T) {
	r := NewRegistry()
	th, err := r.Register(false)
	require.NoError(t, err)

	th.PushPoison("commit")
	require.Panics(t, func() {
		th.PopPoison("other")
	})
}

func TestSnapshotExcludesDeregistered(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register(false)
	require.NoError(t, err)
	b, err := r.Register(false)
	require.NoError(t, err)

	r.Deregister(a)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, b.ID(), snap[0].ID())
}
