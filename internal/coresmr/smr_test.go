package coresmr

import (
	"testing"

	"github.com/kolkov/corert/internal/corethread"
	"github.com/stretchr/testify/require"
)

func TestCallThenPollDispatches(t *testing.T) {
	registry := corethread.NewRegistry()
	th, err := registry.Register(false)
	require.NoError(t, err)

	svc := NewService(nil)
	var ran uintptr
	svc.Call(th, 0x1000, func(ptr uintptr) { ran = ptr })

	require.Equal(t, uintptr(0), ran)
	ok := svc.Poll(th)
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), ran)
}

func TestDoubleCallDropsSecond(t *testing.T) {
	registry := corethread.NewRegistry()
	th, err := registry.Register(false)
	require.NoError(t, err)

	svc := NewService(nil)
	var which []int
	svc.Call(th, 0x2000, func(ptr uintptr) { which = append(which, 1) })
	svc.Call(th, 0x2000, func(ptr uintptr) { which = append(which, 2) })

	svc.Poll(th)
	require.Equal(t, []int{1}, which)
}

func TestDistinguishedValuesRunImmediately(t *testing.T) {
	registry := corethread.NewRegistry()
	th, err := registry.Register(false)
	require.NoError(t, err)

	svc := NewService(nil)
	var calledNull, calledDispatched bool
	svc.Call(th, Null, func(ptr uintptr) { calledNull = true })
	svc.Call(th, Dispatched, func(ptr uintptr) { calledDispatched = true })

	require.True(t, calledNull)
	require.True(t, calledDispatched)
	require.Equal(t, uint64(0), svc.NPending(th))
}

func TestFreeByTokenDispatchesViaAllocatorHook(t *testing.T) {
	registry := corethread.NewRegistry()
	th, err := registry.Register(false)
	require.NoError(t, err)

	var gotToken uint32
	var gotPtr uintptr
	svc := NewService(func(token uint32, ptr uintptr) {
		gotToken = token
		gotPtr = ptr
	})

	svc.FreeByToken(th, 7, 0x3000)
	svc.Poll(th)

	require.Equal(t, uint32(7), gotToken)
	require.Equal(t, uintptr(0x3000), gotPtr)
}

func TestPauseResumeBlocksThenImplicitlyPolls(t *testing.T) {
	registry := corethread.NewRegistry()
	th, err := registry.Register(false)
	require.NoError(t, err)

	svc := NewService(nil)
	svc.Pause(th)
	var ran bool
	svc.Call(th, 0x4000, func(ptr uintptr) { ran = true })

	ok := svc.Poll(th)
	require.False(t, ok)
	require.False(t, ran)

	svc.Resume(th)
	require.True(t, ran)
}

func TestBeginEndTracksActiveSection(t *testing.T) {
	registry := corethread.NewRegistry()
	th, err := registry.Register(false)
	require.NoError(t, err)

	svc := NewService(nil)
	require.False(t, svc.Active(th.ID()))

	svc.Begin(th)
	require.True(t, svc.Active(th.ID()))

	svc.Begin(th) // nested
	require.True(t, svc.Active(th.ID()))

	svc.End(th)
	require.True(t, svc.Active(th.ID()))

	svc.End(th)
	require.False(t, svc.Active(th.ID()))
}

func TestSynchronizeDispatchesImmediately(t *testing.T) {
	registry := corethread.NewRegistry()
	th, err := registry.Register(false)
	require.NoError(t, err)

	svc := NewService(nil)
	var ran bool
	svc.Call(th, 0x5000, func(ptr uintptr) { ran = true })
	svc.Synchronize(th)
	require.True(t, ran)
}
