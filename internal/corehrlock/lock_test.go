package corehrlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/corert/internal/coreclock"
	"github.com/kolkov/corert/internal/corethread"
)

func newTestTable(t *testing.T) (*Table, *corethread.Registry) {
	t.Helper()
	reg := corethread.NewRegistry()
	return NewTable(coreclock.Monotonic{}), reg
}

func TestReadLockUnlockRoundTrip(t *testing.T) {
	table, reg := newTestTable(t)
	th, err := reg.Register(true)
	require.NoError(t, err)

	l := NewLock(7)
	require.True(t, table.ReadLockTimeout(th, l, WaitForever))
	require.EqualValues(t, 1, th.CleanupDepth())
	table.ReadUnlock(th, l)
	require.EqualValues(t, 0, th.CleanupDepth())
}

func TestMultipleReadersSameColumnDoNotBlockEachOther(t *testing.T) {
	table, reg := newTestTable(t)
	r1, err := reg.Register(true)
	require.NoError(t, err)
	r2, err := reg.Register(true)
	require.NoError(t, err)

	l := NewLock(1)
	require.True(t, table.ReadLockTimeout(r1, l, WaitForever))
	require.True(t, table.ReadLockTimeout(r2, l, WaitForever))
	table.ReadUnlock(r1, l)
	table.ReadUnlock(r2, l)
}

func TestWriteLockWaitsForReadersToDrain(t *testing.T) {
	table, reg := newTestTable(t)
	reader, err := reg.Register(true)
	require.NoError(t, err)
	writer, err := reg.Register(true)
	require.NoError(t, err)

	l := NewLock(3)
	require.True(t, table.ReadLockTimeout(reader, l, WaitForever))

	writeLocked := make(chan struct{})
	go func() {
		table.WriteLock(writer, l)
		close(writeLocked)
	}()

	select {
	case <-writeLocked:
		t.Fatal("write lock acquired while a reader still holds the column")
	case <-time.After(50 * time.Millisecond):
	}

	table.ReadUnlock(reader, l)

	select {
	case <-writeLocked:
	case <-time.After(2 * time.Second):
		t.Fatal("write lock never acquired after reader released")
	}

	table.WriteUnlock(writer, l)
}

func TestWriteLockIsReentrantForSameWriter(t *testing.T) {
	table, reg := newTestTable(t)
	writer, err := reg.Register(true)
	require.NoError(t, err)

	l := NewLock(9)
	table.WriteLock(writer, l)
	require.EqualValues(t, 1, writer.CleanupDepth())
	table.WriteLock(writer, l)
	require.EqualValues(t, 2, writer.CleanupDepth())

	table.WriteUnlock(writer, l)
	table.WriteUnlock(writer, l)
	require.EqualValues(t, 0, writer.CleanupDepth())
}

func TestReadLockTimeoutExpiresWhenWriterHoldsColumn(t *testing.T) {
	table, reg := newTestTable(t)
	reader, err := reg.Register(true)
	require.NoError(t, err)
	writer, err := reg.Register(true)
	require.NoError(t, err)

	l := NewLock(5)
	table.WriteLock(writer, l)

	ok := table.ReadLockTimeout(reader, l, 20_000) // 20ms
	require.False(t, ok)

	table.WriteUnlock(writer, l)
}

func TestReadTrylockFailsImmediatelyUnderWriteLock(t *testing.T) {
	table, reg := newTestTable(t)
	reader, err := reg.Register(true)
	require.NoError(t, err)
	writer, err := reg.Register(true)
	require.NoError(t, err)

	l := NewLock(11)
	table.WriteLock(writer, l)
	require.False(t, table.ReadTrylock(reader, l))
	table.WriteUnlock(writer, l)

	require.True(t, table.ReadTrylock(reader, l))
	table.ReadUnlock(reader, l)
}

func TestReadLockAllThenUnlockAll(t *testing.T) {
	table, reg := newTestTable(t)
	th, err := reg.Register(true)
	require.NoError(t, err)

	table.ReadLockAll(th)
	table.ReadUnlockAll(th)
}

func TestReadTrylockAllFailsUnderWriterAndRollsBack(t *testing.T) {
	table, reg := newTestTable(t)
	th, err := reg.Register(true)
	require.NoError(t, err)
	writer, err := reg.Register(true)
	require.NoError(t, err)

	l := NewLock(42) // some column in the middle of the sweep
	table.WriteLock(writer, l)

	require.False(t, table.ReadTrylockAll(th))

	// Every column this thread optimistically locked before hitting the
	// writer-held one must have been rolled back to zero.
	for col := uint32(0); col < l.column(); col++ {
		require.EqualValues(t, 0, table.rec(th.ID(), col).readDepth.Load())
	}

	table.WriteUnlock(writer, l)
}

func TestConcurrentReadersDoNotCorruptOwnRows(t *testing.T) {
	table, reg := newTestTable(t)
	const readers = 8
	threads := make([]*corethread.Thread, readers)
	for i := range threads {
		th, err := reg.Register(true)
		require.NoError(t, err)
		threads[i] = th
	}

	l := NewLock(2)
	var wg sync.WaitGroup
	for _, th := range threads {
		wg.Add(1)
		go func(th *corethread.Thread) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				require.True(t, table.ReadLockTimeout(th, l, WaitForever))
				table.ReadUnlock(th, l)
			}
		}(th)
	}
	wg.Wait()
}
