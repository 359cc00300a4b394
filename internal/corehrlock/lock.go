package corehrlock

import (
	"math"
	"runtime"
	"sync/atomic"

	"github.com/kolkov/corert/internal/coreclock"
	"github.com/kolkov/corert/internal/corethread"
)

// Count is the number of hash buckets (columns) per table row. Must be
// a power of two; callers size a lock's false-conflict rate against it.
const Count = 128

// WaitForever, passed as a ReadLockTimeout timeout, waits with no
// bound, mirroring the source's UINT64_MAX sentinel.
const WaitForever uint64 = math.MaxUint64

// record is one {write_depth, read_depth} cell. Both fields are only
// ever written by a single thread (write_depth: the table's one
// writer; read_depth: the row's owning reader), so plain atomics
// suffice — there is no need for a heavier lock around the pair.
type record struct {
	writeDepth atomic.Uint32
	readDepth  atomic.Uint32
}

// Table backs zero or more Locks. It must have exactly one writer
// thread across its lifetime, and locks that share a table must never
// nest (they can collide on the same column and deadlock).
type Table struct {
	clock   coreclock.Source
	records []record
}

// NewTable allocates a table sized for corethread.ThreadLimit rows.
func NewTable(clock coreclock.Source) *Table {
	return &Table{
		clock:   clock,
		records: make([]record, corethread.ThreadLimit*Count),
	}
}

func (t *Table) rec(id uint32, col uint32) *record {
	return &t.records[int(id)*Count+int(col)]
}

// Lock is a 32-bit hash seed; its column in a Table is hash % Count.
type Lock struct {
	hash uint32
}

// NewLock builds a lock from a caller-chosen seed (the source seeds it
// with a random number; any sufficiently spread value works).
func NewLock(seed uint32) *Lock {
	return &Lock{hash: seed}
}

func (l *Lock) column() uint32 { return l.hash % Count }

// unlockAllArg is pushed and popped by value, not by pointer: PopCleanup
// asserts the popped arg equals the pushed one by interface comparison,
// and two separately allocated pointers to an identical struct are never
// equal that way. A plain struct value compares equal field-by-field,
// and every push/pop pair here carries the same *Table and
// *corethread.Thread, so passing unlockAllArg by value is what makes
// the pop actually match.
type unlockAllArg struct {
	table *Table
	self  *corethread.Thread
}

func readUnlockAllCleanup(arg any) {
	a := arg.(unlockAllArg)
	a.table.unlockAllRows(a.self.ID())
}

func (t *Table) unlockAllRows(id uint32) {
	for col := uint32(0); col < Count; col++ {
		t.rec(id, col).readDepth.Store(0)
	}
}

// ReadLockTimeout acquires col's read lock for self, spinning through
// the slow path (entered only when a writer holds the column) for up
// to timeoutUs microseconds. A timeoutUs of 0 never blocks (trylock
// semantics); WaitForever never times out.
func (t *Table) ReadLockTimeout(self *corethread.Thread, l *Lock, timeoutUs uint64) bool {
	rec := t.rec(self.ID(), l.column())
	old := rec.readDepth.Add(1) - 1

	if old == 0 && rec.writeDepth.Load() != 0 {
		if !t.readLockSlow(rec, timeoutUs) {
			return false
		}
	}

	self.PushCleanup(readUnlockAllCleanup, unlockAllArg{table: t, self: self})
	return true
}

// ReadLock acquires col's read lock for self, waiting as long as it
// takes.
func (t *Table) ReadLock(self *corethread.Thread, l *Lock) {
	t.ReadLockTimeout(self, l, WaitForever)
}

// ReadTrylock attempts to acquire col's read lock without blocking.
func (t *Table) ReadTrylock(self *corethread.Thread, l *Lock) bool {
	return t.ReadLockTimeout(self, l, 0)
}

// ReadUnlock releases a read lock acquired with ReadLock or
// ReadLockTimeout.
func (t *Table) ReadUnlock(self *corethread.Thread, l *Lock) {
	self.PopCleanup(readUnlockAllCleanup, unlockAllArg{table: t, self: self})
	rec := t.rec(self.ID(), l.column())
	rec.readDepth.Add(^uint32(0))
}

// readLockSlow is taken only when a writer already holds l's column.
// It clears this row's optimistic read_depth, then alternates between
// waiting for write_depth to clear and re-announcing read_depth=1,
// until a re-check finds write_depth still zero or the timeout
// expires. Unlike the source, which only samples the clock every 128
// spins to amortize the cost of a cycle-counter read, this samples on
// every spin: Go has no equivalently cheap clock read to batch against,
// and the only consequence of checking more often is fewer wasted
// spins past the deadline.
func (t *Table) readLockSlow(rec *record, timeoutUs uint64) bool {
	rec.readDepth.Store(0)
	if timeoutUs == 0 {
		return false
	}

	unlimited := timeoutUs == WaitForever
	var begin, budget coreclock.Ticks
	if !unlimited {
		begin = t.clock.Now()
		budget = coreclock.UsToTicks(timeoutUs)
		if budget == 0 {
			budget = 1
		}
	}

	for {
		for rec.writeDepth.Load() != 0 {
			if !unlimited && coreclock.Elapsed(begin, t.clock.Now()) > budget {
				return false
			}
			runtime.Gosched()
		}

		rec.readDepth.Store(1)
		if rec.writeDepth.Load() == 0 {
			return true
		}
		rec.readDepth.Store(0)
	}
}

const writeLockPoisonTag = "corehrlock.write-lock"

// WriteLock acquires l's write lock for self across every row of its
// column, blocking until every other row's reader has drained. The
// single-writer invariant lets the same thread reacquire reentrantly:
// if every row's write_depth was already nonzero, the lock is already
// held by this thread (the only thread allowed to hold it) and the
// call returns immediately.
//
// A poison frame is pushed rather than a normal cleanup: recovering
// silently from a soft fault while a write lock is held would leave
// the table in a state no caller asked for, so the fault is instead
// forced to propagate.
func (t *Table) WriteLock(self *corethread.Thread, l *Lock) {
	col := l.column()
	var lastOld uint32
	for i := uint32(0); i < corethread.ThreadLimit; i++ {
		rec := t.rec(i, col)
		lastOld = rec.writeDepth.Load()
		rec.writeDepth.Store(lastOld + 1)
	}

	if lastOld > 0 {
		self.PushPoison(writeLockPoisonTag)
		return
	}

	for i := uint32(0); i < corethread.ThreadLimit; i++ {
		if i == self.ID() {
			continue
		}
		rec := t.rec(i, col)
		for rec.readDepth.Load() != 0 {
			runtime.Gosched()
		}
	}

	self.PushPoison(writeLockPoisonTag)
}

// WriteUnlock releases a write lock acquired with WriteLock.
func (t *Table) WriteUnlock(self *corethread.Thread, l *Lock) {
	self.PopPoison(writeLockPoisonTag)
	col := l.column()
	for i := uint32(0); i < corethread.ThreadLimit; i++ {
		rec := t.rec(i, col)
		rec.writeDepth.Add(^uint32(0))
	}
}

// ReadLockAll acquires every column's read lock in the table, waiting
// as long as it takes. Used by operations that must read-lock every
// object class a table backs at once.
func (t *Table) ReadLockAll(self *corethread.Thread) {
	t.readMaybeLockAll(self, WaitForever)
}

// ReadTrylockAll attempts to acquire every column's read lock without
// blocking, rolling back whatever it already acquired on the first
// failure.
func (t *Table) ReadTrylockAll(self *corethread.Thread) bool {
	locked := t.readMaybeLockAll(self, 0)
	if locked == Count {
		return true
	}
	for col := uint32(0); col < uint32(locked); col++ {
		t.rec(self.ID(), col).readDepth.Store(0)
	}
	return false
}

// ReadUnlockAll releases every column's read lock held by self.
func (t *Table) ReadUnlockAll(self *corethread.Thread) {
	t.unlockAllRows(self.ID())
}

func (t *Table) readMaybeLockAll(self *corethread.Thread, timeoutUs uint64) int {
	for col := uint32(0); col < Count; col++ {
		if !t.ReadLockTimeout(self, &Lock{hash: col}, timeoutUs) {
			return int(col)
		}
		self.PopCleanup(readUnlockAllCleanup, unlockAllArg{table: t, self: self})
	}
	return Count
}
