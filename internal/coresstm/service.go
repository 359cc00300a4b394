package coresstm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/corert/internal/corebarrier"
	"github.com/kolkov/corert/internal/corefault"
	"github.com/kolkov/corert/internal/coresmr"
	"github.com/kolkov/corert/internal/corethread"
)

// DefaultCommitBarrierTimeout is the per-phase barrier timeout used by
// Commit when a Service is built with NewService's zero value.
const DefaultCommitBarrierTimeout = time.Second

// record is a type-erased handle onto a single write transaction's
// per-object commit-list entry, letting one Service commit writes
// against any number of Cell[T] instantiations.
type record interface {
	freeze()
	preRelease()
	publish()
	commitShadow()
	clearLink()
	releaseShadow()
}

type cellRecord[T any] struct {
	cell    *Cell[T]
	ops     Ops[T]
	shadow  *T
	release *T
}

func (r *cellRecord[T]) freeze()     { r.ops.freezeShadow(r.shadow) }
func (r *cellRecord[T]) preRelease() { r.ops.preRelease(r.release, &r.cell.Data) }
func (r *cellRecord[T]) publish() {
	r.cell.link.Store(&linkState[T]{tag: tagPublished, shadow: r.shadow, release: r.release})
}
func (r *cellRecord[T]) commitShadow()  { r.ops.commitShadow(&r.cell.Data, r.shadow) }
func (r *cellRecord[T]) clearLink()     { r.cell.link.Store(nil) }
func (r *cellRecord[T]) releaseShadow() { r.ops.release(r.release) }

// trivialRecord is a write made in place (no shadow buffer); it still
// needs freezeShadow applied to the live object between the two
// commit barriers. It has no Phase 3 release step.
type trivialRecord interface {
	freeze()
}

type trivialCellRecord[T any] struct {
	cell *Cell[T]
	ops  Ops[T]
}

func (r *trivialCellRecord[T]) freeze() { r.ops.freezeShadow(&r.cell.Data) }

type cleanupEntry struct {
	cb  func(arg any)
	arg any
}

type threadState struct {
	readMask mask
	writing  bool

	commitList  []record
	trivialList []trivialRecord
	cleanups    []cleanupEntry
}

const writerPoisonTag = "coresstm.write-transaction"

// Service is the process-wide single-writer STM coordinator.
type Service struct {
	registry *corethread.Registry
	barrier  *corebarrier.Barrier
	smr      *coresmr.Service

	commitBarrierTimeout time.Duration
	commitInProgress     atomic.Bool
	writerCount          atomic.Int32
	deferredKeySeq       atomic.Uint64

	mu      sync.Mutex
	threads map[uint32]*threadState
}

// NewService wires an STM coordinator to the registry, barrier and SMR
// service it synchronizes through. A zero commitBarrierTimeout uses
// DefaultCommitBarrierTimeout.
func NewService(registry *corethread.Registry, barrier *corebarrier.Barrier, smr *coresmr.Service, commitBarrierTimeout time.Duration) *Service {
	if commitBarrierTimeout == 0 {
		commitBarrierTimeout = DefaultCommitBarrierTimeout
	}
	return &Service{
		registry:             registry,
		barrier:              barrier,
		smr:                  smr,
		commitBarrierTimeout: commitBarrierTimeout,
		threads:              make(map[uint32]*threadState),
	}
}

func (s *Service) stateFor(id uint32) *threadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.threads[id]
	if !ok {
		ts = &threadState{}
		s.threads[id] = ts
	}
	return ts
}

// RegisterThread adds t to the STM subsystem with a clean read_mask.
func (s *Service) RegisterThread(t *corethread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID()] = &threadState{}
}

// DeregisterThread removes t's STM state.
func (s *Service) DeregisterThread(t *corethread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, t.ID())
}

// CommitInProgress reports the process-wide commit_in_progress flag,
// exposed for diagnostics and tests; Read never consults it directly,
// since the per-object link tag alone determines what a reader sees.
func (s *Service) CommitInProgress() bool { return s.commitInProgress.Load() }

// OpenReadTransaction sets the calling thread up for reads. There must
// be no outstanding read or write transaction already open on t.
func (s *Service) OpenReadTransaction(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	if ts.readMask != maskNone {
		panic(corefault.NewInvariantError("coresstm.read_reentry", "thread %d already has an open transaction", t.ID()))
	}
	ts.readMask = maskReader
	t.ClearFlag()
	s.smr.Begin(t)
}

// CloseReadTransaction ends the calling thread's read-only section.
func (s *Service) CloseReadTransaction(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	if ts.readMask != maskReader {
		panic(corefault.NewInvariantError("coresstm.read_unbalanced", "thread %d has no open read transaction", t.ID()))
	}
	ts.readMask = maskNone
	t.ClearFlag()
	s.smr.End(t)
}

// CycleReadTransaction closes the current read section, if any, and
// reopens a fresh one.
func (s *Service) CycleReadTransaction(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	if ts.readMask == maskReader {
		ts.readMask = maskNone
		s.smr.End(t)
	}
	t.ClearFlag()
	ts.readMask = maskReader
	s.smr.Begin(t)
}

// OpenWriteTransaction sets the calling thread up for writes,
// enforcing the single-writer invariant with a CAS on the process-wide
// writer count. A poison frame is pushed onto the thread's cleanup
// stack so that a soft fault unwinding through an open write
// transaction is forced to re-raise rather than silently discard
// half-published writer state.
func (s *Service) OpenWriteTransaction(t *corethread.Thread, trivial bool) error {
	if !s.writerCount.CompareAndSwap(0, 1) {
		return corefault.NewInvariantError("coresstm.writer_busy", "a write transaction is already open in this process")
	}
	ts := s.stateFor(t.ID())
	if ts.readMask != maskNone || ts.writing {
		s.writerCount.Store(0)
		return corefault.NewInvariantError("coresstm.write_reentry", "thread %d already has an open transaction", t.ID())
	}
	ts.readMask = maskWriter
	ts.writing = true
	t.PushPoison(writerPoisonTag)
	_ = trivial // trivial only changes which Write* helper callers use; bookkeeping is identical here.
	return nil
}

// Read opens object for reads: the identity outside any transaction,
// the writer's own installed shadow during its transaction, or the
// published shadow once a commit has reached Phase 1.
func Read[T any](s *Service, t *corethread.Thread, c *Cell[T]) *T {
	ts := s.stateFor(t.ID())
	return read(c, ts.readMask)
}

// Write opens object for writes. Outside a write transaction this is
// Read. Inside one, it installs (or reuses) a private shadow copy and
// returns it for the writer to mutate freely.
func Write[T any](s *Service, t *corethread.Thread, c *Cell[T], ops Ops[T]) *T {
	ts := s.stateFor(t.ID())
	if !ts.writing {
		return read(c, ts.readMask)
	}

	if existing := c.link.Load(); existing != nil {
		return existing.shadow
	}

	shadow := new(T)
	release := new(T)
	ops.initShadow(shadow, &c.Data)
	ops.thawShadow(shadow)

	rec := &cellRecord[T]{cell: c, ops: ops, shadow: shadow, release: release}
	ts.commitList = append(ts.commitList, rec)
	c.link.Store(&linkState[T]{tag: tagWriterOnly, shadow: shadow})
	return shadow
}

// WriteTrivial opens object for an in-place write: no shadow buffer is
// allocated, the writer mutates Data directly, and the object is only
// tracked so that ops.FreezeShadow runs on it between the two commit
// barriers (a non-trivial object's shadow is frozen earlier, in Phase 1,
// before the first barrier).
func WriteTrivial[T any](s *Service, t *corethread.Thread, c *Cell[T], ops Ops[T]) *T {
	ts := s.stateFor(t.ID())
	if !ts.writing {
		return read(c, ts.readMask)
	}
	ts.trivialList = append(ts.trivialList, &trivialCellRecord[T]{cell: c, ops: ops})
	return &c.Data
}

// Call schedules cb to run after the current write transaction
// commits (Phase 3), or immediately if no write transaction is open.
//
// This deliberately narrows the source's sstm_call_size, which also
// accepts a size and, when non-zero, copies arg's pointee into the
// cleanup record immediately so the caller may free the original
// storage before Phase 3 runs. Call has no copy step: arg is stored and
// handed back to cb as-is. This is transparent when arg is itself a
// value (the common case in Go, where a struct or primitive is passed
// by value rather than by pointer), but a caller that passes a pointer
// to storage it frees or mutates before the deferred cb runs loses the
// copy the source guaranteed — such a caller must copy arg itself
// before calling Call.
func (s *Service) Call(t *corethread.Thread, cb func(arg any), arg any) {
	ts := s.stateFor(t.ID())
	if !ts.writing {
		cb(arg)
		return
	}
	ts.cleanups = append(ts.cleanups, cleanupEntry{cb: cb, arg: arg})
}

// Commit atomically publishes every write made since OpenWriteTransaction,
// in the documented three phases, and reports whether any Cell was
// written (false for a transaction that only scheduled deferred Call
// cleanups). Deferred cleanups run via Phase 3 regardless of this
// return value.
func (s *Service) Commit(t *corethread.Thread) bool {
	ts := s.stateFor(t.ID())
	if !ts.writing {
		panic(corefault.NewInvariantError("coresstm.commit_without_write", "thread %d has no open write transaction", t.ID()))
	}

	hadWork := len(ts.commitList) > 0 || len(ts.trivialList) > 0

	if hadWork {
		for _, rec := range ts.commitList {
			rec.freeze()
			rec.preRelease()
			rec.publish()
		}
		s.commitInProgress.Store(true)
		s.barrier.Run(t, uint64(s.commitBarrierTimeout.Microseconds()))

		for _, rec := range ts.commitList {
			rec.commitShadow()
			rec.clearLink()
		}
		for _, rec := range ts.trivialList {
			rec.freeze()
		}
		s.commitInProgress.Store(false)
		s.barrier.Run(t, uint64(s.commitBarrierTimeout.Microseconds()))
	}

	// Phase 3 cleanups must run on every commit, including one with an
	// empty commit list: a writer may open a transaction purely to
	// schedule a deferred Call without ever touching a Cell.
	s.scheduleRelease(t, ts.commitList, ts.cleanups)

	ts.commitList = nil
	ts.trivialList = nil
	ts.cleanups = nil
	ts.writing = false
	ts.readMask = maskNone
	t.PopPoison(writerPoisonTag)
	s.writerCount.Store(0)
	return hadWork
}

// scheduleRelease defers Phase 3 through SMR: ops.Release for every
// committed record, then the cleanup stack, LIFO. The key is a
// synthetic, monotonically increasing id rather than a real pointer —
// coresmr only ever uses it to find this batch again, never to
// dereference it.
func (s *Service) scheduleRelease(t *corethread.Thread, committed []record, cleanups []cleanupEntry) {
	key := uintptr(s.deferredKeySeq.Add(1))
	s.smr.Call(t, key, func(uintptr) {
		for _, rec := range committed {
			rec.releaseShadow()
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i].cb(cleanups[i].arg)
		}
	})
}
