package coresmr

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/kolkov/corert/internal/corethread"
)

// Null and Dispatched are the two distinguished pointer values that,
// per SPEC_FULL.md §4.C, are invoked immediately rather than inserted
// into the pending table.
const (
	Null       uintptr = 0
	Dispatched uintptr = math.MaxUint64
)

// CallbackFunc is invoked when a deferred pointer becomes reclaimable.
type CallbackFunc func(ptr uintptr)

// TokenFreeFunc is the allocator hook used to dispatch entries
// registered through FreeByToken.
type TokenFreeFunc func(token uint32, ptr uintptr)

type pendingEntry struct {
	cb       CallbackFunc
	isToken  bool
	token    uint32
}

type threadState struct {
	mu           sync.Mutex
	pending      map[uintptr]pendingEntry
	sectionDepth int
	pauseDepth   int

	nPending  uint64
	nDispatch uint64
	nPeak     uint64
}

func newThreadState() *threadState {
	return &threadState{pending: make(map[uintptr]pendingEntry)}
}

// Service is the SMR service shared by a thread registry. One Service
// typically backs an entire process; per-thread state is held in a map
// keyed by thread id (bounded by corethread.ThreadLimit).
type Service struct {
	mu         sync.Mutex
	states     map[uint32]*threadState
	freeByTok  TokenFreeFunc
}

// NewService builds an SMR service. freeByToken is the allocator
// callback invoked for entries registered via FreeByToken; it may be
// nil if the caller never uses FreeByToken.
func NewService(freeByToken TokenFreeFunc) *Service {
	return &Service{states: make(map[uint32]*threadState), freeByTok: freeByToken}
}

func (s *Service) stateFor(id uint32) *threadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.states[id]
	if !ok {
		ts = newThreadState()
		s.states[id] = ts
	}
	return ts
}

// Active reports whether the given thread currently has an open
// section. It implements corebarrier.SMRActive without either package
// importing the other.
func (s *Service) Active(threadID uint32) bool {
	s.mu.Lock()
	ts, ok := s.states[threadID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.sectionDepth > 0
}

const sectionCleanupTag = "coresmr.section"

// Begin marks a reader critical section active for t. Sections nest:
// only the outermost Begin pushes a cleanup record onto t's cleanup
// stack, so that a soft fault caught mid-section still unwinds the
// section via End.
func (s *Service) Begin(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	ts.sectionDepth++
	outermost := ts.sectionDepth == 1
	ts.mu.Unlock()

	if outermost {
		t.PushCleanup(s.sectionCleanup, t)
	}
}

// sectionCleanup is the cleanup record Begin pushes and End pops. It is
// a method value so that the push and the pop hand PopCleanup the same
// function.
func (s *Service) sectionCleanup(arg any) {
	s.endInner(arg.(*corethread.Thread))
}

// End closes one level of a reader critical section opened with Begin.
func (s *Service) End(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	outermost := ts.sectionDepth == 1
	ts.mu.Unlock()

	if outermost {
		t.PopCleanup(s.sectionCleanup, t)
	}
	s.endInner(t)
}

func (s *Service) endInner(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.sectionDepth == 0 {
		return
	}
	ts.sectionDepth--
}

// Call enqueues cb to run on ptr once ptr is reclaimable. If ptr is
// already pending on this thread, the duplicate call is dropped and a
// double-free diagnostic is logged. Null and Dispatched invoke cb
// immediately.
func (s *Service) Call(t *corethread.Thread, ptr uintptr, cb CallbackFunc) {
	if ptr == Null || ptr == Dispatched {
		cb(ptr)
		return
	}

	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.pending[ptr]; exists {
		fmt.Fprintf(os.Stderr, "corert: double SMR free detected for pointer %#x on thread %d\n", ptr, t.ID())
		return
	}
	ts.pending[ptr] = pendingEntry{cb: cb}
	ts.nPending++
	if ts.nPending > ts.nPeak {
		ts.nPeak = ts.nPending
	}
}

// FreeByToken enqueues a typed free: on dispatch, the allocator's
// freeByToken hook is invoked with token and ptr instead of an
// arbitrary callback.
func (s *Service) FreeByToken(t *corethread.Thread, token uint32, ptr uintptr) {
	if ptr == Null || ptr == Dispatched {
		if s.freeByTok != nil {
			s.freeByTok(token, ptr)
		}
		return
	}

	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.pending[ptr]; exists {
		fmt.Fprintf(os.Stderr, "corert: double SMR free detected for pointer %#x on thread %d\n", ptr, t.ID())
		return
	}
	ts.pending[ptr] = pendingEntry{isToken: true, token: token}
	ts.nPending++
	if ts.nPending > ts.nPeak {
		ts.nPeak = ts.nPending
	}
}

// Poll returns false without doing anything if reclamation is paused
// for t. Otherwise it ships the current pending table (replacing it
// with an empty one) and dispatches the shipped table, returning true.
func (s *Service) Poll(t *corethread.Thread) bool {
	ts := s.stateFor(t.ID())

	ts.mu.Lock()
	if ts.pauseDepth > 0 {
		ts.mu.Unlock()
		fmt.Fprintf(os.Stderr, "corert: SMR poll skipped on thread %d: reclamation paused\n", t.ID())
		return false
	}
	shipped := ts.pending
	ts.pending = make(map[uintptr]pendingEntry)
	ts.mu.Unlock()

	s.dispatch(ts, shipped)
	return true
}

// Synchronize ships t's pending table and returns once it is fully
// reclaimed. Like Poll, it is a logged no-op while reclamation is paused
// for t. This port dispatches synchronously in both cases, so
// Synchronize and Poll differ only in Synchronize reporting no result.
func (s *Service) Synchronize(t *corethread.Thread) {
	ts := s.stateFor(t.ID())

	ts.mu.Lock()
	if ts.pauseDepth > 0 {
		ts.mu.Unlock()
		fmt.Fprintf(os.Stderr, "corert: SMR synchronize skipped on thread %d: reclamation paused\n", t.ID())
		return
	}
	shipped := ts.pending
	ts.pending = make(map[uintptr]pendingEntry)
	ts.mu.Unlock()

	s.dispatch(ts, shipped)
}

func (s *Service) dispatch(ts *threadState, shipped map[uintptr]pendingEntry) {
	for ptr, e := range shipped {
		if e.isToken {
			if s.freeByTok != nil {
				s.freeByTok(e.token, ptr)
			}
		} else if e.cb != nil {
			e.cb(ptr)
		}
	}

	ts.mu.Lock()
	ts.nDispatch += uint64(len(shipped))
	if ts.nPending >= uint64(len(shipped)) {
		ts.nPending -= uint64(len(shipped))
	} else {
		ts.nPending = 0
	}
	ts.mu.Unlock()
}

// Pause increments t's pause depth; polls and synchronizes are no-ops
// while the depth is above zero.
func (s *Service) Pause(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	ts.pauseDepth++
	ts.mu.Unlock()
}

// Resume decrements t's pause depth. Reaching zero triggers an
// implicit Poll.
func (s *Service) Resume(t *corethread.Thread) {
	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	if ts.pauseDepth > 0 {
		ts.pauseDepth--
	}
	hitZero := ts.pauseDepth == 0
	ts.mu.Unlock()

	if hitZero {
		s.Poll(t)
	}
}

// PauseDepth returns t's current pause depth, for diagnostics/tests.
func (s *Service) PauseDepth(t *corethread.Thread) int {
	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.pauseDepth
}

// NPending returns the number of entries currently queued (not yet
// dispatched) for t.
func (s *Service) NPending(t *corethread.Thread) uint64 {
	ts := s.stateFor(t.ID())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.nPending
}
