package corethread

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kolkov/corert/internal/corefault"
)

// ThreadLimit is the fixed compile-time bound on the number of
// simultaneously registered worker threads. Dynamic growth beyond this
// bound is an explicit non-goal.
const ThreadLimit = 32

// cleanupLogThreshold is the depth above which pushing a new cleanup
// record is diagnostic-logged (but not refused); it exists purely to
// surface runaway cleanup-stack growth during development.
const cleanupLogThreshold = 128

// CleanupFunc is a deferred action recorded on a thread's cleanup
// stack: it runs either when popped normally (never — normal pops
// never invoke the callback, they only assert the top matches) or
// when the stack unwinds past it on a caught soft fault.
type CleanupFunc func(arg any)

type cleanupRecord struct {
	cb  CleanupFunc // nil marks a poison record
	arg any
}

// Thread is a registered worker's handle: its dense id, its cleanup
// stack, its unwind watermark and soft-fault counters, and the
// barrier-visible flag/active bits consumed by corebarrier.
type Thread struct {
	registry          *Registry
	id                uint32
	isPreferredWorker bool

	mu                   sync.Mutex
	cleanups             []cleanupRecord
	unwindTargetSet      bool
	irrevocableCleanups  int

	consecutiveSoftErrors atomic.Uint32
	totalSoftErrors       atomic.Uint32

	// Active reports whether the thread is currently registered and
	// scheduled; Flag is the per-thread barrier rendezvous byte. Both
	// are consumed directly by corebarrier without needing to import
	// corethread's cleanup-stack machinery.
	active atomic.Bool
	flag   atomic.Bool
}

// ID returns the thread's dense registry id.
func (t *Thread) ID() uint32 { return t.id }

// IsPreferredWorker reports whether this thread was registered as a
// preferred worker (mirrors the source's is_preferred_worker flag,
// consumed by schedulers outside this core's scope).
func (t *Thread) IsPreferredWorker() bool { return t.isPreferredWorker }

// Active reports whether the thread is live. Exported for corebarrier.
func (t *Thread) Active() bool { return t.active.Load() }

// Flag reports the current barrier rendezvous flag.
func (t *Thread) Flag() bool { return t.flag.Load() }

// SetFlag sets the barrier rendezvous flag. Called by corebarrier when
// arming a pass, and by the thread itself whenever it passes through a
// quiescent point (open/close/cycle a read transaction, idle timer).
func (t *Thread) SetFlag(v bool) { t.flag.Store(v) }

// ClearFlag is shorthand for SetFlag(false), used at every quiescent
// point a worker passes through.
func (t *Thread) ClearFlag() { t.flag.Store(false) }

// Registry owns the dense id space and the thread list walked by the
// barrier.
type Registry struct {
	mu      sync.Mutex
	threads [ThreadLimit]*Thread
	free    []uint32

	maxConsecutiveSoftErrors atomic.Uint32
	maxSoftErrors            atomic.Uint32
}

// NewRegistry builds an empty registry with all ids free and soft
// fault limits effectively disabled (max uint32, i.e. "no limit" —
// callers that want the original's bounded-retry behavior should call
// SetMaxConsecutiveSoftErrors / SetMaxSoftErrors explicitly).
func NewRegistry() *Registry {
	r := &Registry{}
	r.maxConsecutiveSoftErrors.Store(^uint32(0))
	r.maxSoftErrors.Store(^uint32(0))
	for i := ThreadLimit - 1; i >= 0; i-- {
		r.free = append(r.free, uint32(i))
	}
	return r
}

// SetMaxConsecutiveSoftErrors sets the policy limit on consecutive
// recovered soft faults before the next fault is re-raised. Reset to
// zero whenever CatchSoftFault returns successfully.
func (r *Registry) SetMaxConsecutiveSoftErrors(n uint32) { r.maxConsecutiveSoftErrors.Store(n) }

// SetMaxSoftErrors sets the lifetime limit on recovered soft faults.
func (r *Registry) SetMaxSoftErrors(n uint32) { r.maxSoftErrors.Store(n) }

// Register allocates a dense id and returns a new thread handle. It
// returns an error if ThreadLimit registered threads are already live.
func (r *Registry) Register(isPreferredWorker bool) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return nil, corefault.NewInvariantError("thread.limit", "no free thread slot: %d already registered", ThreadLimit)
	}

	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	t := &Thread{
		registry:          r,
		id:                id,
		isPreferredWorker: isPreferredWorker,
	}
	t.active.Store(true)
	r.threads[id] = t
	return t, nil
}

// Deregister releases a thread's id back to the free list. The id may
// be reused by a subsequent Register call.
func (r *Registry) Deregister(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.active.Store(false)
	r.threads[t.id] = nil
	r.free = append(r.free, t.id)
}

// Snapshot returns the currently registered threads. It is taken under
// the registry lock so a Register call racing with a barrier pass
// cannot observe a half-initialized thread (see SPEC_FULL.md §9's
// decision on the "newly-registered thread missed the flip" open
// question).
func (r *Registry) Snapshot() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Thread, 0, ThreadLimit)
	for _, t := range r.threads {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// WithLock runs f while holding the registry lock, giving callers
// (corebarrier, specifically) a way to walk the thread list with the
// same mutual exclusion Register/Deregister use.
func (r *Registry) WithLock(f func(threads []*Thread)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*Thread, 0, ThreadLimit)
	for _, t := range r.threads {
		if t != nil {
			live = append(live, t)
		}
	}
	f(live)
}

// PushCleanup appends a cleanup record. Pushing above cleanupLogThreshold
// is diagnostic-logged but never refused — the backing slice simply grows.
func (t *Thread) PushCleanup(cb CleanupFunc, arg any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cleanups = append(t.cleanups, cleanupRecord{cb: cb, arg: arg})
	if len(t.cleanups) > cleanupLogThreshold {
		fmt.Fprintf(os.Stderr, "corert: thread %d cleanup stack depth %d exceeds diagnostic threshold %d\n",
			t.id, len(t.cleanups), cleanupLogThreshold)
	}
}

// PopCleanup asserts the top of the stack matches (cb, arg) — compared
// by function pointer identity and argument equality — and removes it
// without invoking the callback. A mismatch is a programming fault.
func (t *Thread) PopCleanup(cb CleanupFunc, arg any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.cleanups) == 0 {
		panic(corefault.NewInvariantError("thread.cleanup_underflow", "pop on empty cleanup stack (thread %d)", t.id))
	}
	top := t.cleanups[len(t.cleanups)-1]
	if !sameCleanupFunc(top.cb, cb) || top.arg != arg {
		panic(corefault.NewInvariantError("thread.cleanup_mismatch",
			"pop does not match top of cleanup stack (thread %d)", t.id))
	}
	t.cleanups = t.cleanups[:len(t.cleanups)-1]
}

// PushPoison pushes a sentinel cleanup record (callback absent) that
// asserts no unwind may cross it. tag is kept only for PopPoison's
// matching assertion and for diagnostics; unlike a normal cleanup it is
// never invoked.
func (t *Thread) PushPoison(tag any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanups = append(t.cleanups, cleanupRecord{cb: nil, arg: tag})
}

// PopPoison asserts the top of the stack is the poison pushed with tag
// and removes it.
func (t *Thread) PopPoison(tag any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.cleanups) == 0 {
		panic(corefault.NewInvariantError("thread.cleanup_underflow", "pop poison on empty cleanup stack (thread %d)", t.id))
	}
	top := t.cleanups[len(t.cleanups)-1]
	if top.cb != nil || top.arg != tag {
		panic(corefault.NewInvariantError("thread.poison_mismatch",
			"pop poison does not match top of cleanup stack (thread %d)", t.id))
	}
	t.cleanups = t.cleanups[:len(t.cleanups)-1]
}

// CleanupDepth returns the current cleanup stack depth, the same value
// SetupUnwind records as the watermark.
func (t *Thread) CleanupDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cleanups)
}

func sameCleanupFunc(a, b CleanupFunc) bool {
	// Go does not allow comparing arbitrary func values; corethread
	// only needs to assert "the same logical callback was pushed",
	// which every caller in this codebase satisfies by pushing and
	// popping the same package-level function or method value, whose
	// underlying code pointer is identical. Two distinct function
	// literals never match, even with identical bodies. We compare via
	// fmt's %p-style pointer formatting rather than heavier reflection
	// machinery.
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}
