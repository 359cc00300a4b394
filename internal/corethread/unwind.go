package corethread

import (
	"fmt"
	"os"

	"github.com/kolkov/corert/internal/corefault"
)

// SetupUnwind records the current cleanup-stack depth as the watermark
// that a caught soft fault unwinds back down to. It is the Go-idiomatic
// replacement (per SPEC_FULL.md §9) for the source's sigsetjmp call:
// there is no jump target to store, because CatchSoftFault relies on
// Go's own panic/recover to perform the actual unwind.
func (t *Thread) SetupUnwind() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.unwindTargetSet {
		panic(corefault.NewInvariantError("thread.unwind_already_set", "SetupUnwind called while already armed (thread %d)", t.id))
	}
	t.unwindTargetSet = true
	t.irrevocableCleanups = len(t.cleanups)
	if len(t.cleanups) > cleanupLogThreshold {
		fmt.Fprintf(os.Stderr, "corert: thread %d setup_unwind with %d cleanups already on the stack\n", t.id, len(t.cleanups))
	}
}

// ClearUnwind disarms the watermark set by SetupUnwind on the success
// path (no fault occurred). It asserts the cleanup stack returned
// exactly to the watermark and resets the consecutive-soft-error
// counter, mirroring the source's an_thread_clear_unwind.
func (t *Thread) ClearUnwind() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.unwindTargetSet {
		panic(corefault.NewInvariantError("thread.unwind_not_set", "ClearUnwind called without a matching SetupUnwind (thread %d)", t.id))
	}
	if len(t.cleanups) != t.irrevocableCleanups {
		panic(corefault.NewInvariantError("thread.unwind_depth_mismatch",
			"cleanup depth %d does not match watermark %d on clear (thread %d)", len(t.cleanups), t.irrevocableCleanups, t.id))
	}
	t.unwindTargetSet = false
	t.irrevocableCleanups = 0
	t.consecutiveSoftErrors.Store(0)
}

// hasPoison reports whether any cleanup record currently on the stack
// is a poison marker, regardless of its position relative to the
// watermark — matching the source's scan of the *entire* cleanup array
// before deciding whether to recover or re-raise.
func (t *Thread) hasPoison() bool {
	for _, c := range t.cleanups {
		if c.cb == nil {
			return true
		}
	}
	return false
}

// unwindToWatermark pops and invokes cleanups LIFO down to the
// recorded watermark. Callers must hold t.mu.
func (t *Thread) unwindToWatermark() {
	for len(t.cleanups) > t.irrevocableCleanups {
		top := t.cleanups[len(t.cleanups)-1]
		t.cleanups = t.cleanups[:len(t.cleanups)-1]
		if top.cb != nil {
			top.cb(top.arg)
		}
	}
}

// CatchSoftFault is the explicit primitive called out in SPEC_FULL.md
// §9 as the structured replacement for the source's
// sigsetjmp/siglongjmp soft-error handler. It arms an unwind watermark,
// runs f, and if f panics with a *corefault.SoftFault:
//
//   - if a poison cleanup is present anywhere on the stack, or the
//     consecutive/lifetime soft-fault limits have been exceeded, the
//     fault is re-raised (re-panicked) with the default disposition,
//     exactly as the source's handler falls through to `pass:`;
//   - otherwise cleanups are unwound LIFO down to the watermark and the
//     fault is returned as a plain error, exactly as the source resumes
//     execution at the sigsetjmp point.
//
// Panics that are not *corefault.SoftFault propagate unchanged: only
// faults explicitly raised as soft faults are eligible for recovery.
func (t *Thread) CatchSoftFault(f func() error) (err error) {
	t.SetupUnwind()

	defer func() {
		r := recover()
		if r == nil {
			t.ClearUnwind()
			return
		}

		sf, ok := r.(*corefault.SoftFault)
		if !ok {
			// Not a recognized soft fault: disarm bookkeeping so a
			// later CatchSoftFault on this thread is not left wedged,
			// then propagate unchanged (mirrors an unrecognized
			// si_code being passed straight through in the source).
			t.mu.Lock()
			t.unwindTargetSet = false
			t.irrevocableCleanups = 0
			t.mu.Unlock()
			panic(r)
		}

		t.mu.Lock()
		poisoned := t.hasPoison()
		consecutive := t.consecutiveSoftErrors.Add(1)
		total := t.totalSoftErrors.Add(1)
		exceeded := consecutive > t.registry.maxConsecutiveSoftErrors.Load() ||
			total > t.registry.maxSoftErrors.Load()

		if poisoned || exceeded {
			t.unwindTargetSet = false
			t.irrevocableCleanups = 0
			t.mu.Unlock()
			panic(&corefault.Poison{Fault: sf})
		}

		t.unwindToWatermark()
		t.unwindTargetSet = false
		t.irrevocableCleanups = 0
		t.mu.Unlock()

		err = sf
	}()

	err = f()
	return err
}

// ConsecutiveSoftErrors returns the current consecutive-fault counter,
// optionally clearing it (mirrors the source's clear-on-read getter).
func (t *Thread) ConsecutiveSoftErrors(clear bool) uint32 {
	if clear {
		return t.consecutiveSoftErrors.Swap(0)
	}
	return t.consecutiveSoftErrors.Load()
}

// TotalSoftErrors returns the lifetime fault counter, optionally
// clearing it.
func (t *Thread) TotalSoftErrors(clear bool) uint32 {
	if clear {
		return t.totalSoftErrors.Swap(0)
	}
	return t.totalSoftErrors.Load()
}
