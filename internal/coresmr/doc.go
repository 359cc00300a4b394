// Package coresmr implements safe memory reclamation: per-thread
// reader critical sections ("begin"/"end"), a per-thread pending table
// of deferred callbacks keyed by pointer identity (to detect
// double-free), and poll/synchronize entry points that dispatch a
// thread's pending table once no section of that thread could still
// observe the freed state.
//
// This port does not implement a separate epoch-based or time-based
// quiescence detector distinct from the reader-section counters
// described in SPEC_FULL.md §4.C: poll and synchronize both dispatch
// the currently-shipped pending table unconditionally (as if the
// detector always reports quiescent), because the core's actual
// quiescence guarantee — the cross-thread barrier plus each worker's
// single-threaded cooperative scheduling — is enforced by corebarrier
// and corethread, not by coresmr itself. coresmr's job is strictly the
// pending-table bookkeeping and double-free detection described above.
package coresmr
