// Package corepool implements the transactional pool allocator: per-
// thread bump-pointer arenas ("epochs") organized as a FIFO of open
// epochs, reference-counted by open transactions, with large
// allocations escaping to a plain Go allocation that is tied to the
// enclosing epoch's cleanup list.
//
// Because Go is garbage collected, "freeing" an epoch's backing buffer
// is simply dropping the last reference to it (or, for bounded reuse,
// returning it to a per-thread freelist); there is no manual unmap.
// The pool-ownership bitmap and the synthetic region ids it tracks
// exist to preserve the source's observable invariants (a pointer is
// either "pool-owned" or not) even though this port has no raw address
// space to range-check against — see SPEC_FULL.md §9's decision on
// this point.
package corepool
