// Package core provides the public API for the corert runtime core:
// the thread registry, cross-thread barrier, safe memory reclamation,
// transactional pool allocator, single-writer STM and big-reader lock
// that back a multi-threaded server runtime's concurrency and memory
// management.
//
// See doc comments on Config and Runtime for how the pieces are wired
// together, and the internal/core* packages for each subsystem's full
// documentation.
package core
