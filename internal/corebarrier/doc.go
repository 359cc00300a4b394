// Package corebarrier implements the flag-based cross-thread rendezvous
// used by the single-writer STM's commit protocol: a coordinator (the
// committing writer) sets every active worker's flag, then polls each
// one until it observes the flag cleared, the worker gone inactive, or
// the worker's SMR record reporting no active reader section.
//
// Each worker is expected to clear its own flag at every quiescent
// point it passes through — opening, closing, or cycling a read
// transaction, and an idle periodic timer — so that even a worker with
// no request traffic clears its flag within one timer period.
package corebarrier
