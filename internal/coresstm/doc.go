// Package coresstm implements an object-level software transactional
// memory for a single writer. Reads are wait-free and atomic with
// respect to the one write transaction the process may have open at a
// time; writers install a private shadow copy of each object they
// touch, then publish it behind two cross-thread barrier calls so
// that every reader has either observed the shadow or will, and
// release of the superseded state is deferred through safe memory
// reclamation.
//
// Where the source packs a 2-bit tag into the low bits of a raw
// pointer (ABI alignment guarantees those bits are free), this port
// keeps the tag and the shadow pointer as separate fields of an
// immutable linkState published through an atomic.Pointer: the
// observable state machine (no shadow / writer-only shadow /
// published shadow) and its interaction with a reader's read_mask are
// identical, just without the bit-packing trick that exists purely to
// save a load.
package coresstm
