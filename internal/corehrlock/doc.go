// Package corehrlock implements a single-writer, many-big-reader lock:
// readers and the one permitted writer for a given table never touch
// the same byte, because each reader owns its own row of a
// THREAD_LIMIT x Count matrix and the writer only ever writes the
// write_depth column, never a reader's read_depth.
//
// Multiple logical locks can share one table (a lock is just a 32-bit
// hash seed that picks a column); this is only safe because a table
// has exactly one writer thread across all the locks it backs, and
// because two locks backed by the same table must never be acquired
// while holding one another (they may collide on the same column).
package corehrlock
