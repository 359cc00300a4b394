// Package corethread assigns dense integer ids to registered worker
// threads and maintains, per thread, a cleanup stack used both by
// scoped acquisitions (push on acquire, pop on release) and by
// soft-fault unwinding (run cleanups down to a watermark).
//
// There is no hidden thread-local storage here: every operation takes
// an explicit *Thread handle returned by Register. Callers that need a
// goroutine-local handle should store it themselves (e.g. in a
// goroutine-scoped closure or a context.Context value); corethread
// does not attempt to recover it by inspecting the runtime.
package corethread
