// Package coreclock provides the monotonic tick source consumed by the
// cross-thread barrier and the big-reader lock's timeout path. It is
// the Go-idiomatic grounding for the source's an_md_rdtsc /
// an_md_us_to_rdtsc inline-assembly timestamp counter: rather than
// reading a CPU cycle counter, it wraps
// golang.org/x/sys/unix.ClockGettime(CLOCK_MONOTONIC), which is
// portable across the architectures Go targets and just as suitable
// for translating a microsecond budget into a "have we timed out yet"
// check.
package coreclock

import (
	"time"

	"golang.org/x/sys/unix"
)

// Ticks is a monotonic timestamp in nanoseconds since an arbitrary
// epoch. Only differences between two Ticks values are meaningful.
type Ticks uint64

// Source is a monotonic clock. Production code uses Monotonic; tests
// use FakeSource for deterministic timeout behavior.
type Source interface {
	Now() Ticks
}

// Monotonic reads CLOCK_MONOTONIC via golang.org/x/sys/unix.
type Monotonic struct{}

// Now returns the current monotonic tick count in nanoseconds.
func (Monotonic) Now() Ticks {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is effectively guaranteed to exist on every
		// platform unix.ClockGettime supports; a failure here means
		// the host is badly broken. Fall back to the wall clock rather
		// than returning a useless zero, matching the "never block
		// forever on a clock failure" spirit of the timeout contracts
		// this feeds.
		return Ticks(time.Now().UnixNano())
	}
	return Ticks(ts.Nano())
}

// UsToTicks translates a microsecond duration into the same unit Now
// returns (nanoseconds), mirroring an_md_us_to_rdtsc's role of
// translating a timeout_us argument into a tick budget.
func UsToTicks(us uint64) Ticks {
	return Ticks(us * 1000)
}

// Elapsed returns how many ticks have passed since begin, given the
// current reading now. It is defined on Ticks rather than as a Source
// method so callers can compute it without re-reading the clock.
func Elapsed(begin, now Ticks) Ticks {
	if now < begin {
		return 0
	}
	return now - begin
}

// FakeSource is a test double for Source: Now returns the current
// value of the embedded counter, and tests advance it explicitly with
// Advance instead of sleeping.
type FakeSource struct {
	now Ticks
}

// NewFakeSource builds a FakeSource starting at tick 0.
func NewFakeSource() *FakeSource { return &FakeSource{} }

// Now returns the fake clock's current reading.
func (f *FakeSource) Now() Ticks { return f.now }

// Advance moves the fake clock forward by delta ticks.
func (f *FakeSource) Advance(delta Ticks) { f.now += delta }
