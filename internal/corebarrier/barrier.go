package corebarrier

import (
	"runtime"
	"time"

	"github.com/kolkov/corert/internal/coreclock"
	"github.com/kolkov/corert/internal/corethread"
)

// DefaultPeriod is the default interval at which a worker's idle timer
// clears its own flag and cycles any stuck read transaction, matching
// the source's AN_SSTM_PERIOD_USEC default of 500ms.
const DefaultPeriod = 500 * time.Millisecond

// DefaultCommitTimeout is one second, the commit barrier timeout the
// source hardcodes. The STM commit path does not read this constant: it
// passes its own Service's timeout (coresstm.DefaultCommitBarrierTimeout
// unless configured otherwise) to Run.
const DefaultCommitTimeout = time.Second

// SMRActive reports whether a thread currently has an active SMR
// critical section (a read transaction open). The barrier treats an
// SMR-inactive thread as having implicitly passed through a quiescent
// point, even if it never explicitly cleared its flag. Implemented by
// coresmr.Service without either package importing the other.
type SMRActive interface {
	Active(threadID uint32) bool
}

// Barrier coordinates rendezvous passes over a thread registry.
type Barrier struct {
	registry *corethread.Registry
	smr      SMRActive
	clock    coreclock.Source
}

// New builds a Barrier. smr may be nil, in which case the barrier
// relies solely on each thread's flag and active bit (useful for
// testing corebarrier in isolation from coresmr).
func New(registry *corethread.Registry, smr SMRActive, clock coreclock.Source) *Barrier {
	return &Barrier{registry: registry, smr: smr, clock: clock}
}

// Run executes one barrier pass: arm every active thread's flag, then
// poll each thread other than self until it clears its flag, goes
// inactive, or reports an inactive SMR section. It returns false if
// timeoutUs elapses before every thread has been observed; a timeout
// is not an error, callers proceed as if the pass completed (see
// SPEC_FULL.md §7's barrier-timeout error-handling design).
//
// self may be nil when the caller is not itself a registered worker.
func (b *Barrier) Run(self *corethread.Thread, timeoutUs uint64) bool {
	begin := b.clock.Now()
	budget := coreclock.UsToTicks(timeoutUs)

	var threads []*corethread.Thread
	b.registry.WithLock(func(ts []*corethread.Thread) {
		threads = append(threads, ts...)
	})

	// Step 1: store-load fence. Go's atomic.Bool operations already
	// carry the necessary memory ordering; there is no separate fence
	// primitive to issue.

	// Step 2: arm every active thread's flag.
	for _, t := range threads {
		if t.Active() {
			t.SetFlag(true)
		}
	}

	// Step 3: poll each thread other than self.
	for _, t := range threads {
		if self != nil && t.ID() == self.ID() {
			continue
		}
		for {
			smrInactive := b.smr != nil && !b.smr.Active(t.ID())
			if !t.Active() || !t.Flag() || smrInactive {
				t.ClearFlag()
				break
			}
			if budget != 0 && coreclock.Elapsed(begin, b.clock.Now()) >= budget {
				return false
			}
			runtime.Gosched()
		}
	}

	return true
}

// WorkerTimer periodically clears a worker's own flag and invokes
// cycleStuckRead (the worker's hook into
// coresstm.Service.CycleReadTransaction), matching
// the source's timer_observe_callback. Stop releases the underlying
// ticker; callers should defer it when the worker deregisters.
type WorkerTimer struct {
	stop chan struct{}
}

// StartWorkerTimer starts a periodic timer for self. It fires at
// period (DefaultPeriod if period is zero), clearing self's flag and
// invoking cycleStuckRead on each tick.
func StartWorkerTimer(self *corethread.Thread, period time.Duration, cycleStuckRead func()) *WorkerTimer {
	if period <= 0 {
		period = DefaultPeriod
	}
	wt := &WorkerTimer{stop: make(chan struct{})}
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-wt.stop:
				return
			case <-ticker.C:
				self.ClearFlag()
				if cycleStuckRead != nil {
					cycleStuckRead()
				}
			}
		}
	}()
	return wt
}

// Stop terminates the worker's periodic timer goroutine.
func (wt *WorkerTimer) Stop() {
	close(wt.stop)
}
