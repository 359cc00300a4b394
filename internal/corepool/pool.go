package corepool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/corert/internal/corethread"
)

// Manager owns the process-wide ownership bitmap and the synthetic
// region-id sequence shared by every thread's pool.
type Manager struct {
	bitmap               *Bitmap
	regionSeq            atomic.Uint64
	reclaimedEpochsLimit int

	mu      sync.Mutex
	threads map[uint32]*ThreadPool
}

// NewManager builds a pool manager. reclaimedEpochsLimit of 0 disables
// epoch reuse entirely (SPEC_FULL.md §9 records this as an explicitly
// tested open question, not just an assumption).
func NewManager(reclaimedEpochsLimit int) *Manager {
	return &Manager{
		bitmap:               NewBitmap(),
		reclaimedEpochsLimit: reclaimedEpochsLimit,
		threads:              make(map[uint32]*ThreadPool),
	}
}

// Bitmap returns the shared ownership bitmap, exposed for tests and
// for the free-path ownership check.
func (m *Manager) Bitmap() *Bitmap { return m.bitmap }

// ForThread returns (creating if necessary) the ThreadPool for t.
func (m *Manager) ForThread(t *corethread.Thread) *ThreadPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.threads[t.ID()]
	if !ok {
		tp = &ThreadPool{manager: m, poolEnabled: true, poolAllowed: true}
		m.threads[t.ID()] = tp
	}
	return tp
}

// Transaction is the opaque handle returned by TransactionOpen: a
// reference-count hold on the epoch that was current ("tail") at open
// time.
type Transaction struct {
	epoch *Epoch
}

// Epoch returns the epoch this transaction was opened against.
func (txn *Transaction) Epoch() *Epoch { return txn.epoch }

// Scope is the saved state returned by PoolOpen, restored by PoolClose.
type Scope struct {
	savedEnabled bool
	savedAllowed bool
	txn          *Transaction
}

// Txn returns the transaction opened by the PoolOpen call that
// produced this scope.
func (s *Scope) Txn() *Transaction { return s.txn }

// ThreadPool is the per-thread pool-allocation state: the open-epoch
// FIFO, the bounded reclaimed-epoch freelist, and the pool-usage
// policy booleans.
type ThreadPool struct {
	manager *Manager

	mu          sync.Mutex
	openEpochs  []*Epoch
	reclaimed   []*Epoch
	poolEnabled bool
	poolAllowed bool
}

// PoolEnabled and PoolAllowed report the thread's current malloc_state
// booleans, for diagnostics and tests.
func (tp *ThreadPool) PoolEnabled() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.poolEnabled
}

func (tp *ThreadPool) PoolAllowed() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.poolAllowed
}

// OpenEpochs returns a snapshot of the thread's currently open epochs,
// oldest first, for tests and diagnostics.
func (tp *ThreadPool) OpenEpochs() []*Epoch {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	out := make([]*Epoch, len(tp.openEpochs))
	copy(out, tp.openEpochs)
	return out
}

// newEpochLocked creates or reuses an epoch and registers (or
// re-registers) its region in the ownership bitmap. Callers must hold
// tp.mu.
func (tp *ThreadPool) newEpochLocked() *Epoch {
	if len(tp.reclaimed) > 0 {
		e := tp.reclaimed[len(tp.reclaimed)-1]
		tp.reclaimed = tp.reclaimed[:len(tp.reclaimed)-1]
		e.reset()
		tp.manager.bitmap.SetOwned(e.regionID)
		e.created = time.Now()
		return e
	}

	e := &Epoch{
		regionID: tp.manager.regionSeq.Add(1),
		buf:      make([]byte, EpochSize),
		created:  time.Now(),
	}
	tp.manager.bitmap.SetOwned(e.regionID)
	return e
}

// reclaimOldestLocked destroys every epoch at the head of the FIFO
// whose refcount has reached zero, stopping at the first epoch that is
// still referenced. Callers must hold tp.mu.
func (tp *ThreadPool) reclaimOldestLocked() {
	for len(tp.openEpochs) > 0 && atomic.LoadInt64(&tp.openEpochs[0].refcount) == 0 {
		e := tp.openEpochs[0]
		tp.openEpochs = tp.openEpochs[1:]
		e.runCleanups()
		tp.manager.bitmap.ClearOwned(e.regionID)
		if tp.manager.reclaimedEpochsLimit > 0 && len(tp.reclaimed) < tp.manager.reclaimedEpochsLimit {
			tp.reclaimed = append(tp.reclaimed, e)
		}
	}
}

// TransactionOpen implements the pool allocator's transaction_open:
// reclaim what can be reclaimed, ensure a tail epoch exists, bump its
// refcount, and return a handle to it.
func (tp *ThreadPool) TransactionOpen() *Transaction {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.reclaimOldestLocked()
	if len(tp.openEpochs) == 0 {
		tp.openEpochs = append(tp.openEpochs, tp.newEpochLocked())
	}
	tail := tp.openEpochs[len(tp.openEpochs)-1]
	atomic.AddInt64(&tail.refcount, 1)
	tail.txnsOpened++
	return &Transaction{epoch: tail}
}

// TransactionClose decrements the transaction's epoch's refcount. It
// is lock-free with respect to tp and may be called from any thread;
// the owning thread reclaims the epoch at its next TransactionOpen or
// allocation.
func (tp *ThreadPool) TransactionClose(txn *Transaction) {
	atomic.AddInt64(&txn.epoch.refcount, -1)
}

// PoolOpen is the composite scope described in SPEC_FULL.md §4.D:
// enable pool_enabled, open a transaction, then set pool_allowed to
// enable, returning everything needed to restore prior state.
func (tp *ThreadPool) PoolOpen(enable bool) *Scope {
	tp.mu.Lock()
	saved := &Scope{savedEnabled: tp.poolEnabled, savedAllowed: tp.poolAllowed}
	tp.poolEnabled = true
	tp.mu.Unlock()

	saved.txn = tp.TransactionOpen()

	tp.mu.Lock()
	tp.poolAllowed = enable
	tp.mu.Unlock()

	return saved
}

// PoolClose closes the transaction opened by PoolOpen and restores the
// prior malloc_state booleans.
func (tp *ThreadPool) PoolClose(s *Scope) {
	tp.TransactionClose(s.txn)
	tp.mu.Lock()
	tp.poolEnabled = s.savedEnabled
	tp.poolAllowed = s.savedAllowed
	tp.mu.Unlock()
}

// Handle is the result of an allocation: the token it was made with,
// the synthetic region id owning it (zero for a plain, non-pool
// allocation), and the backing byte slice.
type Handle struct {
	Token    Token
	RegionID uint64
	Data     []byte
	pooled   bool
}

// Pooled reports whether this handle's memory came from an epoch
// (true) or a plain Go allocation (false).
func (h Handle) Pooled() bool { return h.pooled }

// Options tunes a single allocation call; NonPool forces the system
// (Go) allocator regardless of the token's and thread's pool policy,
// mirroring an_calloc_object(type, .non_pool = true).
type Options struct {
	NonPool bool
}

// Malloc allocates n bytes, uninitialized (modulo whatever lazy-zero
// bytes happen to already be clean).
func (tp *ThreadPool) Malloc(token Token, n int, opts Options) Handle {
	return tp.allocate(token, n, false, opts)
}

// Calloc allocates n bytes, guaranteed zeroed.
func (tp *ThreadPool) Calloc(token Token, n int, opts Options) Handle {
	return tp.allocate(token, n, true, opts)
}

func (tp *ThreadPool) allocate(token Token, n int, zero bool, opts Options) Handle {
	// The large-alloc boundary is decided on the caller's requested size,
	// not the alignment-rounded one: rounding n up first would push a
	// request one byte under the threshold onto the large-alloc path.
	large := n >= LargeAllocThreshold
	n = roundUp(n, Alignment)

	tp.mu.Lock()
	usePool := !opts.NonPool && token.usePool && tp.poolEnabled && tp.poolAllowed
	if !usePool {
		tp.mu.Unlock()
		buf := make([]byte, n) // Go's allocator zero-fills; satisfies both variants.
		return Handle{Token: token, Data: buf, pooled: false}
	}
	defer tp.mu.Unlock()

	tp.reclaimOldestLocked()
	if large {
		return tp.largeAllocLocked(token, n, zero)
	}
	return tp.bumpAllocLocked(token, n, zero)
}

func (tp *ThreadPool) bumpAllocLocked(token Token, n int, zero bool) Handle {
	if len(tp.openEpochs) == 0 {
		tp.openEpochs = append(tp.openEpochs, tp.newEpochLocked())
	}
	tail := tp.openEpochs[len(tp.openEpochs)-1]

	if tail.offset+n > len(tail.buf) {
		fresh := tp.newEpochLocked() // refcount 0: kept alive by the current transaction's refcount on an older epoch.
		tp.openEpochs = append(tp.openEpochs, fresh)
		tail = fresh
	}

	oldOffset := tail.offset
	newOffset := oldOffset + n
	data := tail.buf[oldOffset:newOffset]

	if (oldOffset ^ newOffset) >= ZeroGranularity {
		if zero {
			// With-zero pre-zeros the chunk we just left so a later
			// without-zero bump into it does not need to.
			zeroRange(tail.buf, chunkFloor(oldOffset), chunkFloor(oldOffset)+ZeroGranularity)
		} else {
			// Without-zero zeros the chunk we just entered, covering
			// any dirty bytes left by a prior transaction's use of a
			// reclaimed epoch.
			zeroRange(tail.buf, chunkFloor(newOffset), chunkFloor(newOffset)+ZeroGranularity)
		}
	}
	if zero {
		zeroRange(data, 0, len(data))
	}

	tail.offset = newOffset
	tail.allocs++

	return Handle{Token: token, RegionID: tail.regionID, Data: data, pooled: true}
}

func (tp *ThreadPool) largeAllocLocked(token Token, n int, zero bool) Handle {
	aligned := roundUp(n, EpochAlignment)
	buf := make([]byte, aligned) // Go zero-fills.
	_ = zero

	regionID := tp.manager.regionSeq.Add(1)
	tp.manager.bitmap.SetOwned(regionID)

	if len(tp.openEpochs) == 0 {
		tp.openEpochs = append(tp.openEpochs, tp.newEpochLocked())
	}
	tail := tp.openEpochs[len(tp.openEpochs)-1]
	tail.addCleanup(func() {
		tp.manager.bitmap.ClearOwned(regionID)
	})
	tail.allocs++

	return Handle{Token: token, RegionID: regionID, Data: buf[:n], pooled: true}
}

// Realloc grows or replaces h's backing storage to newSize bytes,
// preserving the existing contents. A pool-backed handle whose
// allocation was the most recent bump into its epoch is extended in
// place when there is room; otherwise a fresh allocation is made and
// the old payload copied over, exactly as the source's realloc.
func (tp *ThreadPool) Realloc(h Handle, newSize int) Handle {
	if !h.pooled {
		buf := make([]byte, newSize)
		copy(buf, h.Data)
		return Handle{Token: h.Token, Data: buf}
	}

	newSize = roundUp(newSize, Alignment)

	tp.mu.Lock()
	for _, e := range tp.openEpochs {
		if e.regionID != h.RegionID {
			continue
		}
		isTail := e == tp.openEpochs[len(tp.openEpochs)-1]
		start := cap(e.buf) - cap(h.Data) // offset h.Data began at, since it shares e.buf's backing array
		endOfAlloc := start + len(h.Data)
		if isTail && endOfAlloc == e.offset {
			grow := newSize - len(h.Data)
			if grow <= 0 || e.offset+grow <= len(e.buf) {
				e.offset += grow
				data := e.buf[start : start+newSize]
				tp.mu.Unlock()
				return Handle{Token: h.Token, RegionID: h.RegionID, Data: data, pooled: true}
			}
		}
		break
	}
	tp.mu.Unlock()

	fresh := tp.allocate(h.Token, newSize, false, Options{})
	copy(fresh.Data, h.Data)
	return fresh
}

// Free is a no-op for pool-owned memory (its arena reclaims it
// wholesale); for non-pool memory it is a bookkeeping-only operation
// in this port, since Go's garbage collector — not this call — is what
// actually reclaims the bytes.
func (tp *ThreadPool) Free(h Handle, stats *TokenStats) {
	if h.pooled {
		return
	}
	if stats != nil {
		stats.ActiveBytes.Add(-int64(len(h.Data)))
		stats.ActiveCount.Add(-1)
	}
}

// Adopt attaches cb as a cleanup on e, to run when e is destroyed.
// Mirrors an_pool_adopt, used for types that cannot opt into the pool
// allocator directly but still want their lifetime tied to an epoch.
func Adopt(e *Epoch, cb func()) {
	e.addCleanup(cb)
}
