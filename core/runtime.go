package core

import (
	"time"

	"github.com/kolkov/corert/internal/corebarrier"
	"github.com/kolkov/corert/internal/coreclock"
	"github.com/kolkov/corert/internal/corepool"
	"github.com/kolkov/corert/internal/coresmr"
	"github.com/kolkov/corert/internal/coresstm"
	"github.com/kolkov/corert/internal/corethread"
)

// Config tunes every knob the subsystems expose. Zero-value fields
// fall back to each subsystem's own default, except
// ReclaimedEpochsLimit, where zero disables epoch reuse. DefaultConfig
// names every default explicitly, including
// corepool.DefaultReclaimedEpochsLimit.
type Config struct {
	// MaxConsecutiveSoftErrors and MaxSoftErrors bound how many soft
	// faults a thread's CatchSoftFault will recover from before
	// forcing a re-raise. Zero means "use corethread's built-in
	// unlimited default".
	MaxConsecutiveSoftErrors uint32
	MaxSoftErrors            uint32

	// ReclaimedEpochsLimit bounds each thread's reclaimed-epoch
	// freelist in the pool allocator. Zero disables reuse entirely
	// (every closed-out epoch's backing buffer is dropped instead of
	// recycled) — a valid, if wasteful, configuration exercised
	// explicitly in corepool's tests.
	ReclaimedEpochsLimit int

	// CommitBarrierTimeout bounds each of the two barrier calls an STM
	// commit makes. Zero uses coresstm.DefaultCommitBarrierTimeout.
	CommitBarrierTimeout time.Duration

	// BarrierPeriod is the interval at which a registered worker's
	// idle timer clears its own barrier flag and cycles any stuck
	// read transaction. Zero uses corebarrier.DefaultPeriod.
	BarrierPeriod time.Duration
}

// DefaultConfig returns the configuration corert uses when embedders
// do not override any knob.
func DefaultConfig() Config {
	return Config{
		ReclaimedEpochsLimit: corepool.DefaultReclaimedEpochsLimit,
		CommitBarrierTimeout: coresstm.DefaultCommitBarrierTimeout,
		BarrierPeriod:        corebarrier.DefaultPeriod,
	}
}

// Runtime wires together one instance of every subsystem: a thread
// registry, the cross-thread barrier built over it, safe memory
// reclamation, the transactional pool allocator, and the single-writer
// STM coordinator. The big-reader lock is deliberately not part of
// Runtime: a corehrlock.Table is created per protected object class,
// not once per process, so callers construct those directly.
type Runtime struct {
	cfg Config

	Registry *corethread.Registry
	Clock    coreclock.Source
	Barrier  *corebarrier.Barrier
	SMR      *coresmr.Service
	Pool     *corepool.Manager
	STM      *coresstm.Service
}

// New builds a Runtime from cfg, using the process's monotonic clock
// source. freeByToken is forwarded to the SMR service's token-based
// free path (see coresmr.Service); it may be nil if the embedder never
// calls FreeByToken.
func New(cfg Config, freeByToken coresmr.TokenFreeFunc) *Runtime {
	registry := corethread.NewRegistry()
	if cfg.MaxConsecutiveSoftErrors != 0 {
		registry.SetMaxConsecutiveSoftErrors(cfg.MaxConsecutiveSoftErrors)
	}
	if cfg.MaxSoftErrors != 0 {
		registry.SetMaxSoftErrors(cfg.MaxSoftErrors)
	}

	clock := coreclock.Monotonic{}
	smr := coresmr.NewService(freeByToken)
	barrier := corebarrier.New(registry, smr, clock)
	pool := corepool.NewManager(cfg.ReclaimedEpochsLimit)
	stm := coresstm.NewService(registry, barrier, smr, cfg.CommitBarrierTimeout)

	return &Runtime{
		cfg:      cfg,
		Registry: registry,
		Clock:    clock,
		Barrier:  barrier,
		SMR:      smr,
		Pool:     pool,
		STM:      stm,
	}
}

// RegisterWorker registers a new worker thread with every subsystem
// that tracks per-thread state, and starts its idle-timer rendezvous.
// Callers must call DeregisterWorker (after stopping the returned
// timer) when the worker exits.
func (r *Runtime) RegisterWorker(isPreferredWorker bool) (*corethread.Thread, *corebarrier.WorkerTimer, error) {
	t, err := r.Registry.Register(isPreferredWorker)
	if err != nil {
		return nil, nil, err
	}
	r.STM.RegisterThread(t)
	timer := corebarrier.StartWorkerTimer(t, r.cfg.BarrierPeriod, func() {
		r.STM.CycleReadTransaction(t)
	})
	return t, timer, nil
}

// DeregisterWorker removes t from every subsystem. Callers must have
// already stopped the WorkerTimer returned by RegisterWorker.
func (r *Runtime) DeregisterWorker(t *corethread.Thread) {
	r.STM.DeregisterThread(t)
	r.Registry.Deregister(t)
}
