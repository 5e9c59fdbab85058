package anira

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BackendFactory builds a fresh Processor for backend from cfg. Engine
// contexts use a factory per enabled backend to construct (or, when shared,
// reuse) the processor attached to a new session.
type BackendFactory func(cfg *InferenceConfig) (Processor, error)

// BackendIdentity is a compiled-in backend whose factory every engine context
// registers, so a host that lists it in EngineConfig.EnabledBackends never
// needs to load a real model. Like any other backend, it is attached to a
// session only when it is enabled.
const BackendIdentity BackendKind = "identity"

// EngineContext is the process-wide singleton-style controller: it owns the
// worker pool and shared dispatch queue, creates and releases sessions,
// holds per-backend shared processors, and decides between the internal
// worker pool and host-provided threads.
//
// It is never ambient package state (spec.md §9 Design Notes): access is
// always through the explicit GetInstance/ReleaseInstance pair below.
type EngineContext struct {
	cfg EngineConfig

	useHostThreads    atomic.Bool
	hostThreadsActive atomic.Bool

	mu        sync.Mutex
	pool      *workerPool
	queue     *dispatchQueue
	procPool  *processorPool
	factories map[BackendKind]BackendFactory
	sessions  []*Session

	nextSessionID  atomic.Uint64
	activeSessions atomic.Int64

	metrics *metricsSet
}

const dispatchQueueCapacity = 256

var (
	instanceMu sync.Mutex
	instance   *EngineContext
)

// GetInstance is idempotent: if no instance exists, it constructs one with
// cfg.NumThreads workers. Otherwise it verifies compatibility (version,
// enabled-backend set, synchronization mode); on mismatch the mismatch is
// logged as an error and the existing instance is returned unchanged — the
// caller's config is not applied (see DESIGN.md for why GetInstance never
// fails outright on mismatch). A request for fewer threads shrinks the pool;
// disabling host-threads is honored immediately.
func GetInstance(cfg EngineConfig) (*EngineContext, error) {
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == nil {
		instance = newEngineContext(cfg)
		return instance, nil
	}

	if mismatch := instance.incompatibleWith(cfg); mismatch != nil {
		slog.Error("anira: engine context re-entry mismatch; returning existing instance", "reason", mismatch)
		return instance, nil
	}
	if cfg.NumThreads < instance.cfg.NumThreads {
		instance.resizePool(cfg.NumThreads)
	}
	if !cfg.UseHostThreads {
		instance.useHostThreads.Store(false)
		instance.hostThreadsActive.Store(false)
	}
	return instance, nil
}

func newEngineContext(cfg EngineConfig) *EngineContext {
	queue := newDispatchQueue(dispatchQueueCapacity)
	ctx := &EngineContext{
		cfg:       cfg,
		queue:     queue,
		pool:      newWorkerPool(queue),
		procPool:  newProcessorPool(),
		factories: make(map[BackendKind]BackendFactory),
		metrics:   newMetricsSet(),
	}
	ctx.useHostThreads.Store(cfg.UseHostThreads)
	ctx.factories[BackendIdentity] = func(*InferenceConfig) (Processor, error) {
		return IdentityProcessor{}, nil
	}
	ctx.pool.start(cfg.NumThreads)
	return ctx
}

func (ctx *EngineContext) incompatibleWith(cfg EngineConfig) error {
	if cfg.Version != ctx.cfg.Version {
		return errors.New("version mismatch")
	}
	if cfg.SyncMode != ctx.cfg.SyncMode {
		return errors.New("synchronization_type mismatch")
	}
	want := cfg.backendSet()
	have := ctx.cfg.backendSet()
	if len(want) != len(have) {
		return errors.New("enabled_backends mismatch")
	}
	for b := range want {
		if _, ok := have[b]; !ok {
			return errors.New("enabled_backends mismatch")
		}
	}
	return nil
}

// RegisterBackendFactory registers how to construct a Processor for backend
// when a session enables it without supplying a CustomProcessor. Must be
// called before CreateSession for that backend.
func (ctx *EngineContext) RegisterBackendFactory(backend BackendKind, factory BackendFactory) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.factories[backend] = factory
}

func (ctx *EngineContext) resizePool(n int) {
	ctx.cfg.NumThreads = n
	ctx.pool.resize(n)
}

// CustomProcessor lets a caller shadow the tagged backend variant for
// Backend with their own Processor implementation (spec.md §4.1/§9).
type CustomProcessor struct {
	Backend   BackendKind
	Processor Processor
}

// CreateSession allocates a session id, clamps NumParallelProcessors to the
// worker pool size (with a warning), constructs the session, attaches (or
// shares) per-backend processors for every backend the context has enabled
// that the config declares a shape for, and marks it initialized.
//
// Ring buffers and the slot pool are NOT allocated here — that happens in
// Prepare, once the host's sample rate and block size are known.
func (ctx *EngineContext) CreateSession(pp PrePostProcessor, cfg *InferenceConfig, custom *CustomProcessor) (*Session, error) {
	if err := validateInferenceConfig(cfg); err != nil {
		return nil, err
	}
	if pp == nil {
		pp = DefaultPrePostProcessor{}
	}

	ctx.mu.Lock()
	poolSize := ctx.pool.size()
	if poolSize < 1 {
		poolSize = 1
	}
	if cfg.NumParallelProcessors > poolSize {
		slog.Warn("anira: clamping NumParallelProcessors to worker pool size",
			"requested", cfg.NumParallelProcessors, "poolSize", poolSize)
		cfg.NumParallelProcessors = poolSize
	}
	ctx.mu.Unlock()

	id := ctx.nextSessionID.Add(1) - 1
	sess := newSession(id, ctx, pp, cfg)

	for backend := range ctx.cfg.backendSet() {
		if _, declared := cfg.ShapeFor(backend); !declared {
			continue
		}
		if custom != nil && custom.Backend == backend {
			sess.setProcessor(backend, custom.Processor)
			continue
		}
		ctx.mu.Lock()
		factory, ok := ctx.factories[backend]
		ctx.mu.Unlock()
		if !ok {
			return nil, errUnknownBackendProcessor
		}
		proc, err := ctx.procPool.acquire(backend, cfg, cfg.SessionExclusiveProcessor, func() (Processor, error) {
			return factory(cfg)
		})
		if err != nil {
			return nil, err
		}
		sess.setProcessor(backend, proc)
	}
	// custom.Backend may name a backend the context did not enable at
	// startup (an ad hoc extra variant); honor it regardless.
	if custom != nil {
		if _, already := sess.processorFor(custom.Backend); !already {
			sess.setProcessor(custom.Backend, custom.Processor)
		}
	}

	ctx.mu.Lock()
	ctx.sessions = append(ctx.sessions, sess)
	ctx.mu.Unlock()
	ctx.activeSessions.Add(1)
	ctx.metrics.sessionDelta(1)

	sess.initialized.Store(true)
	return sess, nil
}

// drainForSession clears initialized, busy-waits for in-flight work to
// finish, and drains the dispatch queue of entries belonging to s,
// requeueing everything else. Shared by ReleaseSession and Prepare
// (spec.md §5 cancellation protocol).
func (ctx *EngineContext) drainForSession(s *Session) {
	s.initialized.Store(false)
	for s.activeInferences.Load() > 0 {
		time.Sleep(workerIdleBackoff)
	}
	ctx.queue.drainMatching(func(item dispatchItem) bool {
		if item.session == s {
			item.slot.release()
			return false
		}
		return true
	})
}

// ReleaseSession clears initialized, busy-waits for active_inferences to
// reach zero, drains the dispatch queue of entries for s, removes s from the
// session list, releases its processors if unshared, and tears down the
// worker pool and context entirely once active_sessions reaches zero.
func (ctx *EngineContext) ReleaseSession(s *Session) error {
	if !s.releaseInProgress.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	defer s.releaseInProgress.Store(false)

	ctx.drainForSession(s)

	ctx.mu.Lock()
	for i, cand := range ctx.sessions {
		if cand == s {
			ctx.sessions = append(ctx.sessions[:i], ctx.sessions[i+1:]...)
			break
		}
	}
	ctx.mu.Unlock()

	for backend := range ctx.cfg.backendSet() {
		proc, ok := s.processorFor(backend)
		if !ok {
			continue
		}
		if !s.cfg.SessionExclusiveProcessor {
			ctx.procPool.release(backend, s.cfg)
		} else if destroyer, ok := proc.(interface{ Destroy() error }); ok {
			_ = destroyer.Destroy()
		}
	}

	remaining := ctx.activeSessions.Add(-1)
	ctx.metrics.sessionDelta(-1)
	if remaining == 0 {
		ctx.teardown()
	}
	return nil
}

// teardown stops the worker pool and releases the singleton instance. Called
// when the last session is released.
func (ctx *EngineContext) teardown() {
	ctx.pool.stopAll()
	instanceMu.Lock()
	if instance == ctx {
		instance = nil
	}
	instanceMu.Unlock()
}

// ReleaseInstance is an explicit, deterministic reset path for a context
// that already has zero active sessions (sessions normally tear down the
// singleton automatically on release; this is for a host that wants to
// assert a clean shutdown). Returns an error if sessions remain.
func ReleaseInstance(ctx *EngineContext) error {
	if ctx.activeSessions.Load() > 0 {
		return errors.New("anira: cannot release instance with active sessions")
	}
	ctx.teardown()
	return nil
}

// Prepare applies the same drain protocol as ReleaseSession, then
// reinitializes the session's ring buffers and slot pool for the new block
// size/sample rate, starts the worker pool, and flips hostThreadsActive
// based on whether the host supplied a SubmitTaskToHostThread callback.
func (ctx *EngineContext) Prepare(s *Session, hostCfg HostAudioConfig) error {
	if err := validateHostAudioConfig(hostCfg); err != nil {
		return err
	}
	ctx.drainForSession(s)
	s.clear()
	s.prepare(hostCfg)

	ctx.pool.start(ctx.cfg.NumThreads)
	ctx.hostThreadsActive.Store(ctx.useHostThreads.Load() && hostCfg.SubmitTaskToHostThread != nil)

	s.initialized.Store(true)
	return nil
}

// inferenceShape is the tensor shape for the session's currently active
// backend. The model's hop is OutputSamples(): how many new input samples
// must accumulate before another inference is triggered. This is only
// correct when the model's hop equals its declared output size (DESIGN.md
// Open Question a).
func (ctx *EngineContext) inferenceShape(s *Session) (TensorShape, bool) {
	return s.cfg.ShapeFor(s.ActiveBackend())
}

// NewDataSubmitted drains complete model-input windows from the session's
// send ring: for each, it claims a free slot, runs pre-process, and enqueues
// into the dispatch queue. On no-free-slot or queue-full it degrades
// gracefully (spec.md §4.1/§7): one dropped model step becomes one silent
// model step on the receive side.
func (ctx *EngineContext) NewDataSubmitted(s *Session) error {
	if !s.initialized.Load() || s.sendRing == nil {
		return nil
	}
	shape, ok := ctx.inferenceShape(s)
	if !ok {
		slog.Error("anira: invalid backend selected on submit", "session", s.id, "backend", s.ActiveBackend())
		return ErrInvalidBackend
	}
	hop := shape.OutputSamples()
	if hop <= 0 {
		return ErrInvalidBackend
	}

	for s.sendRing.Available(0) >= hop {
		ts := s.nextTimestamp()
		sl, ok := s.claimFreeSlot(ts)
		if !ok {
			ctx.metrics.recordNoFreeSlot()
			ctx.degrade(s, shape, true)
			continue
		}

		s.prepost.PreProcess(s.sendRing, sl.input, shape)

		if !ctx.queue.tryEnqueue(dispatchItem{session: s, slot: sl}) {
			sl.release()
			ctx.metrics.recordQueueFull()
			ctx.degrade(s, shape, false)
			continue
		}
		ctx.metrics.queueDepthDelta(1)

		s.activeInferences.Add(1)
		s.pending.push(ts)

		if ctx.hostThreadsActive.Load() && s.hostCfg.SubmitTaskToHostThread != nil {
			if !s.hostCfg.SubmitTaskToHostThread(1) {
				ctx.hostThreadsActive.Store(false)
				ctx.metrics.recordHostThreadFallback()
				slog.Warn("anira: host-thread submit failed; falling back to internal worker pool", "session", s.id)
			}
		}
	}
	return nil
}

// degrade drops one hop of samples from the send ring (unless dropFromSendRing
// is false, meaning PreProcess already advanced it) and pushes one hop of
// silence to the receive ring.
func (ctx *EngineContext) degrade(s *Session, shape TensorShape, dropFromSendRing bool) {
	hop := shape.OutputSamples()
	if dropFromSendRing {
		for ch := 0; ch < s.sendRing.NumChannels(); ch++ {
			s.sendRing.DropSamples(ch, hop)
		}
	}
	for ch := 0; ch < s.recvRing.NumChannels(); ch++ {
		s.recvRing.PushZeros(ch, hop)
	}
}

// waitFactor scales the SyncSemaphore bounded-wait timeout; 0 in config means
// "use the default of 1.0".
func (ctx *EngineContext) waitFactor() float64 {
	if ctx.cfg.WaitFactor > 0 {
		return ctx.cfg.WaitFactor
	}
	return 1.0
}

// NewDataRequest drains completed slots in FIFO-of-timestamps order: for
// each pending timestamp (oldest first), it looks up the slot and, if done
// can be acquired (bounded wait when SyncSemaphore is configured and
// bufferSeconds > 0, otherwise an immediate try_acquire), post-processes it
// and releases the slot. It stops at the first not-yet-done timestamp —
// completions are never reordered.
func (ctx *EngineContext) NewDataRequest(s *Session, bufferSeconds float64) error {
	if s.pending == nil {
		return nil
	}
	shape, ok := ctx.inferenceShape(s)
	if !ok {
		slog.Error("anira: invalid backend selected on request", "session", s.id, "backend", s.ActiveBackend())
		return ErrInvalidBackend
	}

	var timeout time.Duration
	if ctx.cfg.SyncMode == SyncSemaphore && bufferSeconds > 0 {
		timeout = time.Duration(bufferSeconds * 1e6 * ctx.waitFactor() * float64(time.Microsecond))
	}

	for {
		ts, ok := s.pending.front()
		if !ok {
			return nil
		}
		sl, found := s.slotByTimestamp(ts)
		if !found {
			s.pending.pop()
			continue
		}
		var acquired bool
		if timeout > 0 {
			acquired = sl.waitDone(timeout)
		} else {
			acquired = sl.tryAcquireDone()
		}
		if !acquired {
			return nil
		}
		s.pending.pop()
		s.prepost.PostProcess(sl.output, s.recvRing, shape)
		sl.release()
	}
}

// ExecInference is permitted only when host-threads are active. It drives
// one unit of worker work on the calling thread, polling the dispatch queue
// until an item is available.
func (ctx *EngineContext) ExecInference() error {
	if !ctx.hostThreadsActive.Load() {
		return ErrHostThreadsNotActive
	}
	for {
		item, ok := ctx.queue.tryDequeue()
		if !ok {
			time.Sleep(workerIdleBackoff)
			continue
		}
		runDispatchItem(item)
		return nil
	}
}

// ActiveSessionCount reports the number of sessions currently attached to
// this context.
func (ctx *EngineContext) ActiveSessionCount() int64 { return ctx.activeSessions.Load() }

// PoolSize reports the current internal worker pool size.
func (ctx *EngineContext) PoolSize() int { return ctx.pool.size() }

// HostThreadsActive reports whether host-threads mode is currently in effect.
func (ctx *EngineContext) HostThreadsActive() bool { return ctx.hostThreadsActive.Load() }
