package anira

import (
	"sync"
	"sync/atomic"
)

// timestampQueue is a bounded FIFO of pending (submitted, not yet
// post-processed) timestamps, reserved to slot-pool capacity at
// construction. Spec.md describes the source structure as an
// insertion-ordered vector with "oldest at the back"; that description
// matches a vector built with push-to-front in the original implementation.
// Externally all that matters is FIFO order (oldest drained first), which
// this ring-backed queue provides in O(1) per operation instead of O(n)
// vector shifts.
type timestampQueue struct {
	buf   []uint16
	head  int
	tail  int
	count int
}

func newTimestampQueue(capacity int) *timestampQueue {
	return &timestampQueue{buf: make([]uint16, capacity)}
}

func (q *timestampQueue) push(ts uint16) {
	q.buf[q.tail] = ts
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
}

func (q *timestampQueue) front() (uint16, bool) {
	if q.count == 0 {
		return 0, false
	}
	return q.buf[q.head], true
}

func (q *timestampQueue) pop() (uint16, bool) {
	ts, ok := q.front()
	if !ok {
		return 0, false
	}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return ts, true
}

func (q *timestampQueue) len() int { return q.count }

func (q *timestampQueue) clear() {
	q.head, q.tail, q.count = 0, 0, 0
}

// Session holds all per-stream state: ring buffers, a fixed slot pool, the
// pending-timestamp FIFO, the active backend selection, per-backend
// processor handles, and the pre/post-processor. Independent of other
// sessions except via the shared EngineContext.
type Session struct {
	id  uint64
	ctx *EngineContext // non-owning back-reference; context owns the session list

	cfg     *InferenceConfig
	prepost PrePostProcessor

	mu         sync.Mutex // guards ring (re)initialization, slot pool, processors map
	sendRing   *RingBuffer
	recvRing   *RingBuffer
	slots      []*slot
	pending    *timestampQueue
	processors map[BackendKind]Processor

	hostCfg HostAudioConfig

	currentQueue      atomic.Uint32 // holds a uint16, monotonic mod 2^16
	activeBackend     atomic.Pointer[BackendKind]
	initialized       atomic.Bool
	activeInferences  atomic.Int64
	releaseInProgress atomic.Bool

	shortageCount atomic.Int64
}

func newSession(id uint64, ctx *EngineContext, pp PrePostProcessor, cfg *InferenceConfig) *Session {
	return &Session{
		id:         id,
		ctx:        ctx,
		cfg:        cfg,
		prepost:    pp,
		processors: make(map[BackendKind]Processor),
	}
}

// ID returns the session's stable identifier.
func (s *Session) ID() uint64 { return s.id }

// Config returns the session's immutable inference configuration.
func (s *Session) Config() *InferenceConfig { return s.cfg }

// representativeShape returns the tensor shape used to size the slot pool.
// All backends sharing a session are expected to declare the same
// input/output shape (only the weights differ) — see DESIGN.md.
func (s *Session) representativeShape() TensorShape {
	return s.cfg.TensorShapes[0]
}

// prepare sizes ring buffers to sampleRate*20s and allocates a fixed pool of
// defaultSlotPoolSize slots sized per the inference-config's declared shape.
// Not realtime-safe; called only from the control thread.
func (s *Session) prepare(hostCfg HostAudioConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hostCfg = hostCfg
	capacity := hostCfg.SampleRate * retentionSeconds
	if s.sendRing == nil {
		s.sendRing = newRingBuffer(s.cfg.NumAudioChannelsInput, capacity)
		s.recvRing = newRingBuffer(s.cfg.NumAudioChannelsOutput, capacity)
	} else {
		s.sendRing.initializeWithPositions(s.cfg.NumAudioChannelsInput, capacity)
		s.recvRing.initializeWithPositions(s.cfg.NumAudioChannelsOutput, capacity)
	}

	shape := s.representativeShape()
	s.slots = make([]*slot, defaultSlotPoolSize)
	for i := range s.slots {
		s.slots[i] = newSlot(i, shape.InputShape, shape.OutputShape)
	}
	s.pending = newTimestampQueue(defaultSlotPoolSize)
	s.currentQueue.Store(0)
}

// setProcessor assigns p to the slot matching its backend kind; other
// backend slots are left untouched.
func (s *Session) setProcessor(backend BackendKind, p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors[backend] = p
}

// processorFor returns the processor currently assigned to backend.
func (s *Session) processorFor(backend BackendKind) (Processor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processors[backend]
	return p, ok
}

// clear resets both ring buffers and discards the slot pool. Used during
// re-prepare.
func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendRing != nil {
		s.sendRing.clearWithPositions()
	}
	if s.recvRing != nil {
		s.recvRing.clearWithPositions()
	}
	s.slots = nil
	if s.pending != nil {
		s.pending.clear()
	}
}

// ActiveBackend returns the currently selected backend.
func (s *Session) ActiveBackend() BackendKind {
	if b := s.activeBackend.Load(); b != nil {
		return *b
	}
	return ""
}

// SetBackend atomically selects the active backend. Takes effect on the next
// pre/post-process call.
func (s *Session) SetBackend(b BackendKind) {
	s.activeBackend.Store(&b)
}

// nextTimestamp returns the next strictly increasing (mod 2^16) timestamp.
func (s *Session) nextTimestamp() uint16 {
	v := s.currentQueue.Add(1)
	return uint16(v - 1)
}

// claimFreeSlot scans the pool in index order and returns the first free
// slot, deterministically (spec.md §4.1 tie-break rule).
func (s *Session) claimFreeSlot(ts uint16) (*slot, bool) {
	for _, sl := range s.slots {
		if sl.tryClaim(ts) {
			return sl, true
		}
	}
	return nil, false
}

// slotByTimestamp finds the in-flight or done slot carrying ts.
func (s *Session) slotByTimestamp(ts uint16) (*slot, bool) {
	for _, sl := range s.slots {
		if !sl.free.Load() && sl.currentTimestamp() == ts {
			return sl, true
		}
	}
	return nil, false
}

// IsInitialized reports whether the session currently accepts new work.
func (s *Session) IsInitialized() bool { return s.initialized.Load() }
