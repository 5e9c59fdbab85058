package anira

import (
	"sync/atomic"
	"time"
)

// slot is a reusable inference job record: one input tensor, one output
// tensor, a 16-bit monotonic timestamp, and two binary state flags.
//
// Invariant: exactly one of {free, in-flight, done} holds at any observable
// moment. free and done are never both true. Transitions are
// free -> in-flight (claimed by the submit path) -> done (set by a worker)
// -> free (released after post-process). Both flags are atomic.Bool with
// acquire/release ordering, grounded on the single-entry CAS gate in
// ggml-org-whisper.cpp's concurrency_gate.go.
type slot struct {
	index  int
	input  *Tensor
	output *Tensor

	timestamp atomic.Uint32 // holds a uint16 value; Uint32 avoids a CAS ABA footgun at wraparound
	free      atomic.Bool
	done      atomic.Bool

	// doneCh backs the bounded-wait variant used only when the engine is
	// configured for SyncSemaphore (non-realtime callers). Recreated on
	// every claim; closed by the worker in markDone.
	doneCh atomic.Pointer[chan struct{}]
}

func newSlot(index int, inputShape, outputShape []int) *slot {
	s := &slot{
		index:  index,
		input:  newTensor(inputShape),
		output: newTensor(outputShape),
	}
	s.free.Store(true)
	return s
}

// tryClaim attempts to move the slot from free to in-flight. Returns false if
// the slot was not free (another claimant won, or it is in-flight/done).
func (s *slot) tryClaim(ts uint16) bool {
	if !s.free.CompareAndSwap(true, false) {
		return false
	}
	s.done.Store(false)
	s.timestamp.Store(uint32(ts))
	ch := make(chan struct{})
	s.doneCh.Store(&ch)
	return true
}

// markDone is called by a worker after process() returns. Release ordering:
// any audio-thread read of output.Data observing done==true is guaranteed to
// see the worker's writes.
func (s *slot) markDone() {
	s.done.Store(true)
	if ch := s.doneCh.Load(); ch != nil {
		close(*ch)
	}
}

// tryAcquireDone is the realtime-safe, non-blocking check: a single
// try_acquire, never parking. Acquire ordering pairs with markDone's release.
func (s *slot) tryAcquireDone() bool {
	return s.done.Load()
}

// waitDone blocks up to timeout for the slot to become done. Only valid for
// non-realtime callers (SyncSemaphore mode); the realtime audio path must
// always use tryAcquireDone.
func (s *slot) waitDone(timeout time.Duration) bool {
	if s.done.Load() {
		return true
	}
	if timeout <= 0 {
		return false
	}
	ch := s.doneCh.Load()
	if ch == nil {
		return s.done.Load()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-*ch:
		return true
	case <-timer.C:
		return s.done.Load()
	}
}

// release returns the slot to the free pool. Called after post-process has
// consumed output.Data, or during a session drain that discards in-flight work.
func (s *slot) release() {
	s.done.Store(false)
	s.free.Store(true)
}

func (s *slot) currentTimestamp() uint16 {
	return uint16(s.timestamp.Load())
}
