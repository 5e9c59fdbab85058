package anira

import "sync/atomic"

// dispatchItem is one unit of work: a (session, slot) pair ready for a
// worker to run the active backend's process() on.
type dispatchItem struct {
	session *Session
	slot    *slot
}

// dispatchQueue is a bounded, lock-free multi-producer/multi-consumer queue.
// It is the classic Vyukov bounded MPMC algorithm: each cell carries a
// sequence number that producers and consumers use to detect contention
// without ever taking a lock, in the same spirit as the free-running
// head/tail counters in momentics-hioload-ws's ring.go and
// vinq1911-nonchalant's ringbuffer.go — generalized here to support multiple
// concurrent producers and consumers (those two examples are single-producer
// single-consumer). No external lock-free-queue dependency is introduced;
// see DESIGN.md for why.
type dispatchQueue struct {
	buffer []dispatchCell
	mask   uint64

	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64
}

type dispatchCell struct {
	seq  atomic.Uint64
	item dispatchItem
}

// newDispatchQueue creates a queue with capacity rounded up to the next
// power of two (minimum 2).
func newDispatchQueue(capacity int) *dispatchQueue {
	size := 2
	for size < capacity {
		size <<= 1
	}
	q := &dispatchQueue{
		buffer: make([]dispatchCell, size),
		mask:   uint64(size - 1),
	}
	for i := range q.buffer {
		q.buffer[i].seq.Store(uint64(i))
	}
	return q
}

// tryEnqueue attempts to add item without blocking. Returns false if the
// queue is full. Safe to call from any number of goroutines concurrently,
// including the realtime audio thread (bounded, no allocation, no lock).
func (q *dispatchQueue) tryEnqueue(item dispatchItem) bool {
	pos := q.enqueuePos.Load()
	for {
		cell := &q.buffer[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if q.enqueuePos.CompareAndSwap(pos, pos+1) {
				cell.item = item
				cell.seq.Store(pos + 1)
				return true
			}
			pos = q.enqueuePos.Load()
		case diff < 0:
			return false // full
		default:
			pos = q.enqueuePos.Load()
		}
	}
}

// tryDequeue removes and returns one item without blocking. Returns false if
// the queue is empty.
func (q *dispatchQueue) tryDequeue() (dispatchItem, bool) {
	pos := q.dequeuePos.Load()
	for {
		cell := &q.buffer[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if q.dequeuePos.CompareAndSwap(pos, pos+1) {
				item := cell.item
				cell.item = dispatchItem{}
				cell.seq.Store(pos + q.mask + 1)
				return item, true
			}
			pos = q.dequeuePos.Load()
		case diff < 0:
			return dispatchItem{}, false // empty
		default:
			pos = q.dequeuePos.Load()
		}
	}
}

// drainMatching pops every item currently observable in the queue. Items for
// which keep returns true are re-enqueued (to the back); the rest are
// dropped (the caller is expected to release their slots). This is used only
// from the non-realtime control thread during session release/re-prepare,
// per spec.md §5's cancellation protocol — it is a best-effort drain: a
// producer racing concurrently with the drain may still enqueue after the
// bound below is reached, which is why release additionally busy-waits on
// active_inferences before calling this.
func (q *dispatchQueue) drainMatching(keep func(dispatchItem) bool) {
	capacity := len(q.buffer)
	for i := 0; i < capacity; i++ {
		item, ok := q.tryDequeue()
		if !ok {
			return
		}
		if keep(item) {
			if !q.tryEnqueue(item) {
				// Queue briefly full under racing producers; drop rather
				// than spin unboundedly on the control thread.
				return
			}
		}
	}
}
