package anira

import "sync/atomic"

// RingBuffer is a single-producer/single-consumer circular audio buffer with
// per-channel write/read positions. It is the send/receive ring that
// decouples the audio thread from the worker pool, and is the type a
// caller-supplied PrePostProcessor reads and writes.
//
// Capacity is sample_rate * retentionSeconds (20s). Positions are
// free-running counters (never wrapped) per vinq1911-nonchalant's
// ringbuffer.go convention; they are reduced modulo capacity only when
// indexing into the backing array. available = writePos - readPos must never exceed capacity;
// Push enforces this by dropping the oldest sample (advancing readPos) on
// overflow, mirroring that example's BackpressureDropOldest strategy.
type RingBuffer struct {
	data     [][]float32 // data[ch] is a flat ring of length capacity
	capacity int

	writePos []atomic.Uint64 // per channel, free-running
	readPos  []atomic.Uint64 // per channel, free-running
}

func newRingBuffer(numChannels, capacity int) *RingBuffer {
	rb := &RingBuffer{
		data:     make([][]float32, numChannels),
		capacity: capacity,
		writePos: make([]atomic.Uint64, numChannels),
		readPos:  make([]atomic.Uint64, numChannels),
	}
	for ch := range rb.data {
		rb.data[ch] = make([]float32, capacity)
	}
	return rb
}

// initializeWithPositions (re)allocates the ring for a new channel count and
// capacity and resets positions to zero. Not realtime-safe; called only from
// the control thread during prepare.
func (rb *RingBuffer) initializeWithPositions(numChannels, capacity int) {
	rb.data = make([][]float32, numChannels)
	rb.capacity = capacity
	rb.writePos = make([]atomic.Uint64, numChannels)
	rb.readPos = make([]atomic.Uint64, numChannels)
	for ch := range rb.data {
		rb.data[ch] = make([]float32, capacity)
	}
}

// clearWithPositions zeroes positions (and, defensively, the backing arrays)
// without reallocating. Used when a session is reused in place.
func (rb *RingBuffer) clearWithPositions() {
	for ch := range rb.data {
		rb.writePos[ch].Store(0)
		rb.readPos[ch].Store(0)
		clear(rb.data[ch])
	}
}

// NumChannels returns the number of channels the ring was sized for.
func (rb *RingBuffer) NumChannels() int { return len(rb.data) }

// PushSample appends one sample on channel ch. Lock-free: a single writer per
// channel. Drops the oldest sample (advances readPos) if the channel is at
// capacity, preserving the available <= capacity invariant.
func (rb *RingBuffer) PushSample(ch int, v float32) {
	w := rb.writePos[ch].Load()
	r := rb.readPos[ch].Load()
	if w-r >= uint64(rb.capacity) {
		rb.readPos[ch].Add(1)
	}
	rb.data[ch][w%uint64(rb.capacity)] = v
	rb.writePos[ch].Store(w + 1)
}

// PopSample removes and returns the oldest sample on channel ch. Lock-free: a
// single reader per channel. ok is false if the channel is empty.
func (rb *RingBuffer) PopSample(ch int) (v float32, ok bool) {
	r := rb.readPos[ch].Load()
	w := rb.writePos[ch].Load()
	if r >= w {
		return 0, false
	}
	v = rb.data[ch][r%uint64(rb.capacity)]
	rb.readPos[ch].Store(r + 1)
	return v, true
}

// Available returns the number of unread samples on channel ch.
func (rb *RingBuffer) Available(ch int) int {
	w := rb.writePos[ch].Load()
	r := rb.readPos[ch].Load()
	return int(w - r)
}

// PeekWindow returns the n samples on channel ch ending at readPos+hop
// (the point Advance will move the read cursor to), without consuming them.
// Used by the pre-processor to read the next model-input window: hop new
// samples plus n-hop samples of overlapping context carried over from the
// previous window. The read cursor itself is advanced separately, only by
// hop, via Advance.
//
// If fewer than n samples have ever been pushed at that point, the window
// is left-padded with zeros (cold-start behaviour).
func (rb *RingBuffer) PeekWindow(ch int, n int, hop int) []float32 {
	r := rb.readPos[ch].Load()
	w := rb.writePos[ch].Load()
	end := r + uint64(hop)
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		pos := int64(end) - int64(n) + int64(i)
		if pos < 0 {
			continue
		}
		upos := uint64(pos)
		if upos >= w {
			// Not yet produced.
			continue
		}
		if w >= uint64(rb.capacity) && upos < w-uint64(rb.capacity) {
			// Overwritten by wraparound; treat as unavailable (zero).
			continue
		}
		out[i] = rb.data[ch][upos%uint64(rb.capacity)]
	}
	return out
}

// Advance moves the read cursor on channel ch forward by hop samples without
// returning them, for use after PeekWindow. It is equivalent to calling
// PopSample hop times but O(1).
func (rb *RingBuffer) Advance(ch int, hop int) {
	r := rb.readPos[ch].Load()
	w := rb.writePos[ch].Load()
	newR := r + uint64(hop)
	if newR > w {
		newR = w
	}
	rb.readPos[ch].Store(newR)
}

// PushZeros pushes n zero samples on channel ch (used for silence degradation).
func (rb *RingBuffer) PushZeros(ch int, n int) {
	for i := 0; i < n; i++ {
		rb.PushSample(ch, 0)
	}
}

// DropSamples discards up to n unread samples on channel ch by advancing the
// read cursor (used when a model step is dropped on degradation).
func (rb *RingBuffer) DropSamples(ch int, n int) {
	rb.Advance(ch, n)
}
