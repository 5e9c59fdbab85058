package anira

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferPushPopFIFO(t *testing.T) {
	rb := newRingBuffer(1, 8)
	for i := 0; i < 4; i++ {
		rb.PushSample(0, float32(i))
	}
	assert.Equal(t, 4, rb.Available(0))
	for i := 0; i < 4; i++ {
		v, ok := rb.PopSample(0)
		require.True(t, ok)
		assert.Equal(t, float32(i), v)
	}
	assert.Equal(t, 0, rb.Available(0))
	_, ok := rb.PopSample(0)
	assert.False(t, ok)
}

func TestRingBufferDropsOldestOnOverflow(t *testing.T) {
	rb := newRingBuffer(1, 4)
	for i := 0; i < 6; i++ {
		rb.PushSample(0, float32(i))
	}
	assert.Equal(t, 4, rb.Available(0))
	v, ok := rb.PopSample(0)
	require.True(t, ok)
	assert.Equal(t, float32(2), v, "oldest two samples should have been dropped")
}

func TestRingBufferPeekWindowColdStartZeroPads(t *testing.T) {
	rb := newRingBuffer(1, 16)
	rb.PushSample(0, 1)
	rb.PushSample(0, 2)
	rb.PushSample(0, 3)

	// readPos is still 0; the 3 samples pushed so far are exactly the next
	// hop, so the window (ending at readPos+hop=3) is left-padded with zeros
	// for the context it doesn't have yet.
	window := rb.PeekWindow(0, 5, 3)
	require.Len(t, window, 5)
	assert.Equal(t, []float32{0, 0, 1, 2, 3}, window)
}

func TestRingBufferAdvancePreservesOverlapContext(t *testing.T) {
	rb := newRingBuffer(1, 16)
	const window, hop = 4, 2

	rb.PushSample(0, 1)
	rb.PushSample(0, 2)
	out := rb.PeekWindow(0, window, hop)
	assert.Equal(t, []float32{0, 0, 1, 2}, out, "cold start: only one hop produced yet, left-padded with zeros")
	rb.Advance(0, hop)

	rb.PushSample(0, 3)
	rb.PushSample(0, 4)
	out = rb.PeekWindow(0, window, hop)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)
	rb.Advance(0, hop)
	assert.Equal(t, 2, rb.Available(0))

	rb.PushSample(0, 5)
	rb.PushSample(0, 6)
	out = rb.PeekWindow(0, window, hop)
	assert.Equal(t, []float32{3, 4, 5, 6}, out, "hop of 2 advances by 2; overlap of 2 carried from the prior window")
	rb.Advance(0, hop)
}

func TestRingBufferPushZerosAndDropSamples(t *testing.T) {
	rb := newRingBuffer(2, 16)
	rb.PushZeros(0, 5)
	assert.Equal(t, 5, rb.Available(0))
	rb.DropSamples(0, 3)
	assert.Equal(t, 2, rb.Available(0))
}

func TestRingBufferInitializeAndClearWithPositions(t *testing.T) {
	rb := newRingBuffer(1, 4)
	rb.PushSample(0, 1)
	rb.PushSample(0, 2)
	rb.clearWithPositions()
	assert.Equal(t, 0, rb.Available(0))

	rb.initializeWithPositions(2, 8)
	assert.Equal(t, 2, rb.NumChannels())
	assert.Equal(t, 0, rb.Available(0))
	assert.Equal(t, 0, rb.Available(1))
}
