package anira

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchQueueFIFOOrder(t *testing.T) {
	q := newDispatchQueue(4)
	slots := make([]*slot, 4)
	for i := range slots {
		slots[i] = newSlot(i, []int{1, 2}, []int{1, 2})
		require.True(t, q.tryEnqueue(dispatchItem{slot: slots[i]}))
	}
	for i := 0; i < 4; i++ {
		item, ok := q.tryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, item.slot.index)
	}
	_, ok := q.tryDequeue()
	assert.False(t, ok)
}

func TestDispatchQueueRejectsWhenFull(t *testing.T) {
	q := newDispatchQueue(2) // rounds up to 2
	require.True(t, q.tryEnqueue(dispatchItem{slot: newSlot(0, []int{1, 1}, []int{1, 1})}))
	require.True(t, q.tryEnqueue(dispatchItem{slot: newSlot(1, []int{1, 1}, []int{1, 1})}))
	assert.False(t, q.tryEnqueue(dispatchItem{slot: newSlot(2, []int{1, 1}, []int{1, 1})}))
}

func TestDispatchQueueConcurrentProducersConsumers(t *testing.T) {
	q := newDispatchQueue(64)
	const n = 500

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				for !q.tryEnqueue(dispatchItem{slot: newSlot(i, []int{1, 1}, []int{1, 1})}) {
				}
			}
		}()
	}

	var mu sync.Mutex
	got := 0
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if got >= n {
					mu.Unlock()
					return
				}
				mu.Unlock()
				if _, ok := q.tryDequeue(); ok {
					mu.Lock()
					got++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, n, got)
}

func TestDispatchQueueDrainMatchingKeepsOrDrops(t *testing.T) {
	q := newDispatchQueue(8)
	sessA := &Session{id: 1}
	sessB := &Session{id: 2}
	require.True(t, q.tryEnqueue(dispatchItem{session: sessA, slot: newSlot(0, []int{1, 1}, []int{1, 1})}))
	require.True(t, q.tryEnqueue(dispatchItem{session: sessB, slot: newSlot(1, []int{1, 1}, []int{1, 1})}))
	require.True(t, q.tryEnqueue(dispatchItem{session: sessA, slot: newSlot(2, []int{1, 1}, []int{1, 1})}))

	var dropped int
	q.drainMatching(func(item dispatchItem) bool {
		if item.session == sessA {
			dropped++
			return false
		}
		return true
	})
	assert.Equal(t, 2, dropped)

	item, ok := q.tryDequeue()
	require.True(t, ok)
	assert.Same(t, sessB, item.session)
	_, ok = q.tryDequeue()
	assert.False(t, ok)
}
