package anira

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitUntil polls cond until it returns true or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestEngineIdentityBackendRampWithLatencyWarmup(t *testing.T) {
	ctx, err := GetInstance(EngineConfig{
		Version:         "scenario-1",
		EnabledBackends: []BackendKind{BackendIdentity},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      2,
	})
	require.NoError(t, err)

	mgr, err := NewManager(ctx, nil, identityInferenceConfig(4), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Release() })
	require.NoError(t, mgr.PrepareToPlay(1000, 4, nil))

	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.Submit([][]float32{{1, 2, 3, 4}}))
	}

	// Completed slots reach the receive ring only through NewDataRequest.
	waitUntil(t, time.Second, func() bool {
		_ = ctx.NewDataRequest(mgr.Session(), 0)
		return mgr.Session().recvRing.Available(0) >= 20
	})
	assert.GreaterOrEqual(t, mgr.Session().recvRing.Available(0), 20)
}

func TestEngineNewDataRequestNeverReordersCompletions(t *testing.T) {
	ctx, err := GetInstance(EngineConfig{
		Version:         "scenario-2",
		EnabledBackends: []BackendKind{BackendIdentity},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      1,
	})
	require.NoError(t, err)

	mgr, err := NewManager(ctx, nil, identityInferenceConfig(4), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Release() })
	require.NoError(t, mgr.PrepareToPlay(1000, 4, nil))

	sess := mgr.Session()
	shape, ok := ctx.inferenceShape(sess)
	require.True(t, ok)

	ts0 := sess.nextTimestamp()
	sl0, ok := sess.claimFreeSlot(ts0)
	require.True(t, ok)
	sess.pending.push(ts0)

	ts1 := sess.nextTimestamp()
	sl1, ok := sess.claimFreeSlot(ts1)
	require.True(t, ok)
	sess.pending.push(ts1)

	// The second slot (newer) finishes first; the first (older, still
	// in-flight) has not. A request must not skip ahead to the finished
	// slot out of order — it has to stop and wait for ts0.
	copy(sl1.output.Data, []float32{5, 6, 7, 8})
	sl1.markDone()

	require.NoError(t, ctx.NewDataRequest(sess, 0))
	assert.Equal(t, 0, sess.recvRing.Available(0), "the not-yet-done oldest slot blocks delivery of the newer one")

	copy(sl0.output.Data, []float32{1, 2, 3, 4})
	sl0.markDone()

	require.NoError(t, ctx.NewDataRequest(sess, 0))
	assert.Equal(t, 2*shape.OutputSamples(), sess.recvRing.Available(0))

	for ch := 0; ch < sess.recvRing.NumChannels(); ch++ {
		for i := 0; i < shape.OutputSamples(); i++ {
			v, ok := sess.recvRing.PopSample(ch)
			require.True(t, ok)
			assert.Equal(t, float32(1+i), v)
		}
	}
}

func TestEngineQueueSaturationDegradesGracefully(t *testing.T) {
	ctx, err := GetInstance(EngineConfig{
		Version:         "scenario-3",
		EnabledBackends: []BackendKind{BackendIdentity},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      0,
		UseHostThreads:  true,
	})
	require.NoError(t, err)

	mgr, err := NewManager(ctx, nil, identityInferenceConfig(4), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Release() })
	require.NoError(t, mgr.PrepareToPlay(1000, 4, func(int) bool { return true }))

	// No host thread actually runs ExecInference here, so every claimed slot
	// stays in-flight forever: the slot pool (defaultSlotPoolSize == 20)
	// saturates after 20 submitted hops, and every hop after that degrades.
	for i := 0; i < defaultSlotPoolSize+8; i++ {
		require.NoError(t, mgr.Submit([][]float32{{1, 2, 3, 4}}))
	}

	for _, sl := range mgr.Session().slots {
		assert.False(t, sl.free.Load(), "all slots should be claimed and stuck in-flight")
	}
	// 8 of the submitted hops found no free slot and degraded to silence
	// in the receive ring.
	assert.Equal(t, 8*4, mgr.Session().recvRing.Available(0))
}

func TestEngineBackendSwitchMidStreamNoCrash(t *testing.T) {
	ctx, err := GetInstance(EngineConfig{
		Version:         "scenario-4",
		EnabledBackends: []BackendKind{BackendIdentity},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      2,
	})
	require.NoError(t, err)

	ctx.RegisterBackendFactory("alt", func(*InferenceConfig) (Processor, error) {
		return IdentityProcessor{}, nil
	})

	cfg := &InferenceConfig{
		ModelData: []ModelData{
			{Path: "identity", Backend: BackendIdentity},
			{Path: "alt", Backend: "alt"},
		},
		TensorShapes: []TensorShape{
			{Backend: BackendIdentity, InputShape: []int{1, 4}, OutputShape: []int{1, 4}},
			{Backend: "alt", InputShape: []int{1, 4}, OutputShape: []int{1, 4}},
		},
		NumAudioChannelsInput:  1,
		NumAudioChannelsOutput: 1,
		NumParallelProcessors:  1,
	}
	// "alt" is not in EnabledBackends, so CreateSession only auto-attaches
	// BackendIdentity; supply alt explicitly via CustomProcessor so both
	// backends have a processor attached for the mid-stream switch below.
	mgr, err := NewManager(ctx, nil, cfg, &CustomProcessor{Backend: "alt", Processor: IdentityProcessor{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Release() })
	require.NoError(t, mgr.PrepareToPlay(1000, 4, nil))

	require.NoError(t, mgr.Submit([][]float32{{1, 2, 3, 4}}))
	mgr.SetBackend("alt")
	require.NoError(t, mgr.Submit([][]float32{{5, 6, 7, 8}}))

	// Completed slots reach the receive ring only through NewDataRequest.
	waitUntil(t, time.Second, func() bool {
		_ = ctx.NewDataRequest(mgr.Session(), 0)
		return mgr.Session().recvRing.Available(0) >= 8
	})
	assert.GreaterOrEqual(t, mgr.Session().recvRing.Available(0), 8, "no crash, no sample loss across the switch")
}

func TestEngineSessionReleaseUnderLoadDrainsDispatchQueue(t *testing.T) {
	ctx, err := GetInstance(EngineConfig{
		Version:         "scenario-5",
		EnabledBackends: []BackendKind{BackendIdentity},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      0,
		UseHostThreads:  true,
	})
	require.NoError(t, err)

	mgr, err := NewManager(ctx, nil, identityInferenceConfig(4), nil)
	require.NoError(t, err)
	require.NoError(t, mgr.PrepareToPlay(1000, 4, func(int) bool { return true }))

	for i := 0; i < 6; i++ {
		require.NoError(t, mgr.Submit([][]float32{{1, 2, 3, 4}}))
	}

	sess := mgr.Session()
	require.NoError(t, mgr.Release())

	found := false
	ctx.queue.drainMatching(func(item dispatchItem) bool {
		if item.session == sess {
			found = true
		}
		return true
	})
	assert.False(t, found, "dispatch queue must contain no entries for a released session")
}

func TestEngineContextReinitMismatchKeepsExistingInstance(t *testing.T) {
	ctx1, err := GetInstance(EngineConfig{
		Version:         "scenario-6",
		EnabledBackends: []BackendKind{BackendIdentity},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      1,
	})
	require.NoError(t, err)
	mgr, err := NewManager(ctx1, nil, identityInferenceConfig(4), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Release() })

	ctx2, err := GetInstance(EngineConfig{
		Version:         "scenario-6",
		EnabledBackends: []BackendKind{BackendIdentity, "alt"},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      1,
	})
	require.NoError(t, err, "mismatch is logged, not returned as an error")
	assert.Same(t, ctx1, ctx2, "re-entry with a different enabled-backend set returns the existing instance")
	assert.Len(t, ctx2.cfg.EnabledBackends, 1, "the new backend set is not applied")
}
