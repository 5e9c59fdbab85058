package anira

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityInferenceConfig(hop int) *InferenceConfig {
	return &InferenceConfig{
		ModelData: []ModelData{{Path: "identity", Backend: BackendIdentity}},
		TensorShapes: []TensorShape{
			{Backend: BackendIdentity, InputShape: []int{1, hop}, OutputShape: []int{1, hop}},
		},
		NumAudioChannelsInput:  1,
		NumAudioChannelsOutput: 1,
		NumParallelProcessors:  1,
	}
}

func newTestManager(t *testing.T, version string) (*EngineContext, *Manager) {
	t.Helper()
	ctx, err := GetInstance(EngineConfig{
		Version:         version,
		EnabledBackends: []BackendKind{BackendIdentity},
		SyncMode:        SyncAtomicFlag,
		NumThreads:      2,
	})
	require.NoError(t, err)

	mgr, err := NewManager(ctx, nil, identityInferenceConfig(4), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Release() })
	return ctx, mgr
}

func TestManagerPrepareToPlayComputesLatencyAndSelectsBackend(t *testing.T) {
	_, mgr := newTestManager(t, "manager-prepare-1")
	require.NoError(t, mgr.PrepareToPlay(1000, 64, nil))

	assert.Equal(t, 100, mgr.LatencySamples(), "0.1 * sampleRate rounded")
	assert.Equal(t, BackendIdentity, mgr.Session().ActiveBackend())
}

func TestManagerOfflineSubmitProducesOutputSynchronously(t *testing.T) {
	_, mgr := newTestManager(t, "manager-offline-1")
	mgr.SetOfflineMode(true)
	require.NoError(t, mgr.PrepareToPlay(1000, 64, nil))

	require.NoError(t, mgr.Submit([][]float32{{1, 2, 3, 4}}))
	assert.Equal(t, 4, mgr.Session().recvRing.Available(0), "identity backend, one full hop processed inline")
}

func TestManagerRealtimeSubmitAndRequestRoundTrip(t *testing.T) {
	_, mgr := newTestManager(t, "manager-realtime-1")
	require.NoError(t, mgr.PrepareToPlay(1000, 4, nil))

	require.NoError(t, mgr.Submit([][]float32{{1, 2, 3, 4}}))

	// Worker runs on another goroutine; poll for completion instead of
	// assuming a fixed sleep always suffices.
	deadline := time.Now().Add(time.Second)
	out := [][]float32{make([]float32, 4)}
	for time.Now().Before(deadline) {
		require.NoError(t, mgr.Request(out))
		if out[0][0] != 0 || out[0][1] != 0 || out[0][2] != 0 || out[0][3] != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, []float32{1, 2, 3, 4}, out[0])
}

func TestManagerRequestShortageZeroesOutputAndCounts(t *testing.T) {
	_, mgr := newTestManager(t, "manager-shortage-1")
	require.NoError(t, mgr.PrepareToPlay(1000, 4, nil))

	out := [][]float32{{9, 9, 9, 9}}
	require.NoError(t, mgr.Request(out))
	assert.Equal(t, []float32{0, 0, 0, 0}, out[0])
	assert.Equal(t, int64(1), mgr.ShortageCount())
}

func TestManagerOfflineRequestDrainsSynchronouslyProducedOutput(t *testing.T) {
	_, mgr := newTestManager(t, "manager-offline-request-1")
	mgr.SetOfflineMode(true)
	require.NoError(t, mgr.PrepareToPlay(1000, 4, nil))

	require.NoError(t, mgr.Submit([][]float32{{1, 2, 3, 4}}))

	out := [][]float32{make([]float32, 4)}
	require.NoError(t, mgr.Request(out))
	assert.Equal(t, []float32{1, 2, 3, 4}, out[0], "identity backend: offline Submit already produced this in recvRing")
}
