package anira

import "errors"

// BackendKind tags a compiled-in or custom neural-network backend. It is the
// same string used in ModelData.Backend and TensorShape.Backend so that a
// session can look up the right model path and tensor shape for whichever
// backend is currently active.
type BackendKind string

// Layout describes how a tensor's flat data is arranged relative to audio
// channels and time. A backend declares the layout it expects; the
// pre/post-processor uses it to decide the stride when copying samples.
type Layout int

const (
	// LayoutChannelsFirst lays out data as [channel][sample].
	LayoutChannelsFirst Layout = iota
	// LayoutTimeFirst lays out data as [sample][channel].
	LayoutTimeFirst
)

// SyncMode selects the primitive used to guard a slot's done flag.
//
// SyncAtomicFlag is the only mode valid on the realtime audio path: a single
// try-acquire, never blocking. SyncSemaphore additionally allows a bounded
// wait and is only valid for non-realtime callers (see DESIGN.md).
type SyncMode int

const (
	SyncAtomicFlag SyncMode = iota
	SyncSemaphore
)

func (m SyncMode) String() string {
	switch m {
	case SyncAtomicFlag:
		return "atomic-flag"
	case SyncSemaphore:
		return "semaphore"
	default:
		return "unknown"
	}
}

// ModelData associates a model file on disk with the backend that loads it.
type ModelData struct {
	Path    string
	Backend BackendKind
}

// TensorShape declares the input/output tensor shape a backend expects, and
// the layout convention needed to move samples between ring buffers and flat
// tensors.
type TensorShape struct {
	Backend BackendKind

	// InputShape and OutputShape are declared as [channels, samples] when
	// Layout is LayoutChannelsFirst, or [samples, channels] when
	// LayoutTimeFirst.
	InputShape  []int
	OutputShape []int
	Layout      Layout
}

func (s TensorShape) dim(shape []int, wantChannels bool) int {
	if len(shape) != 2 {
		return 0
	}
	channelsIdx := 0
	if s.Layout == LayoutTimeFirst {
		channelsIdx = 1
	}
	if wantChannels {
		return shape[channelsIdx]
	}
	return shape[1-channelsIdx]
}

// InputChannels returns the number of channels declared by InputShape.
func (s TensorShape) InputChannels() int { return s.dim(s.InputShape, true) }

// InputSamples returns the number of samples per channel declared by InputShape.
func (s TensorShape) InputSamples() int { return s.dim(s.InputShape, false) }

// OutputChannels returns the number of channels declared by OutputShape.
func (s TensorShape) OutputChannels() int { return s.dim(s.OutputShape, true) }

// OutputSamples returns the number of samples per channel declared by
// OutputShape, i.e. the hop: the number of new samples produced per inference.
func (s TensorShape) OutputSamples() int { return s.dim(s.OutputShape, false) }

func (s TensorShape) inputLen() int  { return s.InputShape[0] * s.InputShape[1] }
func (s TensorShape) outputLen() int { return s.OutputShape[0] * s.OutputShape[1] }

// InferenceConfig is the immutable per-session model/shape configuration
// shared by a session and its processors.
type InferenceConfig struct {
	ModelData    []ModelData
	TensorShapes []TensorShape

	MaxInferenceTimeMS     int
	InternalLatencySamples int
	NumAudioChannelsInput  int
	NumAudioChannelsOutput int

	NumParallelProcessors     int
	SessionExclusiveProcessor bool
	WaitInProcessBlock        bool
}

// ShapeFor returns the declared tensor shape for a backend.
func (c *InferenceConfig) ShapeFor(b BackendKind) (TensorShape, bool) {
	for _, ts := range c.TensorShapes {
		if ts.Backend == b {
			return ts, true
		}
	}
	return TensorShape{}, false
}

// ModelPathFor returns the model file path for a backend.
func (c *InferenceConfig) ModelPathFor(b BackendKind) (string, bool) {
	for _, md := range c.ModelData {
		if md.Backend == b {
			return md.Path, true
		}
	}
	return "", false
}

// InputSizes returns, per declared backend, the total element count of its input tensor.
func (c *InferenceConfig) InputSizes() map[BackendKind]int {
	out := make(map[BackendKind]int, len(c.TensorShapes))
	for _, ts := range c.TensorShapes {
		out[ts.Backend] = ts.inputLen()
	}
	return out
}

// OutputSizes returns, per declared backend, the total element count of its output tensor.
func (c *InferenceConfig) OutputSizes() map[BackendKind]int {
	out := make(map[BackendKind]int, len(c.TensorShapes))
	for _, ts := range c.TensorShapes {
		out[ts.Backend] = ts.outputLen()
	}
	return out
}

// IndexAudioDataInput returns the channel indices considered audio data on
// the input side (0..NumAudioChannelsInput-1). Derived purely from config.
func (c *InferenceConfig) IndexAudioDataInput() []int {
	return indexRange(c.NumAudioChannelsInput)
}

// IndexAudioDataOutput returns the channel indices considered audio data on
// the output side (0..NumAudioChannelsOutput-1).
func (c *InferenceConfig) IndexAudioDataOutput() []int {
	return indexRange(c.NumAudioChannelsOutput)
}

func indexRange(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func validateInferenceConfig(cfg *InferenceConfig) error {
	if cfg == nil {
		return errors.New("anira: inference config is required")
	}
	if cfg.NumAudioChannelsInput <= 0 {
		return errors.New("anira: InferenceConfig.NumAudioChannelsInput must be > 0")
	}
	if cfg.NumAudioChannelsOutput <= 0 {
		return errors.New("anira: InferenceConfig.NumAudioChannelsOutput must be > 0")
	}
	if len(cfg.TensorShapes) == 0 {
		return errors.New("anira: InferenceConfig.TensorShapes is required")
	}
	for _, ts := range cfg.TensorShapes {
		if ts.OutputSamples() <= 0 {
			return errors.New("anira: TensorShape for " + string(ts.Backend) + " has zero hop (OutputSamples)")
		}
		if ts.InputSamples() < ts.OutputSamples() {
			return errors.New("anira: TensorShape for " + string(ts.Backend) + " has InputSamples < OutputSamples (hop)")
		}
	}
	if cfg.NumParallelProcessors <= 0 {
		cfg.NumParallelProcessors = 1
	}
	return nil
}

// EngineConfig is the process-wide engine context configuration (spec.md §6).
type EngineConfig struct {
	// Version is an opaque compatibility tag; re-entry with a different
	// value is a configuration mismatch.
	Version string

	// EnabledBackends is the set of backend tags the context was built for.
	EnabledBackends []BackendKind

	SyncMode SyncMode

	// NumThreads is the internal worker pool size. 0 means host-threads only.
	NumThreads int

	// UseHostThreads opts into host-supplied worker threads. May be
	// disabled later (graceful fallback) but not re-enabled while any
	// session is alive.
	UseHostThreads bool

	// WaitFactor scales the SyncSemaphore bounded-wait timeout used by
	// NewDataRequest (timeout = bufferSeconds * 1e6 * WaitFactor
	// microseconds). Zero means 1.0.
	WaitFactor float64
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.Version == "" {
		return errors.New("anira: EngineConfig.Version is required")
	}
	if cfg.NumThreads < 0 {
		return errors.New("anira: EngineConfig.NumThreads must be >= 0")
	}
	if cfg.NumThreads == 0 && !cfg.UseHostThreads {
		return errors.New("anira: EngineConfig requires NumThreads > 0 or UseHostThreads")
	}
	return nil
}

func (c EngineConfig) backendSet() map[BackendKind]struct{} {
	s := make(map[BackendKind]struct{}, len(c.EnabledBackends))
	for _, b := range c.EnabledBackends {
		s[b] = struct{}{}
	}
	return s
}

// HostAudioConfig describes the audio host's block size, sample rate, and an
// optional callback for submitting inference work to host-owned threads
// instead of the engine's internal worker pool.
type HostAudioConfig struct {
	BlockSize  int
	SampleRate int

	// SubmitTaskToHostThread, when non-nil, requests that the host run one
	// unit of work on its own thread pool. Returns false on failure, which
	// triggers a one-way fallback to the internal worker pool.
	SubmitTaskToHostThread func(nTasks int) bool
}

func validateHostAudioConfig(cfg HostAudioConfig) error {
	if cfg.BlockSize <= 0 {
		return errors.New("anira: HostAudioConfig.BlockSize must be > 0")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("anira: HostAudioConfig.SampleRate must be > 0")
	}
	return nil
}

// retentionSeconds is the ring buffer retention window: capacity = sample_rate * retentionSeconds.
const retentionSeconds = 20

// defaultSlotPoolSize is the fixed number of inference slots per session.
const defaultSlotPoolSize = 20
