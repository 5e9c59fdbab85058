package anira

import (
	"log/slog"
	"math"
)

// Manager is the per-stream façade the audio thread talks to: PrepareToPlay,
// Submit, Request, SetBackend. It wraps one Session and the EngineContext
// that owns it, translating block-shaped audio I/O into the ring-buffer and
// dispatch-queue operations described by the engine context.
type Manager struct {
	ctx     *EngineContext
	session *Session

	offline        bool
	latencySamples int
}

// NewManager creates a session on ctx and wraps it in a Manager. pp may be
// nil to use DefaultPrePostProcessor. custom optionally shadows one tagged
// backend's compiled-in processor.
func NewManager(ctx *EngineContext, pp PrePostProcessor, cfg *InferenceConfig, custom *CustomProcessor) (*Manager, error) {
	sess, err := ctx.CreateSession(pp, cfg, custom)
	if err != nil {
		return nil, err
	}
	return &Manager{ctx: ctx, session: sess}, nil
}

// SetOfflineMode toggles between realtime streaming (ring-buffer/dispatch
// queue) and synchronous offline processing. Must be called before
// PrepareToPlay's first Submit/Request.
func (m *Manager) SetOfflineMode(offline bool) { m.offline = offline }

// Session returns the underlying session, for callers that need direct
// access (e.g. to read ActiveBackend or IsInitialized).
func (m *Manager) Session() *Session { return m.session }

// PrepareToPlay sets the default latency (rounded 0.1 * sampleRate samples),
// builds a HostAudioConfig, delegates to the engine context's Prepare, and
// selects the session's initial backend (the first one declared in the
// inference config's tensor shapes).
func (m *Manager) PrepareToPlay(sampleRate, blockSize int, submitToHost func(nTasks int) bool) error {
	hostCfg := HostAudioConfig{
		BlockSize:              blockSize,
		SampleRate:             sampleRate,
		SubmitTaskToHostThread: submitToHost,
	}
	if err := m.ctx.Prepare(m.session, hostCfg); err != nil {
		return err
	}
	m.latencySamples = int(math.Round(0.1 * float64(sampleRate)))

	if len(m.session.cfg.TensorShapes) > 0 {
		m.session.SetBackend(m.session.cfg.TensorShapes[0].Backend)
	}
	return nil
}

// LatencySamples returns the default latency computed by PrepareToPlay.
func (m *Manager) LatencySamples() int { return m.latencySamples }

// ShortageCount returns how many Request calls have found fewer than one
// block of samples available in the receive ring.
func (m *Manager) ShortageCount() int64 { return m.session.shortageCount.Load() }

// Submit pushes one block of samples (per channel) into the session. In
// realtime mode it copies into the send ring and notifies the engine
// context; in offline mode it runs the processor synchronously and pushes
// the result straight into the receive ring.
func (m *Manager) Submit(input [][]float32) error {
	if m.offline {
		return m.submitOffline(input)
	}
	for ch, data := range input {
		for _, v := range data {
			m.session.sendRing.PushSample(ch, v)
		}
	}
	return m.ctx.NewDataSubmitted(m.session)
}

// submitOffline bypasses the dispatch queue and worker pool entirely: it
// buffers the block, then for every complete hop runs pre-process, the
// active backend's Process, and post-process synchronously on the calling
// goroutine.
func (m *Manager) submitOffline(input [][]float32) error {
	for ch, data := range input {
		for _, v := range data {
			m.session.sendRing.PushSample(ch, v)
		}
	}

	shape, ok := m.session.cfg.ShapeFor(m.session.ActiveBackend())
	if !ok {
		return ErrInvalidBackend
	}
	proc, ok := m.session.processorFor(m.session.ActiveBackend())
	if !ok {
		return ErrInvalidBackend
	}
	hop := shape.OutputSamples()
	if hop <= 0 {
		return ErrInvalidBackend
	}

	for m.session.sendRing.Available(0) >= hop {
		in := newTensor(shape.InputShape)
		out := newTensor(shape.OutputShape)
		m.session.prepost.PreProcess(m.session.sendRing, in, shape)
		if err := proc.Process(in, out, m.session); err != nil {
			return err
		}
		m.session.prepost.PostProcess(out, m.session.recvRing, shape)
	}
	return nil
}

// Request drains a block-worth of samples (per channel) from the session's
// receive ring. In realtime mode it first asks the engine context to drain
// any completed slots; in offline mode the receive ring was already filled
// synchronously by Submit, so this only drains it. If the receive ring holds
// at least two blocks, one block is dropped to catch up before the requested
// block is delivered; if fewer than a block is available, the output is
// zeroed, the shortage is logged, and the shortage counter is incremented.
func (m *Manager) Request(output [][]float32) error {
	if !m.offline {
		if err := m.ctx.NewDataRequest(m.session, 0); err != nil {
			return err
		}
	}
	if len(output) == 0 || len(output[0]) == 0 {
		return nil
	}
	blockLen := len(output[0])

	if m.session.recvRing.Available(0) >= 2*blockLen {
		for ch := 0; ch < m.session.recvRing.NumChannels(); ch++ {
			m.session.recvRing.DropSamples(ch, blockLen)
		}
	}

	if available := m.session.recvRing.Available(0); available < blockLen {
		slog.Warn("anira: missing samples on request; output zeroed",
			"session", m.session.id, "available", available, "needed", blockLen)
		for ch := range output {
			for i := range output[ch] {
				output[ch][i] = 0
			}
		}
		m.session.shortageCount.Add(1)
		return nil
	}

	for ch := range output {
		for i := 0; i < blockLen; i++ {
			v, _ := m.session.recvRing.PopSample(ch)
			output[ch][i] = v
		}
	}
	return nil
}

// SetBackend atomically selects the active backend; it takes effect on the
// next pre/post-process call.
func (m *Manager) SetBackend(b BackendKind) { m.session.SetBackend(b) }

// Release releases the underlying session from the engine context.
func (m *Manager) Release() error { return m.ctx.ReleaseSession(m.session) }
