package anira

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Processor is the caller-supplied or compiled-in strategy that runs one
// backend's inference. A processor the engine context builds from a
// BackendFactory is prepared once before any Process call; a Processor
// passed in through CustomProcessor is attached as given, without a Prepare
// call. Process must not allocate. It runs on a worker goroutine, on a host
// thread through ExecInference, or, in offline mode, on the goroutine that
// calls Manager.Submit.
type Processor interface {
	Prepare() error
	Process(input, output *Tensor, session *Session) error
}

// IdentityProcessor copies input to output verbatim. Backs spec.md §8
// scenario 1 (identity backend) and is useful as a default backend in tests
// that don't want to load a real model.
type IdentityProcessor struct{}

func (IdentityProcessor) Prepare() error { return nil }

func (IdentityProcessor) Process(input, output *Tensor, _ *Session) error {
	if len(input.Data) != len(output.Data) {
		return fmt.Errorf("anira: identity backend requires equal input/output length, got %d/%d", len(input.Data), len(output.Data))
	}
	copy(output.Data, input.Data)
	return nil
}

// processorKey identifies a processor's configuration for sharing purposes:
// two sessions requesting the same backend with the same model path and
// tensor shape reuse one processor instance, unless the config marks the
// processor session-exclusive.
type processorKey struct {
	backend BackendKind
	hash    [32]byte
}

func newProcessorKey(backend BackendKind, cfg *InferenceConfig) processorKey {
	h := sha256.New()
	if path, ok := cfg.ModelPathFor(backend); ok {
		h.Write([]byte(path))
	}
	if shape, ok := cfg.ShapeFor(backend); ok {
		writeInts(h, shape.InputShape)
		writeInts(h, shape.OutputShape)
		h.Write([]byte{byte(shape.Layout)})
	}
	var out processorKey
	out.backend = backend
	copy(out.hash[:], h.Sum(nil))
	return out
}

func writeInts(h interface{ Write([]byte) (int, error) }, vals []int) {
	buf := make([]byte, 8)
	for _, v := range vals {
		binary.LittleEndian.PutUint64(buf, uint64(v))
		h.Write(buf)
	}
}

// sharedProcessorEntry reference-counts a processor shared across sessions
// with an identical processorKey.
type sharedProcessorEntry struct {
	key   processorKey
	proc  Processor
	count int
}

// processorPool owns the shared (non-exclusive) processor instances for the
// engine context, keyed by backend + config identity.
type processorPool struct {
	mu      sync.Mutex
	entries map[processorKey]*sharedProcessorEntry
}

func newProcessorPool() *processorPool {
	return &processorPool{entries: make(map[processorKey]*sharedProcessorEntry)}
}

// acquire returns a processor for backend/cfg, constructing and preparing a
// new one via newProc if none is shared yet (or if exclusive is true, in
// which case sharing is bypassed entirely and a fresh instance is always
// returned with no pool bookkeeping).
func (p *processorPool) acquire(backend BackendKind, cfg *InferenceConfig, exclusive bool, newProc func() (Processor, error)) (Processor, error) {
	if exclusive {
		proc, err := newProc()
		if err != nil {
			return nil, err
		}
		if err := proc.Prepare(); err != nil {
			return nil, err
		}
		return proc, nil
	}

	p.mu.Lock()
	key := newProcessorKey(backend, cfg)
	if entry, ok := p.entries[key]; ok {
		entry.count++
		p.mu.Unlock()
		return entry.proc, nil
	}
	p.mu.Unlock()

	proc, err := newProc()
	if err != nil {
		return nil, err
	}
	if err := proc.Prepare(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[key]; ok {
		// Lost a race with another acquire for the same key; keep the
		// winner's instance and drop ours.
		entry.count++
		if destroyer, ok := proc.(interface{ Destroy() error }); ok {
			_ = destroyer.Destroy()
		}
		return entry.proc, nil
	}
	p.entries[key] = &sharedProcessorEntry{key: key, proc: proc, count: 1}
	return proc, nil
}

// release drops one reference to the processor for backend/cfg and destroys
// it once the last reference is gone, mirroring the shared_ptr last-release
// teardown the original engine relies on. exclusive processors are not
// pool-tracked; the caller (ReleaseSession) destroys those itself.
func (p *processorPool) release(backend BackendKind, cfg *InferenceConfig) {
	p.mu.Lock()
	key := newProcessorKey(backend, cfg)
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.count--
	if entry.count > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	if destroyer, ok := entry.proc.(interface{ Destroy() error }); ok {
		_ = destroyer.Destroy()
	}
}

var errUnknownBackendProcessor = errors.New("anira: no processor constructor registered for backend")
