// Package anira streams audio through neural-network backends without
// blocking the realtime audio thread.
//
// An EngineContext owns a worker pool and a shared lock-free dispatch queue.
// Each stream gets a Session (ring buffers, a fixed pool of inference slots,
// and per-backend processors) wrapped by a Manager, the façade the audio
// thread calls: PrepareToPlay, Submit, Request, SetBackend. Submit copies
// samples into the session's send ring and, for every hop of new samples
// (the active shape's OutputSamples) that has accumulated, claims a slot,
// runs pre-process, and enqueues it for a worker. Request drains completed slots in submission order, running
// post-process and copying the result into the caller's output block.
//
// A Processor is the opaque per-backend strategy: Prepare once, then
// Process(input, output, session) repeatedly from a worker goroutine.
// IdentityProcessor and ONNXProcessor are the two compiled-in variants; a
// caller-supplied CustomProcessor can shadow either.
package anira
