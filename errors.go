package anira

import "errors"

var (
	// ErrConfigMismatch names the condition of GetInstance being called
	// with a config incompatible with the already-running singleton.
	// GetInstance logs a description of the mismatch and returns the
	// existing instance; it neither returns nor logs this value (see
	// DESIGN.md).
	ErrConfigMismatch = errors.New("anira: engine context re-entry with incompatible config")

	// ErrSessionNotInitialized names an operation on a session whose
	// initialized flag is not set. No function in this package returns it:
	// NewDataSubmitted on such a session enqueues nothing and returns nil.
	ErrSessionNotInitialized = errors.New("anira: session is not initialized")

	// ErrQueueFull names a rejected dispatch-queue enqueue. NewDataSubmitted
	// handles that case by degrading gracefully and does not return it.
	ErrQueueFull = errors.New("anira: dispatch queue is full")

	// ErrNoFreeSlot mirrors ErrQueueFull for the no-free-slot case.
	ErrNoFreeSlot = errors.New("anira: no free inference slot")

	// ErrInvalidBackend is fatal: the session reached pre/post-process
	// with a backend tag it has no processor for.
	ErrInvalidBackend = errors.New("anira: invalid or unconfigured backend")

	// ErrEngineClosed names an operation on a released session or a
	// torn-down engine context. No function in this package returns it.
	ErrEngineClosed = errors.New("anira: engine context is released")

	// ErrHostThreadsNotActive is returned by ExecInference when host
	// threads are not the active dispatch mode.
	ErrHostThreadsNotActive = errors.New("anira: host-threads mode is not active")

	// ErrSessionBusy is returned by ReleaseSession if called concurrently
	// on the same session (not expected from a single control thread, but
	// guarded defensively).
	ErrSessionBusy = errors.New("anira: session release already in progress")
)
