package anira

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all anira metrics.
const meterName = "github.com/cortexswarm/anira-go"

// metricsSet holds the OpenTelemetry instruments an EngineContext records
// against. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronization.
type metricsSet struct {
	activeSessions metric.Int64UpDownCounter
	queueDepth     metric.Int64UpDownCounter

	droppedHops        metric.Int64Counter
	noFreeSlot         metric.Int64Counter
	queueFull          metric.Int64Counter
	hostThreadFallback metric.Int64Counter

	inferenceDuration metric.Float64Histogram
}

// latencyBuckets are in milliseconds: an inference call is expected to
// complete well under a single audio block's duration.
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100}

// newMetricsSet builds instruments against the global OTel meter provider.
// Failure to create an instrument is not fatal to the engine — it falls back
// to a no-op instrument, matching otel's own behavior for an uninitialized
// global provider (so a host that never calls otel.SetMeterProvider still
// gets a working, metrics-free engine).
func newMetricsSet() *metricsSet {
	m := otel.GetMeterProvider().Meter(meterName)
	ms := &metricsSet{}

	ms.activeSessions, _ = m.Int64UpDownCounter("anira.active_sessions",
		metric.WithDescription("Number of sessions currently attached to the engine context."))
	ms.queueDepth, _ = m.Int64UpDownCounter("anira.dispatch_queue.depth",
		metric.WithDescription("Approximate number of in-flight dispatch queue entries."))
	ms.droppedHops, _ = m.Int64Counter("anira.dropped_hops",
		metric.WithDescription("Total model-input hops dropped due to degradation."))
	ms.noFreeSlot, _ = m.Int64Counter("anira.no_free_slot",
		metric.WithDescription("Total submissions that found no free inference slot."))
	ms.queueFull, _ = m.Int64Counter("anira.queue_full",
		metric.WithDescription("Total submissions rejected by a full dispatch queue."))
	ms.hostThreadFallback, _ = m.Int64Counter("anira.host_thread_fallback",
		metric.WithDescription("Total one-way fallbacks from host-threads mode to the internal worker pool."))
	ms.inferenceDuration, _ = m.Float64Histogram("anira.inference.duration",
		metric.WithDescription("Wall-clock duration of a single Processor.Process call."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	return ms
}

// sessionDelta adjusts the active-session gauge by delta (+1 on create, -1 on
// release) — UpDownCounter records deltas, not absolute values.
func (ms *metricsSet) sessionDelta(delta int64) {
	if ms == nil || ms.activeSessions == nil {
		return
	}
	ms.activeSessions.Add(context.Background(), delta)
}

// queueDepthDelta adjusts the dispatch-queue depth gauge by delta: +1 when
// an item is enqueued, -1 once it is dequeued for processing.
func (ms *metricsSet) queueDepthDelta(delta int64) {
	if ms == nil || ms.queueDepth == nil {
		return
	}
	ms.queueDepth.Add(context.Background(), delta)
}

func (ms *metricsSet) recordNoFreeSlot() {
	if ms == nil || ms.noFreeSlot == nil {
		return
	}
	ms.noFreeSlot.Add(context.Background(), 1)
	ms.droppedHops.Add(context.Background(), 1)
}

func (ms *metricsSet) recordQueueFull() {
	if ms == nil || ms.queueFull == nil {
		return
	}
	ms.queueFull.Add(context.Background(), 1)
	ms.droppedHops.Add(context.Background(), 1)
}

func (ms *metricsSet) recordHostThreadFallback() {
	if ms == nil || ms.hostThreadFallback == nil {
		return
	}
	ms.hostThreadFallback.Add(context.Background(), 1)
}

func (ms *metricsSet) recordInferenceDuration(ms64 float64) {
	if ms == nil || ms.inferenceDuration == nil {
		return
	}
	ms.inferenceDuration.Record(context.Background(), ms64)
}
