// Package observe provides observability primitives for cadence:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and HTTP
// middleware for the control API.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus through the exporter bridge installed by [InitProvider]. Tests
// should build a private [Metrics] with [NewMetrics] and a
// [sdkmetric.ManualReader]-backed provider.
//
// Nothing in this package runs on the real-time audio path. Counters that the
// render thread maintains (cycles, underruns, bus usage) are exported through
// observable instruments that read the engine's Stats snapshots at collection
// time.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
)

// meterName is the instrumentation scope name used for all cadence metrics.
const meterName = "github.com/MrWong99/cadence"

// Metrics holds the OpenTelemetry instruments for the engine. All fields are
// safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Playback lifecycle counters, attribute "type" ---

	PlaybacksStarted  metric.Int64Counter
	PlaybacksFinished metric.Int64Counter
	PlaybacksStopped  metric.Int64Counter

	// PlaybacksRejected counts Play calls refused because no bus was free.
	PlaybacksRejected metric.Int64Counter

	// ActivePlaybacks tracks bound playbacks.
	ActivePlaybacks metric.Int64UpDownCounter

	// --- Sources ---

	// ResolveDuration tracks clip resolution latency. Attributes:
	//   attribute.String("scheme", ...), attribute.String("status", ...)
	ResolveDuration metric.Float64Histogram

	// SourceCache counts cache lookups. Attribute "result" is hit or miss.
	SourceCache metric.Int64Counter

	// --- Endpoints ---

	// EndpointFallbacks counts endpoint setups that fell back from the
	// requested mode.
	EndpointFallbacks metric.Int64Counter

	// CaptureDropped counts captured buffers the recorder had to drop.
	CaptureDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control API latency. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers cached lookups through slow remote fetches, in
// seconds.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a [Metrics] using mp. Returns an error if any instrument
// creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.PlaybacksStarted, err = m.Int64Counter("cadence.playbacks.started",
		metric.WithDescription("Playbacks bound to a mixer bus, by type."),
	); err != nil {
		return nil, err
	}
	if met.PlaybacksFinished, err = m.Int64Counter("cadence.playbacks.finished",
		metric.WithDescription("Playbacks that completed all traversals, by type."),
	); err != nil {
		return nil, err
	}
	if met.PlaybacksStopped, err = m.Int64Counter("cadence.playbacks.stopped",
		metric.WithDescription("Playbacks ended by Stop or StopAll, by type."),
	); err != nil {
		return nil, err
	}
	if met.PlaybacksRejected, err = m.Int64Counter("cadence.playbacks.rejected",
		metric.WithDescription("Play requests dropped because the bus pool was exhausted, by type."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlaybacks, err = m.Int64UpDownCounter("cadence.playbacks.active",
		metric.WithDescription("Playbacks currently bound to a bus."),
	); err != nil {
		return nil, err
	}

	if met.ResolveDuration, err = m.Float64Histogram("cadence.source.resolve.duration",
		metric.WithDescription("Latency of clip resolution by scheme and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SourceCache, err = m.Int64Counter("cadence.source.cache",
		metric.WithDescription("Decoded clip cache lookups by result."),
	); err != nil {
		return nil, err
	}

	if met.EndpointFallbacks, err = m.Int64Counter("cadence.endpoint.fallbacks",
		metric.WithDescription("Endpoint setups that fell back to a different mode."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("cadence.capture.dropped",
		metric.WithDescription("Captured buffers dropped by the recorder."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("cadence.http.request.duration",
		metric.WithDescription("Control API request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPlaybackStarted counts a bound playback of type typ.
func (m *Metrics) RecordPlaybackStarted(ctx context.Context, typ string) {
	attrs := metric.WithAttributes(Attr("type", typ))
	m.PlaybacksStarted.Add(ctx, 1, attrs)
	m.ActivePlaybacks.Add(ctx, 1)
}

// RecordPlaybackEnded counts a playback that left its bus. finished is true
// when it completed on its own, false when it was stopped.
func (m *Metrics) RecordPlaybackEnded(ctx context.Context, typ string, finished bool) {
	attrs := metric.WithAttributes(Attr("type", typ))
	if finished {
		m.PlaybacksFinished.Add(ctx, 1, attrs)
	} else {
		m.PlaybacksStopped.Add(ctx, 1, attrs)
	}
	m.ActivePlaybacks.Add(ctx, -1)
}

// RecordPlaybackRejected counts a Play that found no free bus.
func (m *Metrics) RecordPlaybackRejected(ctx context.Context, typ string) {
	m.PlaybacksRejected.Add(ctx, 1, metric.WithAttributes(Attr("type", typ)))
}

// RecordResolve records one clip resolution.
func (m *Metrics) RecordResolve(ctx context.Context, scheme string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ResolveDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("scheme", scheme), Attr("status", status)),
	)
}

// RecordCacheLookup counts a clip cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SourceCache.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// ─── Observable engine state ─────────────────────────────────────────────────

// ObserveMixer registers observable instruments that read stats at every
// collection. Unregister the returned registration when the mixer goes away.
func (m *Metrics) ObserveMixer(stats func() mixer.Stats) (metric.Registration, error) {
	inUse, err := m.meter.Int64ObservableGauge("cadence.mixer.buses.in_use",
		metric.WithDescription("Mixer buses bound to a playback."))
	if err != nil {
		return nil, err
	}
	free, err := m.meter.Int64ObservableGauge("cadence.mixer.buses.free",
		metric.WithDescription("Mixer buses available for dequeue."))
	if err != nil {
		return nil, err
	}
	rebuilt, err := m.meter.Int64ObservableCounter("cadence.mixer.buses.rebuilt",
		metric.WithDescription("Bus rebuilds for a different kind or a route change."))
	if err != nil {
		return nil, err
	}
	rejected, err := m.meter.Int64ObservableCounter("cadence.mixer.dequeue.rejected",
		metric.WithDescription("Dequeue requests refused because the pool was exhausted."))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(inUse, int64(s.InUse))
		o.ObserveInt64(free, int64(s.Free))
		o.ObserveInt64(rebuilt, int64(s.Rebuilt))
		o.ObserveInt64(rejected, int64(s.Rejected))
		return nil
	}, inUse, free, rebuilt, rejected)
}

// ObserveEndpoint registers observable counters for one endpoint unit,
// labelled with attribute "endpoint" = name.
func (m *Metrics) ObserveEndpoint(name string, stats func() endpoint.Stats) (metric.Registration, error) {
	cycles, err := m.meter.Int64ObservableCounter("cadence.endpoint.cycles",
		metric.WithDescription("Real-time callback invocations."))
	if err != nil {
		return nil, err
	}
	underruns, err := m.meter.Int64ObservableCounter("cadence.endpoint.underruns",
		metric.WithDescription("Render cycles that produced silence."))
	if err != nil {
		return nil, err
	}
	overruns, err := m.meter.Int64ObservableCounter("cadence.endpoint.overruns",
		metric.WithDescription("Callbacks that took longer than one buffer period."))
	if err != nil {
		return nil, err
	}
	resets, err := m.meter.Int64ObservableCounter("cadence.endpoint.resets",
		metric.WithDescription("Route changes handled by the unit."))
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(Attr("endpoint", name))
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(cycles, int64(s.Cycles), attrs)
		o.ObserveInt64(underruns, int64(s.Underruns), attrs)
		o.ObserveInt64(overruns, int64(s.Overruns), attrs)
		o.ObserveInt64(resets, int64(s.Resets), attrs)
		return nil
	}, cycles, underruns, overruns, resets)
}
