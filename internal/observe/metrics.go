// Package observe provides application-wide observability primitives for
// Voxaid: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxaid metrics.
const meterName = "github.com/MrWong99/voxaid"

// Histogram bucket boundaries. These are part of the external observability
// contract; dashboards and alerts depend on them.
var (
	sessionDurationBuckets    = []float64{1, 10, 30, 60, 120, 240, 480, 960, 1920}
	generationDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20}
	pingBuckets               = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2}
	sttTTFTBuckets            = []float64{0.01, 0.015, 0.025, 0.05, 0.075, 0.1}
	llmTTFTBuckets            = []float64{0.05, 0.075, 0.1, 0.15, 0.2, 0.25, 0.3, 0.4, 0.5, 0.75, 1}
	requestWordBuckets        = []float64{50, 100, 200, 500, 1000, 2000, 4000, 6000, 8000}
	sttWordBuckets            = []float64{0, 50, 100, 200, 500, 1000, 2000, 4000}
	replyWordBuckets          = []float64{5, 10, 25, 50, 100, 200}
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// Sessions counts accepted realtime sessions.
	Sessions metric.Int64Counter

	// ActiveSessions tracks the number of live realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long realtime sessions last.
	SessionDuration metric.Float64Histogram

	// ForceDisconnects counts sessions the server closed with 1011.
	ForceDisconnects metric.Int64Counter

	// HardErrors counts unexpected internal errors that killed a session.
	HardErrors metric.Int64Counter

	// --- Upstream discovery ---

	// ServiceMisses counts find_instance exhaustions. Use with
	// attribute.String("service", ...).
	ServiceMisses metric.Int64Counter

	// HardServiceMisses counts individual candidate failures that were not
	// capacity rejections. Use with attribute.String("service", ...).
	HardServiceMisses metric.Int64Counter

	// FatalServiceMisses counts sessions refused because no upstream could be
	// found at all.
	FatalServiceMisses metric.Int64Counter

	// HealthChecks counts health probes. Use with attribute.Bool("ok", ...).
	HealthChecks metric.Int64Counter

	// --- STT ---

	// STTSessions counts opened STT upstream streams.
	STTSessions metric.Int64Counter

	// STTActiveSessions tracks live STT upstream streams.
	STTActiveSessions metric.Int64UpDownCounter

	// STTSentFrames counts audio frames pushed to the STT.
	STTSentFrames metric.Int64Counter

	// STTRecvWords counts transcript words received from the STT.
	STTRecvWords metric.Int64Counter

	// STTPingTime tracks how long an STT candidate took to accept or reject
	// a handshake.
	STTPingTime metric.Float64Histogram

	// STTFindTime tracks the total time to find a usable STT instance.
	STTFindTime metric.Float64Histogram

	// STTTimeToFirstToken tracks the delay until the first STT step message.
	STTTimeToFirstToken metric.Float64Histogram

	// STTAudioDuration tracks seconds of audio consumed per STT stream.
	STTAudioDuration metric.Float64Histogram

	// STTWordCount tracks transcript words per STT stream.
	STTWordCount metric.Float64Histogram

	// --- LLM ---

	// LLMGenerations counts started generations.
	LLMGenerations metric.Int64Counter

	// LLMActiveGenerations tracks in-flight generations.
	LLMActiveGenerations metric.Int64UpDownCounter

	// LLMInterrupts counts generations cancelled by replacement or VAD.
	LLMInterrupts metric.Int64Counter

	// LLMHardErrors counts generations that failed after retries.
	LLMHardErrors metric.Int64Counter

	// LLMTimeToFirstToken tracks the delay until the first streamed delta.
	LLMTimeToFirstToken metric.Float64Histogram

	// LLMGenerationDuration tracks full generation wall time.
	LLMGenerationDuration metric.Float64Histogram

	// LLMRequestWords tracks prompt length in words.
	LLMRequestWords metric.Float64Histogram

	// LLMReplyWords tracks reply length in words.
	LLMReplyWords metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.Sessions, err = m.Int64Counter("voxaid.sessions",
		metric.WithDescription("Total accepted realtime sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxaid.active_sessions",
		metric.WithDescription("Number of live realtime sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxaid.session.duration",
		metric.WithDescription("Realtime session duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ForceDisconnects, err = m.Int64Counter("voxaid.force_disconnects",
		metric.WithDescription("Sessions closed by the server with status 1011."),
	); err != nil {
		return nil, err
	}
	if met.HardErrors, err = m.Int64Counter("voxaid.hard_errors",
		metric.WithDescription("Unexpected internal errors that terminated a session."),
	); err != nil {
		return nil, err
	}

	// Upstream discovery.
	if met.ServiceMisses, err = m.Int64Counter("voxaid.service.misses",
		metric.WithDescription("Instance searches that exhausted all candidates, by service."),
	); err != nil {
		return nil, err
	}
	if met.HardServiceMisses, err = m.Int64Counter("voxaid.service.hard_misses",
		metric.WithDescription("Candidate failures other than capacity rejections, by service."),
	); err != nil {
		return nil, err
	}
	if met.FatalServiceMisses, err = m.Int64Counter("voxaid.service.fatal_misses",
		metric.WithDescription("Sessions refused because no upstream instance was available."),
	); err != nil {
		return nil, err
	}
	if met.HealthChecks, err = m.Int64Counter("voxaid.health.checks",
		metric.WithDescription("Health probe results."),
	); err != nil {
		return nil, err
	}

	// STT.
	if met.STTSessions, err = m.Int64Counter("voxaid.stt.sessions",
		metric.WithDescription("Opened STT upstream streams."),
	); err != nil {
		return nil, err
	}
	if met.STTActiveSessions, err = m.Int64UpDownCounter("voxaid.stt.active_sessions",
		metric.WithDescription("Live STT upstream streams."),
	); err != nil {
		return nil, err
	}
	if met.STTSentFrames, err = m.Int64Counter("voxaid.stt.sent_frames",
		metric.WithDescription("Audio frames pushed to the STT upstream."),
	); err != nil {
		return nil, err
	}
	if met.STTRecvWords, err = m.Int64Counter("voxaid.stt.recv_words",
		metric.WithDescription("Transcript words received from the STT upstream."),
	); err != nil {
		return nil, err
	}
	if met.STTPingTime, err = m.Float64Histogram("voxaid.stt.ping_time",
		metric.WithDescription("Time for an STT candidate to accept or reject a handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTFindTime, err = m.Float64Histogram("voxaid.stt.find_time",
		metric.WithDescription("Total time to find a usable STT instance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTTimeToFirstToken, err = m.Float64Histogram("voxaid.stt.ttft",
		metric.WithDescription("Delay until the first STT step message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sttTTFTBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTAudioDuration, err = m.Float64Histogram("voxaid.stt.audio_duration",
		metric.WithDescription("Seconds of audio consumed per STT stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTWordCount, err = m.Float64Histogram("voxaid.stt.word_count",
		metric.WithDescription("Transcript words per STT stream."),
		metric.WithExplicitBucketBoundaries(sttWordBuckets...),
	); err != nil {
		return nil, err
	}

	// LLM.
	if met.LLMGenerations, err = m.Int64Counter("voxaid.llm.generations",
		metric.WithDescription("Started LLM generations."),
	); err != nil {
		return nil, err
	}
	if met.LLMActiveGenerations, err = m.Int64UpDownCounter("voxaid.llm.active_generations",
		metric.WithDescription("In-flight LLM generations."),
	); err != nil {
		return nil, err
	}
	if met.LLMInterrupts, err = m.Int64Counter("voxaid.llm.interrupts",
		metric.WithDescription("Generations cancelled by replacement or VAD interruption."),
	); err != nil {
		return nil, err
	}
	if met.LLMHardErrors, err = m.Int64Counter("voxaid.llm.hard_errors",
		metric.WithDescription("Generations that failed after retries."),
	); err != nil {
		return nil, err
	}
	if met.LLMTimeToFirstToken, err = m.Float64Histogram("voxaid.llm.ttft",
		metric.WithDescription("Delay until the first streamed LLM delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(llmTTFTBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMGenerationDuration, err = m.Float64Histogram("voxaid.llm.generation_duration",
		metric.WithDescription("Full LLM generation wall time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generationDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMRequestWords, err = m.Float64Histogram("voxaid.llm.request_words",
		metric.WithDescription("Prompt length in words."),
		metric.WithExplicitBucketBoundaries(requestWordBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMReplyWords, err = m.Float64Histogram("voxaid.llm.reply_words",
		metric.WithDescription("Reply length in words."),
		metric.WithExplicitBucketBoundaries(replyWordBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxaid.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordServiceMiss records an exhausted instance search for service.
func (m *Metrics) RecordServiceMiss(ctx context.Context, service string) {
	m.ServiceMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

// RecordHardServiceMiss records a non-capacity candidate failure for service.
func (m *Metrics) RecordHardServiceMiss(ctx context.Context, service string) {
	m.HardServiceMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

// RecordHealthCheck records one health probe outcome.
func (m *Metrics) RecordHealthCheck(ctx context.Context, ok bool) {
	m.HealthChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
