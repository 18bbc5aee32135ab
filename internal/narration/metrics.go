package narration

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/internal/narration"

type instruments struct {
	tracer            trace.Tracer
	sessionsCreated   metric.Int64Counter
	sessionsReclaimed metric.Int64Counter
	chunksSynthesized metric.Int64Counter
	chunksDropped     metric.Int64Counter
	unitsMalformed    metric.Int64Counter
	synthesisDuration metric.Float64Histogram
}

// newInstruments binds to the global providers; call it after telemetry setup.
func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{tracer: otel.Tracer(instrumentationName)}
	inst.sessionsCreated, _ = meter.Int64Counter("narrator.sessions.created",
		metric.WithDescription("Narration sessions started"))
	inst.sessionsReclaimed, _ = meter.Int64Counter("narrator.sessions.reclaimed",
		metric.WithDescription("Narration sessions reclaimed, by reason"))
	inst.chunksSynthesized, _ = meter.Int64Counter("narrator.chunks.synthesized",
		metric.WithDescription("Chunks rendered and queued for delivery"))
	inst.chunksDropped, _ = meter.Int64Counter("narrator.chunks.dropped",
		metric.WithDescription("Chunks whose synthesis failed"))
	inst.unitsMalformed, _ = meter.Int64Counter("narrator.units.malformed",
		metric.WithDescription("Closing markers without an opening marker"))
	inst.synthesisDuration, _ = meter.Float64Histogram("narrator.synthesis.duration",
		metric.WithDescription("Synthesis latency per chunk"),
		metric.WithUnit("s"))
	return inst
}
