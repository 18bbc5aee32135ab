package narration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// SynthesisError reports a chunk that could not be rendered or persisted.
type SynthesisError struct {
	Sequence int
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis of chunk %d failed: %v", e.Sequence, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Dispatcher renders sealed chunks and stores them as artifacts.
type Dispatcher struct {
	synth   tts.Synthesizer
	storage *session.Storage
	inst    *instruments
	log     *slog.Logger
}

func NewDispatcher(synth tts.Synthesizer, storage *session.Storage, log *slog.Logger) *Dispatcher {
	return newDispatcher(synth, storage, newInstruments(), log)
}

func newDispatcher(synth tts.Synthesizer, storage *session.Storage, inst *instruments, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		synth:   synth,
		storage: storage,
		inst:    inst,
		log:     log.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch synthesizes chunk and persists the audio and captions under the sequence key.
// Audio bytes are not retained; the returned artifact only names the stored pair.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, seq int, chunk segment.Chunk) (session.Artifact, error) {
	ctx, span := d.inst.tracer.Start(ctx, "narration.dispatch", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("chunk.sequence", seq),
		attribute.Int("chunk.units", len(chunk.Captions)),
	))
	defer span.End()

	start := time.Now()
	audio, err := d.synth.Synthesize(ctx, tts.Request{SessionID: sessionID, Sequence: seq, Text: chunk.Text})
	elapsed := time.Since(start)
	if err != nil {
		d.inst.synthesisDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("success", false)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return session.Artifact{}, &SynthesisError{Sequence: seq, Err: err}
	}
	d.inst.synthesisDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("success", true)))

	key := d.storage.ArtifactKey(sessionID, seq)
	if err := d.storage.WriteArtifact(key, audio.Data, chunk.Captions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return session.Artifact{}, &SynthesisError{Sequence: seq, Err: err}
	}

	d.log.Debug("chunk synthesized",
		slog.String("session_id", sessionID),
		slog.Int("sequence", seq),
		slog.Int("bytes", len(audio.Data)),
		slog.Duration("latency", elapsed))
	return session.Artifact{Sequence: seq, Key: key}, nil
}
