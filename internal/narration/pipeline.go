package narration

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/session"
)

// pipeline turns one generation stream into artifacts on a session channel.
// It is owned by a single goroutine.
type pipeline struct {
	svc  *Service
	sess *session.Session
	req  llm.Request
	seg  segment.Segmenter
	acc  segment.Accumulator
	log  *slog.Logger

	buf      strings.Builder
	cursor   int
	seq      int
	produced int
	dropped  int
}

func (s *Service) newPipeline(sess *session.Session, req llm.Request) *pipeline {
	return &pipeline{
		svc:  s,
		sess: sess,
		req:  req,
		seg:  segment.Segmenter{MinRunes: s.cfg.FlushRunes},
		log:  s.logger.With(slog.String("session_id", sess.ID)),
	}
}

// run consumes the generation stream to its end. The session is marked done on every path.
func (p *pipeline) run(ctx context.Context) {
	defer p.finish(ctx)

	err := p.svc.generator.Generate(ctx, p.req, func(chunk llm.Chunk) error {
		if chunk.Content != "" {
			p.consume(ctx, chunk.Content)
		}
		return ctx.Err()
	})
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.log.Info("generation stopped", slogError(err))
	default:
		p.log.Warn("generation failed", slogError(err))
	}
}

// consume appends a delta and drains every unit it completes.
func (p *pipeline) consume(ctx context.Context, delta string) {
	p.buf.WriteString(delta)
	p.sess.Touch(p.svc.clock())
	for {
		unit, next, ok, err := p.seg.Extract(p.buf.String(), p.cursor)
		if !ok {
			if err != nil {
				p.log.Error("segmenter rejected cursor", slogError(err))
			}
			return
		}
		p.cursor = next

		var malformed *segment.MalformedUnitError
		if errors.As(err, &malformed) {
			p.log.Warn("skipping malformed unit", slog.String("fragment", malformed.Fragment))
			p.svc.inst.unitsMalformed.Add(ctx, 1)
			p.svc.record(p.sess.ID, -1, eventstore.TypeUnitMalformed, malformed.Fragment)
			continue
		}

		p.acc.Add(unit)
		if chunk, sealed := p.acc.Seal(); sealed {
			p.dispatch(ctx, chunk)
		}
	}
}

// dispatch renders one sealed chunk. The sequence number is consumed even when synthesis
// fails, so a dropped chunk shows up as a gap.
func (p *pipeline) dispatch(ctx context.Context, chunk segment.Chunk) {
	seq := p.seq
	p.seq++
	if ctx.Err() != nil {
		p.dropped++
		return
	}

	artifact, err := p.svc.dispatcher.Dispatch(ctx, p.sess.ID, seq, chunk)
	if err != nil {
		p.dropped++
		p.log.Warn("dropping chunk", slog.Int("sequence", seq), slogError(err))
		p.svc.inst.chunksDropped.Add(ctx, 1)
		p.svc.record(p.sess.ID, seq, eventstore.TypeChunkDropped, err.Error())
		return
	}

	p.produced++
	p.sess.Channel.Push(artifact)
	p.sess.Touch(p.svc.clock())
	p.svc.inst.chunksSynthesized.Add(ctx, 1)
	p.svc.record(p.sess.ID, seq, eventstore.TypeChunkSynthesized, strings.Join(chunk.Captions, "\n"))
	p.svc.publish(protocol.ArtifactSubject(p.sess.ID), protocol.ArtifactEvent{
		SessionID: p.sess.ID,
		Sequence:  seq,
		Captions:  chunk.Captions,
		Timestamp: p.svc.clock().UTC(),
	})
}

// finish handles whatever the stream left behind and marks the session done.
func (p *pipeline) finish(ctx context.Context) {
	if tail := p.buf.String()[p.cursor:]; strings.TrimSpace(tail) != "" {
		p.log.Info("discarding unterminated tail", slog.Int("bytes", len(tail)))
		p.svc.record(p.sess.ID, -1, eventstore.TypeTailDiscarded, tail)
	}
	if pending := p.acc.Pending(); pending > 0 {
		if p.svc.cfg.FlushPendingOnClose && ctx.Err() == nil {
			if chunk, ok := p.acc.Flush(); ok {
				p.dispatch(ctx, chunk)
			}
		} else {
			p.log.Info("discarding short units", slog.Int("units", pending))
		}
	}

	if !p.sess.Channel.MarkDone() {
		return
	}
	p.log.Info("session production finished",
		slog.Int("produced", p.produced),
		slog.Int("dropped", p.dropped))
	p.svc.record(p.sess.ID, -1, eventstore.TypeSessionDone, "")
	p.svc.publish(protocol.DoneSubject(p.sess.ID), protocol.DoneEvent{
		SessionID: p.sess.ID,
		Produced:  p.produced,
		Dropped:   p.dropped,
		Timestamp: p.svc.clock().UTC(),
	})
}
