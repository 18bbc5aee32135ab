package narration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/stt"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const recordTimeout = 2 * time.Second

var (
	// ErrEmptyMessage is returned when intake carries no text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrAudioDisabled is returned for audio intake when no transcriber is configured.
	ErrAudioDisabled = errors.New("audio input is disabled")
)

// Deps are the collaborators a Service drives.
type Deps struct {
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Transcriber stt.Transcriber
	Storage     *session.Storage
	Events      *eventstore.Store
	Bus         *bus.Client
}

// PollResult is the outcome of a single non-blocking poll.
type PollResult struct {
	HasMore  bool
	Sequence int
	Audio    []byte
	Captions string
}

// Service owns the session store and runs one pipeline per session.
type Service struct {
	cfg         config.NarrationConfig
	llmCfg      config.LLMConfig
	generator   llm.Generator
	transcriber stt.Transcriber
	dispatcher  *Dispatcher
	storage     *session.Storage
	store       *session.Store
	events      *eventstore.Store
	bus         *bus.Client
	inst        *instruments
	sema        chan struct{}
	system      string
	clock       func() time.Time

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "narration-service"))
	inst := newInstruments()

	maxConcurrent := cfg.Session.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	s := &Service{
		cfg:         cfg.Narration,
		llmCfg:      cfg.LLM,
		generator:   deps.Generator,
		transcriber: deps.Transcriber,
		dispatcher:  newDispatcher(deps.Synthesizer, deps.Storage, inst, logger),
		storage:     deps.Storage,
		events:      deps.Events,
		bus:         deps.Bus,
		inst:        inst,
		sema:        make(chan struct{}, maxConcurrent),
		system:      SystemPrompt(cfg.Narration.SystemPrompt, cfg.Narration.UserName),
		clock:       time.Now,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
	s.store = session.NewStore(deps.Storage, session.Options{
		IdleTimeout:  time.Duration(cfg.Session.IdleTimeoutMS) * time.Millisecond,
		ReapInterval: time.Duration(cfg.Session.ReapIntervalMS) * time.Millisecond,
		OnReclaim:    s.onReclaim,
	}, logger)
	return s
}

// Start launches the idle reaper and, when a bus is attached, the intake subscription.
func (s *Service) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.store.Run(s.ctx)
	}()

	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectIntake, s.handleIntake)
	if err != nil {
		return fmt.Errorf("subscribe narration requests: %w", err)
	}
	s.sub = sub
	return nil
}

// Close stops every pipeline and reclaims all sessions.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
	s.store.Close()
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil && (s.bus == nil || s.sub != nil)
}

// Store exposes the session store for transports that wait on channels.
func (s *Service) Store() *session.Store { return s.store }

// StartText creates a session for message and starts its pipeline in the background.
func (s *Service) StartText(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.start(message, "text")
}

// StartAudio saves an uploaded recording into a new session, transcribes it and starts the
// pipeline with the transcript. A failed transcription reclaims the session.
func (s *Service) StartAudio(ctx context.Context, audio io.Reader) (string, error) {
	if s.transcriber == nil {
		return "", ErrAudioDisabled
	}
	sess, err := s.store.Create()
	if err != nil {
		return "", err
	}
	abort := func(err error) (string, error) {
		_ = s.store.Reclaim(sess.ID, session.ReasonAborted)
		return "", err
	}

	input := s.storage.InputPath(sess.ID)
	if err := saveUpload(input, audio); err != nil {
		return abort(fmt.Errorf("save audio: %w", err))
	}
	if info, err := stt.Probe(input); err != nil {
		s.logger.Warn("uploaded audio is not a readable wav", slog.String("session_id", sess.ID), slogError(err))
	} else {
		s.logger.Info("audio received",
			slog.String("session_id", sess.ID),
			slog.Int("sample_rate", info.SampleRate),
			slog.Int("channels", info.Channels),
			slog.Duration("duration", info.Duration))
	}

	text, err := s.transcriber.Transcribe(ctx, input)
	if err != nil {
		return abort(err)
	}
	if strings.TrimSpace(text) == "" {
		return abort(fmt.Errorf("%w: empty transcript", stt.ErrTranscriptionFailed))
	}
	s.logger.Info("audio transcribed", slog.String("session_id", sess.ID), slog.Int("chars", len(text)))
	s.launch(sess, text, "audio")
	return sess.ID, nil
}

func (s *Service) start(message, origin string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	sess, err := s.store.Create()
	if err != nil {
		return "", err
	}
	s.launch(sess, message, origin)
	return sess.ID, nil
}

func (s *Service) launch(sess *session.Session, message, origin string) {
	s.inst.sessionsCreated.Add(s.ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
	s.recordSession(sess.ID, origin)

	req := llm.OptionsFromConfig(s.llmCfg)
	req.SessionID = sess.ID
	req.System = s.system
	req.Prompt = message

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout := time.Duration(s.cfg.GenerationTimeoutMS) * time.Millisecond; timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	sess.SetCancel(cancel)
	p := s.newPipeline(sess, req)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		select {
		case s.sema <- struct{}{}:
		case <-ctx.Done():
			p.finish(ctx)
			return
		}
		defer func() { <-s.sema }()
		p.run(ctx)
	}()
}

// Poll performs one non-blocking check of a session's channel. A drained, finished session
// is reclaimed and reported with HasMore=false.
func (s *Service) Poll(id string) (PollResult, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return PollResult{}, err
	}
	sess.Touch(s.clock())

	artifact, ok, finished := sess.Channel.Peek()
	switch {
	case ok:
		// the head stays queued until its files were read, so a failed read can be retried
		audio, captions, err := s.storage.ReadArtifact(artifact.Key)
		if err != nil {
			return PollResult{}, fmt.Errorf("load artifact %d: %w", artifact.Sequence, err)
		}
		sess.Channel.Ack(artifact.Sequence)
		return PollResult{HasMore: true, Sequence: artifact.Sequence, Audio: audio, Captions: captions}, nil
	case finished:
		if err := s.store.Reclaim(id, session.ReasonFinished); err != nil && !errors.Is(err, session.ErrUnknownSession) {
			s.logger.Warn("reclaim after final poll failed", slog.String("session_id", id), slogError(err))
		}
		return PollResult{HasMore: false}, nil
	default:
		return PollResult{HasMore: true}, nil
	}
}

// Reclaim drops a session immediately.
func (s *Service) Reclaim(id string) error {
	return s.store.Reclaim(id, session.ReasonAborted)
}

// Events lists the recorded timeline of a live session.
func (s *Service) Events(ctx context.Context, id string) ([]eventstore.Event, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}
	if s.events == nil {
		return nil, nil
	}
	return s.events.ListSessionEvents(ctx, id, 0)
}

func (s *Service) onReclaim(id, reason string) {
	s.inst.sessionsReclaimed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.events.DeleteSession(ctx, id); err != nil {
		s.logger.Warn("failed to delete session timeline", slog.String("session_id", id), slogError(err))
	}
}

func (s *Service) recordSession(id, origin string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.events.AppendSession(ctx, id, origin); err != nil {
		s.logger.Warn("failed to record session", slog.String("session_id", id), slogError(err))
		return
	}
	s.record(id, -1, eventstore.TypeSessionCreated, origin)
}

func (s *Service) record(id string, seq int, typ, payload string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	evt := eventstore.Event{SessionID: id, Sequence: seq, Type: typ, Payload: []byte(payload)}
	if err := s.events.AppendEvent(ctx, evt); err != nil {
		s.logger.Debug("failed to record event", slog.String("session_id", id), slog.String("type", typ), slogError(err))
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func saveUpload(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
