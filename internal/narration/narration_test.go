package narration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/stt"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const (
	weather  = "今日はとても良い天気ですね、散歩に行きましょう。"
	study    = "新しいプログラミング言語を勉強しています。"
	meeting  = "明日の会議の資料をもう一度確認してください。"
	shortYes = "はい。"
)

func unit(primary, translation string) string {
	return primary + segment.OpenMarker + translation + segment.CloseMarker
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedGenerator streams fixed deltas and then returns err.
type scriptedGenerator struct {
	deltas []string
	err    error

	mu      sync.Mutex
	prompts []string
	systems []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	g.systems = append(g.systems, req.System)
	g.mu.Unlock()
	for i, d := range g.deltas {
		if err := consumer(llm.Chunk{SessionID: req.SessionID, Content: d, Partial: i < len(g.deltas)-1}); err != nil {
			return err
		}
	}
	return g.err
}

// split cuts text into deltas of n bytes, which may break runes and markers apart.
func split(text string, n int) []string {
	var out []string
	for len(text) > n {
		out = append(out, text[:n])
		text = text[n:]
	}
	return append(out, text)
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	fail  map[int]bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()
	if f.fail[req.Sequence] {
		return tts.Audio{}, fmt.Errorf("engine refused chunk %d", req.Sequence)
	}
	return tts.Audio{Data: []byte(fmt.Sprintf("wav-%d", req.Sequence)), SampleRate: 24000, Channels: 1}, nil
}

func (f *fakeSynth) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type harness struct {
	svc     *Service
	storage *session.Storage
}

func newHarness(t *testing.T, deps Deps, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Session.StorageDir = t.TempDir()
	cfg.Session.IdleTimeoutMS = 0
	if mutate != nil {
		mutate(&cfg)
	}
	storage, err := session.NewStorage(cfg.Session.StorageDir)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	deps.Storage = storage
	if deps.Synthesizer == nil {
		deps.Synthesizer = &fakeSynth{}
	}
	svc := NewService(context.Background(), cfg, deps, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return &harness{svc: svc, storage: storage}
}

// drain polls until the session reports no more artifacts and returns the delivered ones.
func (h *harness) drain(t *testing.T, id string) []PollResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var delivered []PollResult
	for time.Now().Before(deadline) {
		res, err := h.svc.Poll(id)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if !res.HasMore {
			return delivered
		}
		if res.Audio != nil {
			delivered = append(delivered, res)
			continue
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s did not finish", id)
	return nil
}

func sequences(results []PollResult) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.Sequence
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeliversChunksInSealOrder(t *testing.T) {
	text := unit(weather, "Nice weather, let's walk.") + unit(study, "I'm studying a new language.") + unit(meeting, "Please recheck the slides.")
	gen := &scriptedGenerator{deltas: split(text, 5)}
	h := newHarness(t, Deps{Generator: gen}, nil)

	id, err := h.svc.StartText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := h.drain(t, id)
	if !equalInts(sequences(got), []int{0, 1, 2}) {
		t.Fatalf("sequences = %v", sequences(got))
	}
	if got[1].Captions != "I'm studying a new language." || string(got[2].Audio) != "wav-2" {
		t.Fatalf("unexpected artifact: %+v", got[1])
	}

	if _, err := h.svc.Poll(id); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("expected reclaimed session, got %v", err)
	}
	if _, err := os.Stat(h.storage.Dir(id)); !os.IsNotExist(err) {
		t.Fatalf("storage area should be removed, stat err = %v", err)
	}
	if gen.prompts[0] != "hello" || !strings.Contains(gen.systems[0], "friend") {
		t.Fatalf("unexpected request: prompt=%q system=%q", gen.prompts[0], gen.systems[0])
	}
}

func TestShortUnitsMergeIntoNextReadyUnit(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{unit(shortYes, "Yes."), unit(study, "I'm studying.")}}
	synth := &fakeSynth{}
	h := newHarness(t, Deps{Generator: gen, Synthesizer: synth}, nil)

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	got := h.drain(t, id)
	if len(got) != 1 || got[0].Captions != "Yes.\nI'm studying." {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if calls := synth.calls(); len(calls) != 1 || calls[0] != shortYes+study {
		t.Fatalf("unexpected synthesis calls %q", calls)
	}
}

func TestSynthesisFailureLeavesGap(t *testing.T) {
	text := unit(weather, "a") + unit(study, "b") + unit(meeting, "c")
	gen := &scriptedGenerator{deltas: []string{text}}
	synth := &fakeSynth{fail: map[int]bool{1: true}}
	h := newHarness(t, Deps{Generator: gen, Synthesizer: synth}, nil)

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	got := h.drain(t, id)
	if !equalInts(sequences(got), []int{0, 2}) {
		t.Fatalf("sequences = %v, want [0 2]", sequences(got))
	}
	if got[1].Captions != "c" {
		t.Fatalf("chunk after the failure carries wrong captions: %q", got[1].Captions)
	}
}

func TestMalformedUnitIsSkipped(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{"stray text>>", unit(weather, "Nice weather.")}}
	h := newHarness(t, Deps{Generator: gen}, nil)

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	got := h.drain(t, id)
	if len(got) != 1 || got[0].Sequence != 0 || got[0].Captions != "Nice weather." {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func TestTailAndShortUnitsDiscardedAtClose(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{unit(weather, "a"), unit(shortYes, "Yes."), "未完の文"}}
	h := newHarness(t, Deps{Generator: gen}, nil)

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if got := h.drain(t, id); len(got) != 1 {
		t.Fatalf("expected only the ready chunk, got %d", len(got))
	}
}

func TestFlushPendingOnClose(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{unit(weather, "a"), unit(shortYes, "Yes."), "未完の文"}}
	h := newHarness(t, Deps{Generator: gen}, func(cfg *config.Config) {
		cfg.Narration.FlushPendingOnClose = true
	})

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	got := h.drain(t, id)
	if !equalInts(sequences(got), []int{0, 1}) || got[1].Captions != "Yes." {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func TestGeneratorErrorEndsSession(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{unit(weather, "a")}, err: errors.New("connection reset")}
	h := newHarness(t, Deps{Generator: gen}, nil)

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if got := h.drain(t, id); len(got) != 1 {
		t.Fatalf("expected the chunk produced before the failure, got %d", len(got))
	}
}

func TestPollUnknownSession(t *testing.T) {
	h := newHarness(t, Deps{Generator: &scriptedGenerator{}}, nil)
	if _, err := h.svc.Poll("nope"); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestStartTextRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, Deps{Generator: &scriptedGenerator{}}, nil)
	if _, err := h.svc.StartText(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if h.svc.Store().Len() != 0 {
		t.Fatal("no session should be created for an empty message")
	}
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: no transcript written", stt.ErrTranscriptionFailed)
}

func TestStartAudioUsesTranscript(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{unit(weather, "a")}}
	h := newHarness(t, Deps{Generator: gen, Transcriber: stt.NewMockTranscriber("what's up?")}, nil)

	id, err := h.svc.StartAudio(context.Background(), strings.NewReader("RIFF not really"))
	if err != nil {
		t.Fatalf("start audio: %v", err)
	}
	if _, err := os.Stat(h.storage.InputPath(id)); err != nil {
		t.Fatalf("upload not saved: %v", err)
	}
	h.drain(t, id)
	if gen.prompts[0] != "what's up?" {
		t.Fatalf("prompt = %q", gen.prompts[0])
	}
}

func TestStartAudioTranscriptionFailure(t *testing.T) {
	h := newHarness(t, Deps{Generator: &scriptedGenerator{}, Transcriber: failingTranscriber{}}, nil)

	if _, err := h.svc.StartAudio(context.Background(), strings.NewReader("x")); !errors.Is(err, stt.ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", err)
	}
	if h.svc.Store().Len() != 0 {
		t.Fatal("failed intake should reclaim its session")
	}
	entries, err := os.ReadDir(h.storage.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed intake left %d storage areas", len(entries))
	}
}

func TestStartAudioDisabled(t *testing.T) {
	h := newHarness(t, Deps{Generator: &scriptedGenerator{}}, nil)
	if _, err := h.svc.StartAudio(context.Background(), strings.NewReader("x")); !errors.Is(err, ErrAudioDisabled) {
		t.Fatalf("expected ErrAudioDisabled, got %v", err)
	}
}

// blockingGenerator holds every stream open until released or cancelled.
type blockingGenerator struct {
	started  chan string
	release  chan struct{}
	canceled chan string
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{
		started:  make(chan string, 8),
		release:  make(chan struct{}),
		canceled: make(chan string, 8),
	}
}

func (g *blockingGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.started <- req.SessionID
	select {
	case <-g.release:
		return consumer(llm.Chunk{SessionID: req.SessionID, Content: unit(weather, "a")})
	case <-ctx.Done():
		g.canceled <- req.SessionID
		return ctx.Err()
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	gen := newBlockingGenerator()
	h := newHarness(t, Deps{Generator: gen}, func(cfg *config.Config) {
		cfg.Session.MaxConcurrent = 1
	})

	first, err := h.svc.StartText(context.Background(), "one")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.svc.StartText(context.Background(), "two")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no pipeline started")
	}
	select {
	case id := <-gen.started:
		t.Fatalf("pipeline %s started while the limit was reached", id)
	case <-time.After(50 * time.Millisecond):
	}

	close(gen.release)
	if got := h.drain(t, first); len(got) != 1 {
		t.Fatalf("first session delivered %d chunks", len(got))
	}
	if got := h.drain(t, second); len(got) != 1 {
		t.Fatalf("second session delivered %d chunks", len(got))
	}
}

func TestFailedArtifactReadKeepsArtifactQueued(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{unit(weather, "Nice weather.")}}
	h := newHarness(t, Deps{Generator: gen}, nil)

	id, err := h.svc.StartText(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := h.svc.Store().Get(id)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !sess.Channel.Done() {
		if time.Now().After(deadline) {
			t.Fatal("pipeline never finished")
		}
		time.Sleep(2 * time.Millisecond)
	}

	wav := h.storage.ArtifactKey(id, 0) + ".wav"
	moved := wav + ".moved"
	if err := os.Rename(wav, moved); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Poll(id); err == nil {
		t.Fatal("poll should fail while the audio file is missing")
	}
	if sess.Channel.Len() != 1 {
		t.Fatalf("failed read dropped the artifact, queue len = %d", sess.Channel.Len())
	}

	if err := os.Rename(moved, wav); err != nil {
		t.Fatal(err)
	}
	got := h.drain(t, id)
	if !equalInts(sequences(got), []int{0}) || string(got[0].Audio) != "wav-0" {
		t.Fatalf("retry delivered %+v", got)
	}
}

func TestReclaimCancelsRunningPipeline(t *testing.T) {
	gen := newBlockingGenerator()
	h := newHarness(t, Deps{Generator: gen}, nil)

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	<-gen.started
	if err := h.svc.Reclaim(id); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	select {
	case got := <-gen.canceled:
		if got != id {
			t.Fatalf("cancelled %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline was not cancelled")
	}
	if err := h.svc.Reclaim(id); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("second reclaim should be ErrUnknownSession, got %v", err)
	}
}

func TestTimelineRecordedAndDeletedOnReclaim(t *testing.T) {
	events, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: eventstore.ModeSession,
	}, newLogger())
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	gen := &scriptedGenerator{deltas: []string{"oops>>", unit(weather, "a")}}
	h := newHarness(t, Deps{Generator: gen, Events: events}, nil)

	id, err := h.svc.StartText(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var types []string
	for time.Now().Before(deadline) {
		recorded, err := h.svc.Events(context.Background(), id)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		types = types[:0]
		for _, e := range recorded {
			types = append(types, e.Type)
		}
		if len(types) > 0 && types[len(types)-1] == eventstore.TypeSessionDone {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{eventstore.TypeSessionCreated, eventstore.TypeUnitMalformed, eventstore.TypeChunkSynthesized, eventstore.TypeSessionDone}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("timeline = %v, want %v", types, want)
	}

	h.drain(t, id)
	left, err := events.ListSessionEvents(context.Background(), id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("timeline should be deleted with the session, %d rows left", len(left))
	}
}

func TestBusIntakeAndDoneEvent(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	gen := &scriptedGenerator{deltas: []string{unit(weather, "a")}}
	h := newHarness(t, Deps{Generator: gen, Bus: client}, nil)

	done, err := client.Conn().SubscribeSync(protocol.SubjectDonePrefix + ".*")
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(protocol.IntakeRequest{Message: "from the bus"})
	msg, err := client.Conn().Request(protocol.SubjectIntake, payload, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.IntakeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.SessionID == "" {
		t.Fatalf("unexpected reply %s (%v)", msg.Data, err)
	}

	doneMsg, err := done.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for done event: %v", err)
	}
	var evt protocol.DoneEvent
	if err := json.Unmarshal(doneMsg.Data, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.SessionID != reply.SessionID || evt.Produced != 1 || evt.Dropped != 0 {
		t.Fatalf("unexpected done event %+v", evt)
	}
	if got := h.drain(t, reply.SessionID); len(got) != 1 {
		t.Fatalf("bus session delivered %d chunks", len(got))
	}

	bad, err := client.Conn().Request(protocol.SubjectIntake, []byte(`{"message":""}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := json.Unmarshal(bad.Data, &reply); err != nil || reply.Error == "" {
		t.Fatalf("expected error reply, got %s", bad.Data)
	}
}

func TestDispatcherWrapsFailures(t *testing.T) {
	storage, err := session.NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.Create("s"); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(&fakeSynth{fail: map[int]bool{4: true}}, storage, newLogger())

	artifact, err := d.Dispatch(context.Background(), "s", 3, segment.Chunk{Text: weather, Captions: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	audio, captions, err := storage.ReadArtifact(artifact.Key)
	if err != nil || string(audio) != "wav-3" || captions != "a\nb" {
		t.Fatalf("unexpected artifact %q %q %v", audio, captions, err)
	}

	_, err = d.Dispatch(context.Background(), "s", 4, segment.Chunk{Text: study})
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) || synthErr.Sequence != 4 {
		t.Fatalf("expected SynthesisError for chunk 4, got %v", err)
	}
}

func TestSystemPromptSubstitutesUser(t *testing.T) {
	if got := SystemPrompt("", "Kenji"); !strings.Contains(got, "Kenji") || strings.Contains(got, UserPlaceholder) {
		t.Fatalf("default persona not rendered: %q", got)
	}
	if got := SystemPrompt("Talk to {{user}}.", "Aiko"); got != "Talk to Aiko." {
		t.Fatalf("custom prompt = %q", got)
	}
}
