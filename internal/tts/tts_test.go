package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func TestEncodeWAVRoundTrip(t *testing.T) {
	data, err := encodeWAV([]int{1, -2, 3, -4}, 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format: rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	want := []int{1, -2, 3, -4}
	if len(buf.Data) != len(want) {
		t.Fatalf("got %d samples, want %d", len(buf.Data), len(want))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, buf.Data[i], want[i])
		}
	}
}

func TestVoicevoxTwoStepSynthesis(t *testing.T) {
	rendered, err := encodeWAV(make([]int, 96), 48000, 2)
	if err != nil {
		t.Fatal(err)
	}

	var gotQuery map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("audio_query method = %s", r.Method)
		}
		if r.URL.Query().Get("text") != "おはよう" || r.URL.Query().Get("speaker") != "20" {
			t.Errorf("unexpected audio_query params: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"accent_phrases":[],"speedScale":1.5,"outputStereo":false}`))
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("speaker") != "20" {
			t.Errorf("unexpected synthesis params: %s", r.URL.RawQuery)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotQuery); err != nil {
			t.Errorf("decode synthesis body: %v", err)
		}
		_, _ = w.Write(rendered)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.Endpoint = srv.URL
	synth := NewVoicevoxSynth(cfg)

	audio, err := synth.Synthesize(context.Background(), Request{SessionID: "s", Text: "おはよう"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if audio.SampleRate != 48000 || audio.Channels != 2 || !bytes.Equal(audio.Data, rendered) {
		t.Fatalf("unexpected audio: rate=%d chans=%d len=%d", audio.SampleRate, audio.Channels, len(audio.Data))
	}

	if gotQuery["outputSamplingRate"] != float64(48000) ||
		gotQuery["outputStereo"] != true ||
		gotQuery["speedScale"] != float64(1) ||
		gotQuery["intonationScale"] != 1.25 {
		t.Fatalf("preset not applied: %v", gotQuery)
	}
	if _, ok := gotQuery["accent_phrases"]; !ok {
		t.Fatalf("engine fields dropped from query: %v", gotQuery)
	}
}

func TestVoicevoxQueryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.Endpoint = srv.URL
	cfg.QueryTimeoutMS = 20
	synth := NewVoicevoxSynth(cfg)

	start := time.Now()
	if _, err := synth.Synthesize(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestVoicevoxEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/synthesis" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.Endpoint = srv.URL
	if _, err := NewVoicevoxSynth(cfg).Synthesize(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatal("expected error for failed synthesis")
	}
}

func TestMockSynthProducesWAV(t *testing.T) {
	audio, err := NewMockSynth(16000, 1).Synthesize(context.Background(), Request{Text: "こんにちは"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	probed, err := probeWAV(audio.Data)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if probed.SampleRate != 16000 || probed.Channels != 1 {
		t.Fatalf("unexpected format: %+v", probed)
	}
}

func TestMockSynthHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockSynth(16000, 1).Synthesize(ctx, Request{Text: "x"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestExecSynthCollectsPCM(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "render.sh")
	body := "#!/bin/sh\ncat >/dev/null\n" +
		"echo '{\"pcm_base64\":\"AQACAA==\",\"final\":false}'\n" +
		"echo '{\"pcm_base64\":\"AwAEAA==\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	synth, err := NewExecSynth("sh "+script, "voice", 8000, 1, time.Second)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	audio, err := synth.Synthesize(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	buf, err := wav.NewDecoder(bytes.NewReader(audio.Data)).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int{1, 2, 3, 4}
	if len(buf.Data) != len(want) {
		t.Fatalf("got samples %v, want %v", buf.Data, want)
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("got samples %v, want %v", buf.Data, want)
		}
	}
}

func writeRenderer(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "render.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return script
}

func TestExecSynthRenderTimeout(t *testing.T) {
	script := writeRenderer(t, "sleep 5\n")
	synth, err := NewExecSynth("sh "+script, "voice", 8000, 1, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = synth.Synthesize(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("hung renderer held synthesis for %v", elapsed)
	}
}

func TestExecSynthRejectsEmptyAudio(t *testing.T) {
	script := writeRenderer(t, "echo '{\"final\":true}'\n")
	synth, err := NewExecSynth("sh "+script, "voice", 8000, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := synth.Synthesize(context.Background(), Request{Text: "hello"}); err == nil {
		t.Fatal("a renderer that sent no pcm should fail the chunk")
	}
}

func TestCollectEdgeAudio(t *testing.T) {
	t.Run("segments in order", func(t *testing.T) {
		stream := make(chan map[string]interface{}, 8)
		stream <- map[string]interface{}{"type": "audio", "data": edge.AudioData{Data: []byte("cd"), Index: 1}}
		stream <- map[string]interface{}{"type": "WordBoundary"}
		stream <- map[string]interface{}{"type": "audio", "data": edge.AudioData{Data: []byte("ab"), Index: 0}}
		stream <- map[string]interface{}{"end": ""}
		stream <- map[string]interface{}{"end": ""}
		data, pending, err := collectEdgeAudio(context.Background(), stream, 2)
		if err != nil || pending != 0 || string(data) != "abcd" {
			t.Fatalf("got %q pending=%d err=%v", data, pending, err)
		}
	})
	t.Run("service error", func(t *testing.T) {
		stream := make(chan map[string]interface{}, 1)
		stream <- map[string]interface{}{"error": edge.NoAudioReceived{Message: "no audio"}}
		if _, pending, err := collectEdgeAudio(context.Background(), stream, 1); err == nil || pending != 1 {
			t.Fatalf("expected error with one pending segment, got pending=%d err=%v", pending, err)
		}
	})
	t.Run("silent stream times out", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, _, err := collectEdgeAudio(ctx, make(chan map[string]interface{}), 1)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
	})
	t.Run("no audio", func(t *testing.T) {
		stream := make(chan map[string]interface{}, 1)
		stream <- map[string]interface{}{"end": ""}
		if _, _, err := collectEdgeAudio(context.Background(), stream, 1); err == nil {
			t.Fatal("expected error when no audio arrived")
		}
	})
}

func TestNewAppliesRenderTimeout(t *testing.T) {
	synth, err := New(config.TTSConfig{Mode: "exec", Command: "renderer --fast", SampleRate: 8000, Channels: 1, RenderTimeoutMS: 1500})
	if err != nil {
		t.Fatal(err)
	}
	if got := synth.(*execSynth).timeout; got != 1500*time.Millisecond {
		t.Fatalf("exec timeout = %v", got)
	}
	if got := NewEdgeSynth("en-US-AriaNeural", time.Second).(*edgeSynth).timeout; got != time.Second {
		t.Fatalf("edge timeout = %v", got)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.TTSConfig{Mode: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(config.TTSConfig{Mode: "tencent"}); err == nil {
		t.Fatal("expected error for tencent without credentials")
	}
	if _, err := New(config.TTSConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}
