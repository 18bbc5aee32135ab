package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Request carries the spoken text of one chunk.
type Request struct {
	SessionID string
	Sequence  int
	Text      string
}

// Audio is a complete WAV file plus the format it was rendered in.
type Audio struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// New selects a synthesizer for the configured mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	render := time.Duration(cfg.RenderTimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "voicevox":
		return NewVoicevoxSynth(cfg), nil
	case "edge":
		return NewEdgeSynth(cfg.Voice, render), nil
	case "tencent":
		return NewTencentSynth(cfg.Tencent, render)
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels, render)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// withRenderTimeout bounds one synthesis call. A zero timeout leaves ctx unbounded.
func withRenderTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
