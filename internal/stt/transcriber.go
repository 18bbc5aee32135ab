package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// ErrTranscriptionFailed is returned when the recognizer produced no transcript.
var ErrTranscriptionFailed = errors.New("transcription failed")

// Transcriber turns a saved audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// New selects a transcriber for the configured mode.
func New(cfg config.STTConfig, log *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockTranscriber(cfg.MockText), nil
	case "exec":
		return NewWhisperTranscriber(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
