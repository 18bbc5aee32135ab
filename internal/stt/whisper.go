package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// TranscriptSuffix is appended to the input path by whisper's -otxt flag.
const TranscriptSuffix = ".txt"

// whisperTranscriber runs a whisper.cpp style CLI that writes <input>.txt next to the input.
type whisperTranscriber struct {
	cmd []string
	cfg config.STTConfig
	log *slog.Logger
	mu  sync.Mutex
}

func NewWhisperTranscriber(cfg config.STTConfig, log *slog.Logger) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &whisperTranscriber{cmd: args, cfg: cfg, log: log.With(slog.String("component", "stt"))}, nil
}

func (w *whisperTranscriber) args(audioPath string) []string {
	args := append([]string{}, w.cmd[1:]...)
	if w.cfg.ModelPath != "" {
		args = append(args, "-m", w.cfg.ModelPath)
	}
	args = append(args, "-f", audioPath, "-otxt")
	if w.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(w.cfg.Threads))
	}
	if w.cfg.Language != "" {
		args = append(args, "--language", w.cfg.Language)
	}
	return args
}

func (w *whisperTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	transcript := audioPath + TranscriptSuffix
	_ = os.Remove(transcript)

	command := exec.CommandContext(ctx, w.cmd[0], w.args(audioPath)...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	runErr := command.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, ctxErr)
	}

	// whisper builds exit non-zero on harmless warnings, so the transcript file decides success.
	data, err := os.ReadFile(transcript)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read transcript: %w", err)
		}
		if runErr != nil {
			return "", fmt.Errorf("%w: %v: %s", ErrTranscriptionFailed, runErr, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%w: no transcript written", ErrTranscriptionFailed)
	}
	if runErr != nil {
		w.log.Warn("whisper exited with an error but wrote a transcript",
			slog.String("error", runErr.Error()),
			slog.String("stderr", strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(string(data)), nil
}
