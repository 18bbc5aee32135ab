package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSynth drives an external renderer. The request is written to stdin as JSON and the
// process answers with NDJSON lines of base64 PCM until a line is marked final.
type execSynth struct {
	cmd        []string
	voice      string
	sampleRate int
	channels   int
	timeout    time.Duration
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command, voice string, sampleRate, channels int, timeout time.Duration) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, voice: voice, sampleRate: sampleRate, channels: channels, timeout: timeout}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      e.voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	ctx, cancel := withRenderTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Audio{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, err
	}
	// a renderer's children can hold stdout open after the kill; closing our end unblocks the scan
	stopClose := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stopClose()
	if _, err := stdin.Write(payload); err != nil {
		_ = cmd.Wait()
		return Audio{}, err
	}
	stdin.Close()

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return Audio{}, fmt.Errorf("decode tts output: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return Audio{}, fmt.Errorf("decode tts pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		_ = cmd.Wait()
		return Audio{}, fmt.Errorf("tts command: %w", err)
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return Audio{}, err
	}
	if err := cmd.Wait(); err != nil {
		return Audio{}, fmt.Errorf("tts command: %w", err)
	}
	if len(pcm) == 0 {
		return Audio{}, errors.New("tts command produced no audio")
	}

	data, err := encodeWAV(pcm16ToInts(pcm), e.sampleRate, e.channels)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, SampleRate: e.sampleRate, Channels: e.channels}, nil
}
