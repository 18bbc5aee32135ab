package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"
)

// edgeDrainGrace bounds how long an abandoned stream is drained so the library's
// per-segment readers can finish their sends.
const edgeDrainGrace = 30 * time.Second

// edgeSynth uses the Microsoft Edge read-aloud service, which streams MP3.
type edgeSynth struct {
	voice   string
	timeout time.Duration
}

func NewEdgeSynth(voice string, timeout time.Duration) Synthesizer {
	return &edgeSynth{voice: voice, timeout: timeout}
}

func (e *edgeSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	ctx, cancel := withRenderTimeout(ctx, e.timeout)
	defer cancel()

	comm, err := edge.NewCommunicate(req.Text, edge.WithVoice(e.voice))
	if err != nil {
		return Audio{}, fmt.Errorf("edge-tts communicate: %w", err)
	}
	stream, err := comm.Stream()
	if err != nil {
		return Audio{}, fmt.Errorf("edge-tts stream: %w", err)
	}

	mp3Data, pending, err := collectEdgeAudio(ctx, stream, comm.AudioDataIndex)
	if pending > 0 {
		go drainEdge(stream, pending, edgeDrainGrace)
	}
	if err != nil {
		return Audio{}, err
	}
	return mp3ToAudio(mp3Data)
}

// collectEdgeAudio reads the stream until every text segment reported its end. The
// stream is never closed by the library, so completion is counted. It returns how
// many segments were still running when it stopped.
func collectEdgeAudio(ctx context.Context, stream <-chan map[string]interface{}, segments int) ([]byte, int, error) {
	parts := make(map[int]*bytes.Buffer)
	pending := segments
	for pending > 0 {
		select {
		case <-ctx.Done():
			return nil, pending, fmt.Errorf("edge-tts: %w", ctx.Err())
		case msg := <-stream:
			if failure, ok := msg["error"]; ok {
				return nil, pending, fmt.Errorf("edge-tts: %v", failure)
			}
			if _, ok := msg["end"]; ok {
				pending--
				continue
			}
			if kind, _ := msg["type"].(string); kind != "audio" {
				continue
			}
			chunk, ok := msg["data"].(edge.AudioData)
			if !ok {
				continue
			}
			buf := parts[chunk.Index]
			if buf == nil {
				buf = &bytes.Buffer{}
				parts[chunk.Index] = buf
			}
			buf.Write(chunk.Data)
		}
	}

	indexes := make([]int, 0, len(parts))
	for idx := range parts {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	var out bytes.Buffer
	for _, idx := range indexes {
		out.Write(parts[idx].Bytes())
	}
	if out.Len() == 0 {
		return nil, 0, errors.New("edge-tts returned no audio")
	}
	return out.Bytes(), 0, nil
}

func drainEdge(stream <-chan map[string]interface{}, pending int, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for pending > 0 {
		select {
		case <-timer.C:
			return
		case msg := <-stream:
			if _, ok := msg["end"]; ok {
				pending--
			}
		}
	}
}
