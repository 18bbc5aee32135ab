package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// voicevoxSynth renders speech with a VOICEVOX engine: an audio query is requested for
// the text, the voice preset is overlaid on it and the result is posted back for synthesis.
type voicevoxSynth struct {
	endpoint      string
	speaker       int
	preset        config.VoicePreset
	queryTimeout  time.Duration
	renderTimeout time.Duration
	client        *http.Client
}

func NewVoicevoxSynth(cfg config.TTSConfig) Synthesizer {
	return &voicevoxSynth{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		speaker:       cfg.Speaker,
		preset:        cfg.Preset,
		queryTimeout:  time.Duration(cfg.QueryTimeoutMS) * time.Millisecond,
		renderTimeout: time.Duration(cfg.RenderTimeoutMS) * time.Millisecond,
		client:        http.DefaultClient,
	}
}

func (v *voicevoxSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	query, err := v.audioQuery(ctx, req.Text)
	if err != nil {
		return Audio{}, err
	}
	v.applyPreset(query)

	body, err := json.Marshal(query)
	if err != nil {
		return Audio{}, err
	}
	params := url.Values{"speaker": {strconv.Itoa(v.speaker)}}
	data, err := v.post(ctx, v.renderTimeout, "/synthesis?"+params.Encode(), body)
	if err != nil {
		return Audio{}, fmt.Errorf("voicevox synthesis: %w", err)
	}
	return probeWAV(data)
}

func (v *voicevoxSynth) audioQuery(ctx context.Context, text string) (map[string]any, error) {
	params := url.Values{
		"text":    {text},
		"speaker": {strconv.Itoa(v.speaker)},
	}
	data, err := v.post(ctx, v.queryTimeout, "/audio_query?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox audio_query: %w", err)
	}
	var query map[string]any
	if err := json.Unmarshal(data, &query); err != nil {
		return nil, fmt.Errorf("decode audio query: %w", err)
	}
	return query, nil
}

func (v *voicevoxSynth) applyPreset(query map[string]any) {
	p := v.preset
	if p.OutputSamplingRate > 0 {
		query["outputSamplingRate"] = p.OutputSamplingRate
	}
	query["outputStereo"] = p.OutputStereo
	if p.SpeedScale > 0 {
		query["speedScale"] = p.SpeedScale
	}
	if p.VolumeScale > 0 {
		query["volumeScale"] = p.VolumeScale
	}
	if p.IntonationScale > 0 {
		query["intonationScale"] = p.IntonationScale
	}
}

func (v *voicevoxSynth) post(ctx context.Context, timeout time.Duration, path string, body []byte) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine returned status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
