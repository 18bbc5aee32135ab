package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

const (
	mockDelay       = 10 * time.Millisecond
	mockMSPerRune   = 40
	mockMaxDuration = 3 * time.Second
)

// mockSynth renders silence sized to the text.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(mockDelay):
	}

	duration := time.Duration(utf8.RuneCountInString(req.Text)*mockMSPerRune) * time.Millisecond
	if duration > mockMaxDuration {
		duration = mockMaxDuration
	}
	frames := int(duration.Seconds() * float64(m.sampleRate))
	if frames == 0 {
		frames = 1
	}
	data, err := encodeWAV(make([]int, frames*m.channels), m.sampleRate, m.channels)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, SampleRate: m.sampleRate, Channels: m.channels}, nil
}
