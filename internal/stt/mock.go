package stt

import "context"

const defaultMockText = "Hello, how are you today?"

type mockTranscriber struct {
	text string
}

func NewMockTranscriber(text string) Transcriber {
	if text == "" {
		text = defaultMockText
	}
	return &mockTranscriber{text: text}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.text, nil
}
