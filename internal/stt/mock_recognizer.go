package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns text for every request, or a length summary
// when text is empty.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Recognize(_ context.Context, req Request) (Result, error) {
	text := m.text
	if text == "" {
		text = fmt.Sprintf("[%s transcript bytes=%d]", req.Language, len(req.PCM))
	}
	return Result{Alternatives: []Alternative{{Transcript: text, Confidence: 1}}}, nil
}
