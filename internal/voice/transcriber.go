package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/loqalabs/cursor-bridge/internal/stt"
)

var (
	ErrUnsupported = errors.New("speech recognition not supported")
	ErrNoSpeech    = errors.New("no-speech")
)

// Audio is captured PCM handed to the transcriber.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Transcriber turns one recording into text with the platform recognizer.
// It is single-shot: a call made while another is in flight gets ErrBusy.
type Transcriber struct {
	rec      stt.Recognizer
	language string
	busy     atomic.Bool
}

func NewTranscriber(rec stt.Recognizer, language string) *Transcriber {
	if language == "" {
		language = "en-US"
	}
	return &Transcriber{rec: rec, language: language}
}

// Supported reports whether a recognizer is configured.
func (t *Transcriber) Supported() bool { return t != nil && t.rec != nil }

func (t *Transcriber) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if !t.Supported() {
		return "", ErrUnsupported
	}
	if !t.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer t.busy.Store(false)

	res, err := t.rec.Recognize(ctx, stt.Request{
		PCM:             audio.PCM,
		SampleRate:      audio.SampleRate,
		Channels:        audio.Channels,
		Language:        t.language,
		MaxAlternatives: 1,
	})
	if err != nil {
		return "", fmt.Errorf("speech recognition error: %w", err)
	}
	if len(res.Alternatives) == 0 {
		return "", fmt.Errorf("speech recognition error: %w", ErrNoSpeech)
	}
	return res.Alternatives[0].Transcript, nil
}
