// Package stt holds the speech recognizers the voice transcriber delegates to.
package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/cursor-bridge/internal/config"
)

// Request describes one recognition pass over captured PCM (s16le).
type Request struct {
	PCM             []byte
	SampleRate      int
	Channels        int
	Language        string
	MaxAlternatives int
	Continuous      bool
	Interim         bool
}

// Alternative is one candidate transcript.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Result captures recognizer output, best alternative first.
type Result struct {
	Alternatives []Alternative
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Recognize(ctx context.Context, req Request) (Result, error)
}

// New builds the recognizer selected by cfg. Mode "none" yields a nil
// Recognizer: the platform has no speech recognition.
func New(cfg config.RecognizerConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock":
		return NewMockRecognizer(""), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}
