package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/cursor-bridge/internal/config"
)

var ErrNoMicrophone = errors.New("microphone not available")

// Constraints are the capture settings requested when opening a microphone.
type Constraints struct {
	SampleRate       int
	Channels         int
	Slice            time.Duration
	EchoCancellation bool
	NoiseSuppression bool
}

// SliceBytes is the size of one s16le slice.
func (c Constraints) SliceBytes() int {
	n := int(int64(c.SampleRate) * int64(c.Channels) * 2 * int64(c.Slice) / int64(time.Second))
	if n%2 != 0 {
		n++
	}
	if n <= 0 {
		n = 2
	}
	return n
}

// ConstraintsFromConfig maps the microphone config section.
func ConstraintsFromConfig(cfg config.MicrophoneConfig) Constraints {
	return Constraints{
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		Slice:            time.Duration(cfg.SliceMS) * time.Millisecond,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseSuppression,
	}
}

// Stream is an open capture. ReadSlice blocks until the next slice is ready
// and returns io.EOF once the stream is closed.
type Stream interface {
	ReadSlice() ([]byte, error)
	Close() error
}

type Microphone interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// NewMicrophone builds the microphone selected by cfg.
func NewMicrophone(cfg config.MicrophoneConfig) (Microphone, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecMicrophone(cfg.Command)
	case "mock":
		return NewMockMicrophone(), nil
	case "none", "":
		return noMicrophone{}, nil
	default:
		return nil, fmt.Errorf("unknown microphone mode %q", cfg.Mode)
	}
}

type noMicrophone struct{}

func (noMicrophone) Open(context.Context, Constraints) (Stream, error) {
	return nil, ErrNoMicrophone
}
