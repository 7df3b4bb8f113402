// Package voice captures microphone audio in slices and turns a finished
// recording into a transcript.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/cursor-bridge/internal/protocol"
)

var (
	ErrBusy         = errors.New("voice: busy")
	ErrNotRecording = errors.New("voice: not recording")
	ErrNoTranscript = errors.New("voice: no transcript")
)

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
)

// Snapshot is the externally visible session state.
type Snapshot struct {
	State      State  `json:"state"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
	Slices     int    `json:"slices"`
}

// Publisher fans transcripts out to other processes.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Session struct {
	mic         Microphone
	transcriber *Transcriber
	constraints Constraints
	pub         Publisher
	log         *slog.Logger
	recordings  metric.Int64Counter

	mu         sync.Mutex
	state      State
	stopping   bool
	transcript string
	errMsg     string
	stream     Stream
	slices     [][]byte
	sliceCount int
	readerDone chan struct{}
}

func NewSession(mic Microphone, transcriber *Transcriber, c Constraints, pub Publisher, log *slog.Logger) *Session {
	s := &Session{
		mic:         mic,
		transcriber: transcriber,
		constraints: c,
		pub:         pub,
		log:         log.With(slog.String("component", "voice")),
		state:       StateIdle,
	}
	counter, err := otel.Meter("github.com/loqalabs/cursor-bridge/voice").Int64Counter("voice.recordings",
		metric.WithDescription("Finished recordings by outcome"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		s.recordings = counter
	}
	return s
}

// Start acquires the microphone and begins buffering slices. It is refused
// unless the session is idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrBusy
	}
	s.transcript = ""
	s.errMsg = ""

	stream, err := s.mic.Open(ctx, s.constraints)
	if err != nil {
		err = fmt.Errorf("failed to access microphone: %w", err)
		s.errMsg = err.Error()
		s.count(ctx, "microphone_error")
		return err
	}
	s.stream = stream
	s.slices = nil
	s.sliceCount = 0
	s.readerDone = make(chan struct{})
	s.state = StateRecording
	go s.read(stream, s.readerDone)
	s.log.Info("recording started")
	return nil
}

func (s *Session) read(stream Stream, done chan struct{}) {
	defer close(done)
	for {
		slice, err := stream.ReadSlice()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("capture ended", slog.String("error", err.Error()))
			}
			return
		}
		if len(slice) == 0 {
			continue
		}
		s.mu.Lock()
		s.slices = append(s.slices, slice)
		s.sliceCount++
		s.mu.Unlock()
	}
}

// Stop releases the microphone and, when audio was captured, transcribes it.
// The microphone is released before Stop returns whatever the outcome.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRecording || s.stopping {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.stopping = true
	stream, done := s.stream, s.readerDone
	s.stream = nil
	s.mu.Unlock()

	if err := stream.Close(); err != nil {
		s.log.Warn("releasing microphone failed", slog.String("error", err.Error()))
	}
	<-done

	s.mu.Lock()
	s.stopping = false
	slices := s.slices
	s.slices = nil
	if len(slices) == 0 {
		s.state = StateIdle
		s.mu.Unlock()
		s.count(ctx, "empty")
		return nil
	}
	s.state = StateProcessing
	s.mu.Unlock()

	audio := Audio{PCM: bytes.Join(slices, nil), SampleRate: s.constraints.SampleRate, Channels: s.constraints.Channels}
	text, err := s.transcriber.Transcribe(context.WithoutCancel(ctx), audio)

	s.mu.Lock()
	s.state = StateIdle
	if err != nil {
		s.errMsg = err.Error()
		s.mu.Unlock()
		s.count(ctx, "failed")
		s.log.Warn("transcription failed", slog.String("error", err.Error()))
		return err
	}
	s.transcript = text
	s.mu.Unlock()
	s.count(ctx, "transcribed")

	msg := protocol.Transcript{Text: text, Language: s.transcriber.language, Slices: len(slices), Timestamp: time.Now().UTC()}
	if s.pub != nil {
		if err := s.pub.PublishJSON(protocol.SubjectVoiceTranscript, msg); err != nil {
			s.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Clear drops the stored transcript and error. A running recording is
// left alone.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = ""
	s.errMsg = ""
}

// UseTranscript hands the stored transcript to use and clears it once use
// succeeds. A failed use keeps the transcript, and so does one replaced
// while use ran.
func (s *Session) UseTranscript(use func(text string) error) error {
	s.mu.Lock()
	text := s.transcript
	s.mu.Unlock()
	if text == "" {
		return ErrNoTranscript
	}
	if err := use(text); err != nil {
		return err
	}
	s.mu.Lock()
	if s.transcript == text {
		s.transcript = ""
		s.errMsg = ""
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{State: s.state, Transcript: s.transcript, Error: s.errMsg, Slices: s.sliceCount}
}

// Close releases the microphone if a recording is open, without transcribing.
func (s *Session) Close() error {
	s.mu.Lock()
	stream, done := s.stream, s.readerDone
	s.stream = nil
	if stream != nil {
		s.state = StateIdle
		s.slices = nil
	}
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	err := stream.Close()
	<-done
	return err
}

func (s *Session) count(ctx context.Context, outcome string) {
	if s.recordings != nil {
		s.recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
