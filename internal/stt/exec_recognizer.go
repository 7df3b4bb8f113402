package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.RecognizerConfig
	mu  sync.Mutex
}

type execAlternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type execResult struct {
	Text         string            `json:"text"`
	Confidence   float64           `json:"confidence"`
	Alternatives []execAlternative `json:"alternatives"`
	Error        string            `json:"error"`
}

// NewExecRecognizer runs an external command per request. The command gets
// the audio as a WAV file via --audio and prints one JSON object on stdout.
func NewExecRecognizer(cfg config.RecognizerConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Recognize(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "bridge_voice_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, req.PCM, req.SampleRate, req.Channels); err != nil {
		return Result{}, err
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(file.Name(), req)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("recognizer command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, errors.New(resp.Error)
	}
	return resp.result(req.MaxAlternatives), nil
}

func (r *execRecognizer) args(audioPath string, req Request) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", audioPath)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	language := req.Language
	if language == "" {
		language = r.cfg.Language
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	if req.MaxAlternatives > 0 {
		args = append(args, "--max-alternatives", strconv.Itoa(req.MaxAlternatives))
	}
	if req.Continuous {
		args = append(args, "--continuous")
	}
	if req.Interim {
		args = append(args, "--partial")
	}
	return args
}

func (e execResult) result(max int) Result {
	var res Result
	for _, alt := range e.Alternatives {
		res.Alternatives = append(res.Alternatives, Alternative{Transcript: alt.Text, Confidence: alt.Confidence})
	}
	if len(res.Alternatives) == 0 && e.Text != "" {
		res.Alternatives = []Alternative{{Transcript: e.Text, Confidence: e.Confidence}}
	}
	if max > 0 && len(res.Alternatives) > max {
		res.Alternatives = res.Alternatives[:max]
	}
	return res
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
