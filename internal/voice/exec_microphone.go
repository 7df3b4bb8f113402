package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

type execMicrophone struct {
	cmd []string
}

// NewExecMicrophone captures audio from a command that writes raw s16le PCM
// to stdout.
func NewExecMicrophone(command string) (Microphone, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &execMicrophone{cmd: args}, nil
}

func (m *execMicrophone) Open(_ context.Context, c Constraints) (Stream, error) {
	args := append([]string{}, m.cmd[1:]...)
	args = append(args,
		"--rate", strconv.Itoa(c.SampleRate),
		"--channels", strconv.Itoa(c.Channels),
		"--echo-cancellation="+strconv.FormatBool(c.EchoCancellation),
		"--noise-suppression="+strconv.FormatBool(c.NoiseSuppression),
	)

	// The capture outlives the request that opened it.
	ctx, cancel := context.WithCancel(context.Background())
	command := exec.CommandContext(ctx, m.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stream := &execStream{
		cmd:    command,
		stdout: stdout,
		cancel: cancel,
		size:   c.SliceBytes(),
		notify: make(chan struct{}),
		pumped: make(chan struct{}),
	}
	command.Stderr = &stream.stderr
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	go stream.pump()
	return stream, nil
}

// drainTimeout bounds how long Close waits for stdout to reach EOF after the
// capture is killed. A child process that inherited the pipe can keep it open.
const drainTimeout = 2 * time.Second

// execStream reads stdout on its own goroutine so Close can stop the
// process, collect what it had already written, and only then Wait.
type execStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	cancel context.CancelFunc
	size   int

	mu      sync.Mutex
	queue   [][]byte
	readErr error
	notify  chan struct{}
	pumped  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *execStream) pump() {
	defer close(s.pumped)
	for {
		buf := make([]byte, s.size)
		n, err := io.ReadFull(s.stdout, buf)
		if err == nil {
			s.push(buf, nil)
			continue
		}
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			// keep whole samples only
			if tail := buf[:n-n%2]; len(tail) > 0 {
				s.push(tail, nil)
			}
			err = io.EOF
		case errors.Is(err, os.ErrClosed):
			err = io.EOF
		}
		s.push(nil, err)
		return
	}
}

func (s *execStream) push(slice []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slice != nil {
		s.queue = append(s.queue, slice)
	}
	if err != nil {
		s.readErr = err
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

// ReadSlice returns captured slices in order, including any still buffered
// after Close, then the terminal error (io.EOF once the capture ended).
func (s *execStream) ReadSlice() ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			slice := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return slice, nil
		}
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			return nil, err
		}
		wait := s.notify
		s.mu.Unlock()
		<-wait
	}
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.pumped:
		case <-time.After(drainTimeout):
			_ = s.stdout.Close()
			<-s.pumped
		}
		err := s.cmd.Wait()
		// Killing the capture is how it stops, so exit status and
		// cancellation are expected here.
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
