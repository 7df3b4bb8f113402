package voice

import (
	"context"
	"io"
	"sync"
	"time"
)

// MockMicrophone produces silent slices at the requested cadence and counts
// how often it was opened and released.
type MockMicrophone struct {
	// Err, when set, is returned by Open as if access were denied.
	Err error

	mu     sync.Mutex
	opens  int
	closes int
}

func NewMockMicrophone() *MockMicrophone {
	return &MockMicrophone{}
}

func (m *MockMicrophone) Open(_ context.Context, c Constraints) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.opens++
	slice := c.Slice
	if slice <= 0 {
		slice = 100 * time.Millisecond
	}
	return &mockStream{
		mic:    m,
		ticker: time.NewTicker(slice),
		size:   c.SliceBytes(),
		done:   make(chan struct{}),
	}, nil
}

// Opens counts successful opens.
func (m *MockMicrophone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Live is the number of streams opened and not yet closed.
func (m *MockMicrophone) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens - m.closes
}

type mockStream struct {
	mic    *MockMicrophone
	ticker *time.Ticker
	size   int
	done   chan struct{}
	once   sync.Once
}

func (s *mockStream) ReadSlice() ([]byte, error) {
	select {
	case <-s.done:
		return nil, io.EOF
	default:
	}
	select {
	case <-s.ticker.C:
		return make([]byte, s.size), nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *mockStream) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
		s.mic.mu.Lock()
		s.mic.closes++
		s.mic.mu.Unlock()
	})
	return nil
}
