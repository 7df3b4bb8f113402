package relay

import "sync"

// Log is the append-only output of the current submission.
type Log struct {
	mu    sync.RWMutex
	lines []string
	epoch int
}

// Append adds a line and returns its index.
func (l *Log) Append(line string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	return len(l.lines) - 1
}

// Reset empties the log. Each reset starts a new epoch so readers holding a
// cursor can tell their position no longer applies.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = nil
	l.epoch++
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lines)
}

func (l *Log) Epoch() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// Lines returns a copy of every line, oldest first.
func (l *Log) Lines() []string {
	return l.Since(0)
}

// Since returns the lines from index n onward. A cursor past the end (the log
// was reset underneath the reader) yields nothing.
func (l *Log) Since(n int) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.lines) {
		return []string{}
	}
	return append([]string(nil), l.lines[n:]...)
}

// Read returns the lines from n onward together with the cursor for the next
// read and the current epoch, all taken atomically.
func (l *Log) Read(n int) (lines []string, next int, epoch int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.lines) {
		return []string{}, len(l.lines), l.epoch
	}
	return append([]string(nil), l.lines[n:]...), len(l.lines), l.epoch
}
