package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Journal is the append-only, human-readable sync log shown to admins.
type Journal struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewJournal returns a journal writing to path.
func NewJournal(path string) *Journal {
	return &Journal{path: path, now: time.Now}
}

// Append writes one timestamped line. Newlines in msg are flattened so a
// line always holds exactly one entry.
func (j *Journal) Append(msg string) error {
	msg = strings.Join(strings.Fields(strings.ReplaceAll(msg, "\n", " ")), " ")
	line := fmt.Sprintf("[%s] %s\n", j.now().Format(TimestampLayout), msg)

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating journal dir: %v", ErrPersistence, err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening journal: %v", ErrPersistence, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("%w: writing journal: %v", ErrPersistence, err)
	}
	return nil
}

// Tail returns up to n most recent lines, oldest first.
func (j *Journal) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}

	// Read backwards in blocks until enough lines are buffered.
	const block = 4096
	size := info.Size()
	var buf []byte
	for off := size; off > 0 && bytes.Count(buf, []byte{'\n'}) <= n; {
		step := int64(block)
		if off < step {
			step = off
		}
		off -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, off); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read journal: %w", err)
		}
		buf = append(chunk, buf...)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
