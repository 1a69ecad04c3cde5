package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// SchedulerStatus is the liveness snapshot the scheduler writes each wake.
type SchedulerStatus struct {
	LastCheck    Timestamp `json:"last_check"`
	WorkerActive bool      `json:"worker_active"`
	NextRun      Timestamp `json:"next_run"`
}

// StatusFile persists SchedulerStatus as JSON.
type StatusFile struct {
	path string
	mu   sync.Mutex
}

// NewStatusFile returns a handle for the JSON file at path.
func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: path}
}

// Load returns the last written status, or the zero status if none.
func (f *StatusFile) Load() (SchedulerStatus, error) {
	var st SchedulerStatus
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read scheduler status: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse scheduler status: %w", err)
	}
	return st, nil
}

// Save atomically replaces the status file.
func (f *StatusFile) Save(st SchedulerStatus) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding scheduler status: %v", ErrPersistence, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.path, append(data, '\n'), 0o644)
}
