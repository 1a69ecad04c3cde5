package engine

import (
	"sync"
	"time"
)

// Phase is the step a run is currently in.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseFetching   Phase = "fetching"
	PhaseValidating Phase = "validating"
	PhaseSaving     Phase = "saving"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
	PhaseSkipped    Phase = "skipped"
)

// Progress is a snapshot of a run, safe for JSON serialization.
type Progress struct {
	RunID     string        `json:"run_id"`
	Trigger   TriggerSource `json:"trigger"`
	Phase     Phase         `json:"phase"`
	Bytes     int64         `json:"bytes"`
	Rows      int           `json:"rows"`
	StartTime time.Time     `json:"start_time"`
	Elapsed   string        `json:"elapsed"`
	Message   string        `json:"message,omitempty"`
}

// Done reports whether the run has reached a terminal phase.
func (p Progress) Done() bool {
	return p.Phase == PhaseComplete || p.Phase == PhaseFailed || p.Phase == PhaseSkipped
}

// RunTracker follows one run. Pollers call Wait() to block until the next
// update instead of spinning.
type RunTracker struct {
	mu sync.Mutex

	runID     string
	trigger   TriggerSource
	phase     Phase
	bytes     int64
	rows      int
	startTime time.Time
	endTime   time.Time
	message   string

	// Close-and-replace: any update closes the current channel.
	notify chan struct{}
}

// NewRunTracker creates a tracker for a queued run.
func NewRunTracker(runID string, trigger TriggerSource) *RunTracker {
	return &RunTracker{
		runID:     runID,
		trigger:   trigger,
		phase:     PhaseQueued,
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (t *RunTracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return Progress{
		RunID:     t.runID,
		Trigger:   t.trigger,
		Phase:     t.phase,
		Bytes:     t.bytes,
		Rows:      t.rows,
		StartTime: t.startTime,
		Elapsed:   end.Sub(t.startTime).Truncate(time.Millisecond).String(),
		Message:   t.message,
	}
}

// Wait returns a channel that is closed on the next update.
func (t *RunTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *RunTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetPhase moves the run to phase with an optional message.
func (t *RunTracker) SetPhase(phase Phase, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.message = msg
	t.signal()
}

// SetBytes records the downloaded payload size.
func (t *RunTracker) SetBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes = n
	t.signal()
}

// SetRows records how many products were parsed.
func (t *RunTracker) SetRows(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = n
	t.signal()
}

// Finish marks the run terminal.
func (t *RunTracker) Finish(phase Phase, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.message = msg
	t.endTime = time.Now()
	t.signal()
}
