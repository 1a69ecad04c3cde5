package store

import "time"

// Run statuses recorded in sync_runs.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// SyncRun records one sync or upload attempt.
type SyncRun struct {
	ID               int64
	RunID            string // uuid, also logged and journaled
	Trigger          string // "schedule", "manual", "catch-up", "upload"
	StartTime        time.Time
	EndTime          time.Time
	Status           string
	ErrorKind        string
	ErrorMessage     string
	Rows             int
	BytesTransferred int64
}

// Duration returns how long the run took, or zero while running.
func (r SyncRun) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
