// Package engine runs dataset replacements: remote syncs and manual
// uploads go through one Orchestrator, and a Scheduler triggers syncs at
// the configured time of day.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/stockdash/internal/fetch"
	"github.com/BadgerOps/stockdash/internal/inventory"
	"github.com/BadgerOps/stockdash/internal/store"
)

// ErrSyncInProgress is returned by Trigger while another sync is queued or running.
var ErrSyncInProgress = errors.New("a sync is already in progress")

// TriggerSource says why a run started.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
	TriggerCatchUp  TriggerSource = "catch-up"
	TriggerUpload   TriggerSource = "upload"
)

// State of the orchestrator.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Status is the result of one run.
type Status string

const (
	StatusSucceeded Status = store.RunSucceeded
	StatusFailed    Status = store.RunFailed
	StatusSkipped   Status = store.RunSkipped
)

// DefaultStaleness is how old last_update may get before catch-up syncs.
const DefaultStaleness = 25 * time.Hour

// Outcome describes a finished run. Failures are reported here, never as
// errors or panics escaping the orchestrator.
type Outcome struct {
	RunID      string        `json:"run_id"`
	Trigger    TriggerSource `json:"trigger"`
	Status     Status        `json:"status"`
	Kind       ErrorKind     `json:"error_kind,omitempty"`
	Message    string        `json:"message,omitempty"`
	Rows       int           `json:"rows"`
	Bytes      int64         `json:"bytes"`
	Lossy      bool          `json:"lossy_decode,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Fetcher downloads the remote file. *fetch.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, ep fetch.Endpoint) ([]byte, error)
	Probe(ctx context.Context, ep fetch.Endpoint) error
}

type request struct {
	source TriggerSource
	upload []byte
	reply  chan Outcome
}

// Orchestrator serializes every dataset replacement through one goroutine.
type Orchestrator struct {
	fetcher   Fetcher
	dataset   *store.DatasetFile
	settings  *store.SettingsFile
	journal   *store.Journal
	runs      *store.Store
	logger    *slog.Logger
	staleness time.Duration
	now       func() time.Time

	requests chan request
	syncing  atomic.Bool
	running  atomic.Bool
	tracker  atomic.Pointer[RunTracker]
	last     atomic.Pointer[Outcome]
}

// NewOrchestrator wires the orchestrator to its collaborators. runs may be
// nil, in which case run history is not recorded.
func NewOrchestrator(
	fetcher Fetcher,
	dataset *store.DatasetFile,
	settings *store.SettingsFile,
	journal *store.Journal,
	runs *store.Store,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetcher:   fetcher,
		dataset:   dataset,
		settings:  settings,
		journal:   journal,
		runs:      runs,
		logger:    logger,
		staleness: DefaultStaleness,
		now:       time.Now,
		requests:  make(chan request),
	}
}

// SetStaleness overrides DefaultStaleness.
func (o *Orchestrator) SetStaleness(d time.Duration) {
	if d > 0 {
		o.staleness = d
	}
}

// Run consumes requests until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Debug("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Debug("orchestrator stopped")
			return ctx.Err()
		case req := <-o.requests:
			out := o.execute(ctx, req)
			if req.upload == nil {
				o.syncing.Store(false)
			}
			req.reply <- out
		}
	}
}

// State reports whether a run is executing right now.
func (o *Orchestrator) State() State {
	if o.running.Load() {
		return StateRunning
	}
	return StateIdle
}

// Progress returns the tracker of the current or most recent run, or nil.
func (o *Orchestrator) Progress() *RunTracker {
	return o.tracker.Load()
}

// LastOutcome returns the most recent outcome since start, or nil.
func (o *Orchestrator) LastOutcome() *Outcome {
	return o.last.Load()
}

// Trigger submits a sync and waits for its outcome. It fails fast with
// ErrSyncInProgress when another sync is queued or running.
func (o *Orchestrator) Trigger(ctx context.Context, source TriggerSource) (Outcome, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		return Outcome{}, ErrSyncInProgress
	}
	out, err := o.submit(ctx, request{source: source, reply: make(chan Outcome, 1)})
	if err != nil && !errors.Is(err, errAbandoned) {
		// Never reached the actor.
		o.syncing.Store(false)
	}
	return out, err
}

// Upload replaces the dataset with raw after validating it. It queues
// behind a running sync rather than failing.
func (o *Orchestrator) Upload(ctx context.Context, raw []byte) (Outcome, error) {
	if raw == nil {
		raw = []byte{}
	}
	return o.submit(ctx, request{source: TriggerUpload, upload: raw, reply: make(chan Outcome, 1)})
}

var errAbandoned = errors.New("stopped waiting for run outcome")

func (o *Orchestrator) submit(ctx context.Context, req request) (Outcome, error) {
	select {
	case o.requests <- req:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case out := <-req.reply:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("%w: %w", errAbandoned, ctx.Err())
	}
}

// NeedsCatchUp reports whether a startup sync is due: never synced, or the
// last success is older than staleness.
func NeedsCatchUp(lastUpdate, now time.Time, staleness time.Duration) bool {
	if lastUpdate.IsZero() {
		return true
	}
	return now.Sub(lastUpdate) > staleness
}

// CatchUp runs a sync when the dataset is stale. When it is fresh the
// returned outcome is skipped and nothing is journaled.
func (o *Orchestrator) CatchUp(ctx context.Context) (Outcome, error) {
	now := o.now()
	settings, err := o.settings.Load()
	if err != nil {
		o.logger.Warn("catch-up could not read settings", "error", err)
	} else if !NeedsCatchUp(settings.LastUpdate.Time, now, o.staleness) {
		o.logger.Debug("catch-up not needed", "last_update", settings.LastUpdate.Time)
		return Outcome{
			Trigger:    TriggerCatchUp,
			Status:     StatusSkipped,
			Message:    "dataset is up to date",
			StartedAt:  now,
			FinishedAt: now,
		}, nil
	}
	return o.Trigger(ctx, TriggerCatchUp)
}

// Test checks the saved remote settings without replacing anything.
func (o *Orchestrator) Test(ctx context.Context, remote store.RemoteSettings) (ErrorKind, error) {
	ep, err := remote.Endpoint()
	if err == nil {
		err = ep.Validate()
		if err != nil {
			err = fmt.Errorf("%w: %v", store.ErrInvalidSettings, err)
		}
	}
	if err == nil {
		err = o.fetcher.Probe(ctx, ep)
	}
	if err != nil {
		return Classify(err), errors.New(describe(err))
	}
	return KindNone, nil
}

func (o *Orchestrator) execute(ctx context.Context, req request) (out Outcome) {
	out = Outcome{
		RunID:     uuid.NewString(),
		Trigger:   req.source,
		StartedAt: o.now(),
	}
	tracker := NewRunTracker(out.RunID, req.source)
	o.tracker.Store(tracker)
	o.running.Store(true)
	defer o.running.Store(false)

	run := &store.SyncRun{
		RunID:     out.RunID,
		Trigger:   string(req.source),
		StartTime: out.StartedAt,
		Status:    store.RunRunning,
	}
	if o.runs != nil {
		if err := o.runs.CreateSyncRun(run); err != nil {
			o.logger.Error("failed to record run start", "run_id", out.RunID, "error", err)
		}
	}

	logger := o.logger.With("run_id", out.RunID, "trigger", req.source)
	logger.Info("run started")

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				logger.Error("run panicked", "panic", r)
			}
		}()
		if req.upload != nil {
			err = o.replace(req.upload, &out, tracker)
		} else {
			err = o.sync(ctx, &out, tracker)
		}
	}()

	out.FinishedAt = o.now()
	switch {
	case err != nil:
		out.Status = StatusFailed
		out.Kind = Classify(err)
		out.Message = describe(err)
		tracker.Finish(PhaseFailed, out.Message)
		logger.Warn("run failed", "kind", out.Kind, "error", err)
	case out.Status == StatusSkipped:
		tracker.Finish(PhaseSkipped, out.Message)
		logger.Info("run skipped", "reason", out.Message)
	default:
		out.Status = StatusSucceeded
		tracker.Finish(PhaseComplete, out.Message)
		logger.Info("run completed", "rows", out.Rows, "bytes", out.Bytes,
			"duration", out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond))
	}

	o.record(run, out)
	o.last.Store(&out)
	return out
}

func (o *Orchestrator) sync(ctx context.Context, out *Outcome, tracker *RunTracker) error {
	settings, err := o.settings.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidSettings, err)
	}

	remote := settings.Remote
	if !remote.Enabled && out.Trigger != TriggerManual {
		out.Status = StatusSkipped
		out.Message = "remote sync is disabled"
		return nil
	}
	// Checked up front: saving last_update re-validates the whole file, and
	// that must not fail after the dataset has been replaced.
	if err := settings.Validate(); err != nil {
		return err
	}
	ep, err := remote.Endpoint()
	if err != nil {
		return err
	}
	if err := ep.Validate(); err != nil {
		return fmt.Errorf("%w: remote source: %v", store.ErrInvalidSettings, err)
	}

	tracker.SetPhase(PhaseFetching, "downloading from "+describeEndpoint(ep))
	data, err := o.fetcher.Fetch(ctx, ep)
	if err != nil {
		return err
	}
	out.Bytes = int64(len(data))
	tracker.SetBytes(out.Bytes)

	if err := o.replace(data, out, tracker); err != nil {
		return err
	}

	_, err = o.settings.Update(func(s *store.Settings) error {
		s.LastUpdate = store.Timestamp{Time: out.StartedAt}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataset replaced but last_update not saved: %w", err)
	}
	out.Message = fmt.Sprintf("%d products loaded from %s", out.Rows, describeEndpoint(ep))
	return nil
}

// replace validates raw and atomically swaps it in. Nothing is written
// unless validation passes.
func (o *Orchestrator) replace(raw []byte, out *Outcome, tracker *RunTracker) error {
	tracker.SetPhase(PhaseValidating, "")
	if out.Bytes == 0 {
		out.Bytes = int64(len(raw))
		tracker.SetBytes(out.Bytes)
	}

	text, lossy := fetch.DecodeText(raw)
	out.Lossy = lossy
	if lossy {
		o.logger.Warn("file is not UTF-8, decoded as Windows-1252", "run_id", out.RunID)
	}

	ds, err := inventory.Parse(strings.NewReader(text))
	if err != nil {
		return err
	}
	out.Rows = ds.Len()
	tracker.SetRows(out.Rows)

	tracker.SetPhase(PhaseSaving, "")
	if err := o.dataset.Save(ds); err != nil {
		return err
	}
	if out.Trigger == TriggerUpload {
		out.Message = fmt.Sprintf("%d products loaded from upload", out.Rows)
	}
	return nil
}

func (o *Orchestrator) record(run *store.SyncRun, out Outcome) {
	if o.runs != nil && run.ID != 0 {
		run.EndTime = out.FinishedAt
		run.Status = string(out.Status)
		run.ErrorKind = string(out.Kind)
		run.ErrorMessage = out.Message
		run.Rows = out.Rows
		run.BytesTransferred = out.Bytes
		if out.Status != StatusFailed {
			run.ErrorMessage = ""
		}
		if err := o.runs.UpdateSyncRun(run); err != nil {
			o.logger.Error("failed to record run result", "run_id", out.RunID, "error", err)
		}
	}

	if o.journal == nil {
		return
	}
	var line string
	switch out.Status {
	case StatusFailed:
		line = fmt.Sprintf("%s %s failed [%s]: %s", label(out.Trigger), shortID(out.RunID), out.Kind, out.Message)
	case StatusSkipped:
		line = fmt.Sprintf("%s %s skipped: %s", label(out.Trigger), shortID(out.RunID), out.Message)
	default:
		line = fmt.Sprintf("%s %s succeeded: %s", label(out.Trigger), shortID(out.RunID), out.Message)
		if out.Lossy {
			line += " (not UTF-8, decoded as Windows-1252)"
		}
	}
	if err := o.journal.Append(line); err != nil {
		o.logger.Error("failed to append to journal", "error", err)
	}
}

func label(t TriggerSource) string {
	switch t {
	case TriggerUpload:
		return "Upload"
	case TriggerManual:
		return "Manual sync"
	case TriggerCatchUp:
		return "Catch-up sync"
	default:
		return "Scheduled sync"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func describeEndpoint(ep fetch.Endpoint) string {
	if ep.Protocol == fetch.ProtocolHTTP {
		if u, err := fetch.ValidateHTTPURL(ep.URL); err == nil {
			return u.Redacted()
		}
		return ep.URL
	}
	return fmt.Sprintf("%s://%s%s", ep.Protocol, ep.Address(), ep.RemotePath)
}
