package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/inventory"
	"github.com/BadgerOps/stockdash/internal/store"
)

const (
	maxUploadBytes   = 32 << 20
	progressWaitTime = 25 * time.Second
	defaultRunsLimit = 50
)

type apiProduct struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Family      string          `json:"family"`
	Stock       string          `json:"stock"`
	Quantity    *float64        `json:"quantity"`
	Level       inventory.Level `json:"level"`
}

// handleAPIProducts returns the (optionally filtered) product table.
func (s *Server) handleAPIProducts(w http.ResponseWriter, r *http.Request) {
	ds, settings, err := s.loadDataset()
	if err != nil {
		s.logger.Error("failed to load dataset", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load dataset")
		return
	}

	th := settings.Thresholds()
	matched := inventory.Filter(ds.Products, r.URL.Query().Get("q"))
	products := make([]apiProduct, 0, len(matched))
	for _, p := range matched {
		ap := apiProduct{
			Code:        p.Code,
			Description: p.Description,
			Family:      p.Family,
			Stock:       p.Stock.Raw,
			Level:       th.Classify(p.Stock),
		}
		if p.Stock.Known {
			v := p.Stock.Value
			ap.Quantity = &v
		}
		products = append(products, ap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"products": products,
		"summary":  inventory.Summarize(matched, th),
		"total":    ds.Len(),
		"as_of":    store.Timestamp{Time: ds.AsOf},
	})
}

// handleAPIStatus returns orchestrator, scheduler and dataset status. The
// journal is only included for admins.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	ds, settings, err := s.loadDataset()
	if err != nil {
		s.logger.Warn("failed to load dataset for status", "error", err)
	}
	writeJSON(w, http.StatusOK, s.status(r, ds, settings))
}

// handleAPISyncProgress returns the current run's progress. With wait=1
// it blocks until the next update or a timeout.
func (s *Server) handleAPISyncProgress(w http.ResponseWriter, r *http.Request) {
	tracker := s.orch.Progress()
	if tracker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"state": s.orch.State()})
		return
	}

	if r.URL.Query().Get("wait") == "1" && !tracker.Snapshot().Done() {
		timer := time.NewTimer(progressWaitTime)
		defer timer.Stop()
		select {
		case <-tracker.Wait():
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state":    s.orch.State(),
		"progress": tracker.Snapshot(),
	})
}

// handleAPIUpload replaces the dataset with an uploaded file. Accepts a
// multipart form field "file" or a raw request body.
func (s *Server) handleAPIUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	raw, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", maxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.orch.Upload(r.Context(), raw)
	if err != nil {
		s.logger.Warn("upload abandoned", "error", err)
		writeError(w, http.StatusServiceUnavailable, "upload was not processed")
		return
	}
	writeJSON(w, outcomeStatus(out), out)
}

func readUpload(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("missing form field \"file\"")
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleAPISync runs a manual sync and returns its outcome.
func (s *Server) handleAPISync(w http.ResponseWriter, r *http.Request) {
	// A client that disconnects stops waiting, but the run itself continues
	// and its outcome shows up in /api/status.
	out, err := s.orch.Trigger(r.Context(), engine.TriggerManual)
	if errors.Is(err, engine.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, outcomeStatus(out), out)
}

// handleAPISyncTest probes remote settings without replacing the dataset.
// An empty password in the request means "use the saved one".
func (s *Server) handleAPISyncTest(w http.ResponseWriter, r *http.Request) {
	settings, err := s.files.Settings.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	remote := settings.Remote
	if r.ContentLength != 0 {
		var req store.RemoteSettings
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.Password == "" {
			req.Password = settings.Remote.Password
		}
		remote = req
	}
	remote.Enabled = true

	kind, err := s.orch.Test(r.Context(), remote)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":         false,
			"error_kind": kind,
			"message":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "connection succeeded"})
}

type settingsView struct {
	store.Settings
	PasswordSet bool   `json:"password_set"`
	NextRun     string `json:"next_run,omitempty"`
}

func (s *Server) settingsView(settings *store.Settings) settingsView {
	v := settingsView{
		Settings:    settings.Redacted(),
		PasswordSet: settings.Remote.Password != "",
	}
	if sched := s.currentScheduler(); sched != nil {
		if next := sched.NextRun(); !next.IsZero() {
			v.NextRun = formatTime(next)
		}
	}
	return v
}

// handleAPISettings returns the settings without the remote password.
func (s *Server) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.files.Settings.Load()
	if err != nil {
		s.logger.Error("failed to load settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, s.settingsView(settings))
}

type remotePatch struct {
	Enabled        *bool   `json:"enabled"`
	Protocol       *string `json:"protocol"`
	Host           *string `json:"host"`
	Port           *int    `json:"port"`
	User           *string `json:"user"`
	Password       *string `json:"password"`
	FilePath       *string `json:"file_path"`
	URL            *string `json:"url"`
	TimeoutSeconds *int    `json:"timeout_seconds"`
	FTPMode        *string `json:"ftp_mode"`
	HostKey        *string `json:"host_key"`
}

// settingsPatch is a partial update; absent fields keep their value.
type settingsPatch struct {
	HighThreshold *int         `json:"stock_high_threshold"`
	LowThreshold  *int         `json:"stock_low_threshold"`
	ScheduleTime  *string      `json:"schedule_time"`
	Remote        *remotePatch `json:"sftp_config"`
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (p settingsPatch) apply(s *store.Settings) {
	setIf(&s.HighThreshold, p.HighThreshold)
	setIf(&s.LowThreshold, p.LowThreshold)
	setIf(&s.ScheduleTime, p.ScheduleTime)
	if p.Remote == nil {
		return
	}
	rp := p.Remote
	setIf(&s.Remote.Enabled, rp.Enabled)
	setIf(&s.Remote.Protocol, rp.Protocol)
	setIf(&s.Remote.Host, rp.Host)
	setIf(&s.Remote.Port, rp.Port)
	setIf(&s.Remote.User, rp.User)
	// An empty password keeps the saved one; the UI never sees it.
	if rp.Password != nil && *rp.Password != "" {
		s.Remote.Password = *rp.Password
	}
	setIf(&s.Remote.FilePath, rp.FilePath)
	setIf(&s.Remote.URL, rp.URL)
	setIf(&s.Remote.TimeoutSeconds, rp.TimeoutSeconds)
	setIf(&s.Remote.FTPMode, rp.FTPMode)
	setIf(&s.Remote.HostKey, rp.HostKey)
}

// handleAPIUpdateSettings applies a partial settings update and moves the
// schedule when schedule_time changes.
func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var before string
	updated, err := s.files.Settings.Update(func(cur *store.Settings) error {
		before = cur.ScheduleTime
		patch.apply(cur)
		return nil
	})
	if errors.Is(err, store.ErrInvalidSettings) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to save settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	if updated.ScheduleTime != before {
		if at, err := updated.Schedule(); err == nil {
			if sched := s.currentScheduler(); sched != nil {
				sched.Reschedule(at)
			}
		}
	}
	s.logger.Info("settings updated",
		"schedule_time", updated.ScheduleTime,
		"remote_enabled", updated.Remote.Enabled,
		"protocol", updated.Remote.Protocol,
	)

	writeJSON(w, http.StatusOK, s.settingsView(updated))
}

type runJSON struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	Trigger      string          `json:"trigger"`
	Status       string          `json:"status"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Rows         int             `json:"rows"`
	Bytes        int64           `json:"bytes"`
	Size         string          `json:"size"`
	StartTime    store.Timestamp `json:"start_time"`
	EndTime      store.Timestamp `json:"end_time"`
	Duration     string          `json:"duration,omitempty"`
}

func toRunJSON(run store.SyncRun) runJSON {
	rj := runJSON{
		ID:           run.ID,
		RunID:        run.RunID,
		Trigger:      run.Trigger,
		Status:       run.Status,
		ErrorKind:    run.ErrorKind,
		ErrorMessage: run.ErrorMessage,
		Rows:         run.Rows,
		Bytes:        run.BytesTransferred,
		Size:         formatBytes(run.BytesTransferred),
		StartTime:    store.Timestamp{Time: run.StartTime},
		EndTime:      store.Timestamp{Time: run.EndTime},
	}
	if d := run.Duration(); d > 0 {
		rj.Duration = formatDuration(d)
	}
	return rj
}

// handleAPIRun returns one run by its numeric id.
func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "run id must be a positive integer")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	run, err := s.runs.GetSyncRun(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load sync run", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, toRunJSON(*run))
}

// handleAPIRuns lists recent runs, newest first. Filters: trigger, limit.
func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []runJSON{})
		return
	}

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListSyncRuns(r.URL.Query().Get("trigger"), limit)
	if err != nil {
		s.logger.Error("failed to list sync runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunJSON(run))
	}
	writeJSON(w, http.StatusOK, out)
}
