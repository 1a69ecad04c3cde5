package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/inventory"
	"github.com/BadgerOps/stockdash/internal/store"
)

// journalLines is how much of the scheduler journal the dashboard shows.
const journalLines = 50

type productRow struct {
	inventory.Product
	Level inventory.Level
}

type statusView struct {
	State        engine.State          `json:"state"`
	Products     int                   `json:"products"`
	AsOf         store.Timestamp       `json:"dataset_modified"`
	LastUpdate   store.Timestamp       `json:"last_update"`
	ScheduleTime string                `json:"schedule_time"`
	Scheduler    store.SchedulerStatus `json:"scheduler"`
	RemoteOn     bool                  `json:"remote_enabled"`
	LastOutcome  *engine.Outcome       `json:"last_outcome,omitempty"`
	LastSuccess  *runJSON              `json:"last_success,omitempty"`
	Progress     *engine.Progress      `json:"progress,omitempty"`
	Journal      []string              `json:"journal,omitempty"`
	Thresholds   inventory.Thresholds  `json:"thresholds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealthz reports liveness without authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.orch.State()),
	})
}

// loadDataset returns the live dataset and settings. Settings that cannot
// be read fall back to the defaults so the table still renders.
func (s *Server) loadDataset() (*inventory.Dataset, *store.Settings, error) {
	settings, err := s.files.Settings.Load()
	if err != nil {
		s.logger.Warn("failed to load settings, using defaults", "error", err)
		settings = store.DefaultSettings()
	}
	ds, err := s.files.Dataset.Load()
	if err != nil {
		return nil, settings, err
	}
	return ds, settings, nil
}

func (s *Server) status(r *http.Request, ds *inventory.Dataset, settings *store.Settings) statusView {
	st := statusView{
		State:        s.orch.State(),
		Products:     ds.Len(),
		LastUpdate:   settings.LastUpdate,
		ScheduleTime: settings.ScheduleTime,
		RemoteOn:     settings.Remote.Enabled,
		LastOutcome:  s.orch.LastOutcome(),
		Thresholds:   settings.Thresholds(),
	}
	if ds != nil {
		st.AsOf = store.Timestamp{Time: ds.AsOf}
	}
	if sched, err := s.files.Status.Load(); err != nil {
		s.logger.Warn("failed to load scheduler status", "error", err)
	} else {
		st.Scheduler = sched
	}
	if t := s.orch.Progress(); t != nil {
		p := t.Snapshot()
		st.Progress = &p
	}
	if s.runs != nil {
		run, err := s.runs.LastSuccessfulRun()
		switch {
		case err == nil:
			rj := toRunJSON(*run)
			st.LastSuccess = &rj
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Warn("failed to load last successful run", "error", err)
		}
	}
	if isAdmin(r) {
		lines, err := s.files.Journal.Tail(journalLines)
		if err != nil {
			s.logger.Warn("failed to read journal", "error", err)
		}
		st.Journal = lines
	}
	return st
}

// handleDashboard renders the product table with search and summary.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ds, settings, err := s.loadDataset()
	if err != nil {
		s.logger.Error("failed to load dataset", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query().Get("q")
	th := settings.Thresholds()
	matched := inventory.Filter(ds.Products, query)
	rows := make([]productRow, 0, len(matched))
	for _, p := range matched {
		rows = append(rows, productRow{Product: p, Level: th.Classify(p.Stock)})
	}

	exportURL := "/export"
	if query != "" {
		exportURL += "?" + url.Values{"q": {query}}.Encode()
	}

	var redacted store.Settings
	if isAdmin(r) {
		redacted = settings.Redacted()
	}

	data := map[string]any{
		"Title":     "Inventario",
		"Rows":      rows,
		"Summary":   inventory.Summarize(matched, th),
		"Total":     ds.Len(),
		"Query":     query,
		"ExportURL": exportURL,
		"Status":    s.status(r, ds, settings),
		"Admin":     isAdmin(r),
		"Settings":  redacted,
		"PassSet":   settings.Remote.Password != "",
	}

	// Render to a buffer so a template error does not leave half a page.
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "dashboard.html", data); err != nil {
		s.logger.Error("failed to render dashboard", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

// handleExport downloads the filtered table as CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ds, _, err := s.loadDataset()
	if err != nil {
		s.logger.Error("failed to load dataset", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	matched := inventory.Filter(ds.Products, r.URL.Query().Get("q"))
	var buf bytes.Buffer
	if err := inventory.WriteCSV(&buf, matched); err != nil {
		s.logger.Error("failed to export dataset", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	name := inventory.ExportFileName(s.now())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	buf.WriteTo(w)
}

// outcomeStatus maps a finished run to an HTTP status.
func outcomeStatus(out engine.Outcome) int {
	if out.Status != engine.StatusFailed {
		return http.StatusOK
	}
	switch out.Kind {
	case engine.KindConfigurationInvalid:
		return http.StatusBadRequest
	case engine.KindNetworkUnreachable, engine.KindConnectionTimeout,
		engine.KindAuthenticationFailed, engine.KindRemoteFileNotFound,
		engine.KindTransportError:
		return http.StatusBadGateway
	case engine.KindSchemaInvalid, engine.KindEmptyDataset,
		engine.KindDuplicateCode, engine.KindMalformedFile:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
