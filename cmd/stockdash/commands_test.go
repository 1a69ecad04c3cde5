package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/stockdash/internal/config"
	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/fetch"
	"github.com/BadgerOps/stockdash/internal/store"
)

const sampleCSV = `Codigo,Descripcion,Familia,Stock
T001,Tornillo Acero 4x30mm,Ferreteria,125
T002,Tuerca Hexagonal M8,Ferreteria,12
E001,Cable Cobre 4mm,Electricidad,3
`

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "productos.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

// setupGlobals wires the package-level components the commands use.
func setupGlobals(t *testing.T) {
	t.Helper()

	origCfg, origStore, origFiles, origOrch, origLogger := globalCfg, globalStore, globalFiles, globalOrch, logger
	t.Cleanup(func() {
		globalCfg, globalStore, globalFiles, globalOrch, logger = origCfg, origStore, origFiles, origOrch, origLogger
	})

	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	globalCfg = config.DefaultConfig()
	globalCfg.Server.DataDir = t.TempDir()
	globalCfg.Server.DBPath = ":memory:"

	if err := initializeComponents(); err != nil {
		t.Fatalf("initializeComponents: %v", err)
	}
	t.Cleanup(closeStore)
}

func TestValidateRun_Valid(t *testing.T) {
	path := writeTempFile(t, sampleCSV)

	out := captureStdout(t, func() {
		if err := validateRun(testCmd(), []string{path}); err != nil {
			t.Fatalf("validateRun returned error: %v", err)
		}
	})

	if !strings.Contains(out, "Valid: 3 products") {
		t.Fatalf("expected product count, got: %s", out)
	}
	if !strings.Contains(out, "low: 1  medium: 1  high: 1") {
		t.Fatalf("expected bucket summary, got: %s", out)
	}
}

func TestValidateRun_MissingColumns(t *testing.T) {
	path := writeTempFile(t, "Codigo,Descripcion\nA1,Martillo\n")

	err := validateRun(testCmd(), []string{path})
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
	if !strings.Contains(err.Error(), string(engine.KindSchemaInvalid)) {
		t.Fatalf("expected schema_invalid, got: %v", err)
	}
	if !strings.Contains(err.Error(), "Familia") || !strings.Contains(err.Error(), "Stock") {
		t.Fatalf("expected missing columns to be named, got: %v", err)
	}
}

func TestSeedSettings_OnlyOnFirstRun(t *testing.T) {
	origLogger := logger
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Cleanup(func() { logger = origLogger })

	sf := store.NewSettingsFile(filepath.Join(t.TempDir(), "config.json"))
	cfg := config.DefaultConfig()
	cfg.Schedule.Time = "04:15"

	if err := seedSettings(sf, cfg); err != nil {
		t.Fatalf("seedSettings: %v", err)
	}
	s, err := sf.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ScheduleTime != "04:15" {
		t.Fatalf("expected seeded schedule 04:15, got %s", s.ScheduleTime)
	}

	// A later process-level value does not override the saved one.
	cfg.Schedule.Time = "23:00"
	if err := seedSettings(sf, cfg); err != nil {
		t.Fatalf("seedSettings: %v", err)
	}
	s, err = sf.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ScheduleTime != "04:15" {
		t.Fatalf("expected saved schedule to win, got %s", s.ScheduleTime)
	}
}

func TestImportAndStatusRun(t *testing.T) {
	setupGlobals(t)
	path := writeTempFile(t, sampleCSV)

	out := captureStdout(t, func() {
		if err := importRun(testCmd(), []string{path}); err != nil {
			t.Fatalf("importRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Status:   succeeded") {
		t.Fatalf("expected success, got: %s", out)
	}

	ds, err := globalFiles.Dataset.Load()
	if err != nil {
		t.Fatalf("loading dataset: %v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("expected 3 products, got %d", ds.Len())
	}

	statusRuns, statusJournal = 5, 5
	out = captureStdout(t, func() {
		if err := statusRun(testCmd(), nil); err != nil {
			t.Fatalf("statusRun returned error: %v", err)
		}
	})
	for _, want := range []string{"Products:     3", "upload, 3 products", "3 products loaded from upload", "Remote:       disabled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in status output, got: %s", want, out)
		}
	}
}

func TestImportRun_InvalidKeepsDataset(t *testing.T) {
	setupGlobals(t)

	good := writeTempFile(t, sampleCSV)
	captureStdout(t, func() {
		if err := importRun(testCmd(), []string{good}); err != nil {
			t.Fatalf("importRun returned error: %v", err)
		}
	})

	dup := writeTempFile(t, "Codigo,Descripcion,Familia,Stock\nA1,x,y,1\nA1,z,w,2\n")
	var err error
	captureStdout(t, func() {
		err = importRun(testCmd(), []string{dup})
	})
	if err == nil || !strings.Contains(err.Error(), string(engine.KindDuplicateCode)) {
		t.Fatalf("expected duplicate_code error, got: %v", err)
	}

	ds, loadErr := globalFiles.Dataset.Load()
	if loadErr != nil {
		t.Fatalf("loading dataset: %v", loadErr)
	}
	if ds.Len() != 3 {
		t.Fatalf("expected previous 3 products to be kept, got %d", ds.Len())
	}
}

func TestSyncRun_NotConfigured(t *testing.T) {
	setupGlobals(t)
	syncTest, syncIfStale, syncTimeout = false, false, 0

	var err error
	out := captureStdout(t, func() {
		err = syncRun(testCmd(), nil)
	})
	if err == nil || !strings.Contains(err.Error(), string(engine.KindConfigurationInvalid)) {
		t.Fatalf("expected configuration_invalid, got: %v", err)
	}
	if !strings.Contains(out, "Status:   failed") {
		t.Fatalf("expected failed outcome printed, got: %s", out)
	}
}

func TestSyncRun_TestConnectionFailure(t *testing.T) {
	setupGlobals(t)
	syncTest, syncIfStale, syncTimeout = true, false, 0
	t.Cleanup(func() { syncTest = false })

	_, err := globalFiles.Settings.Update(func(s *store.Settings) error {
		s.Remote = store.RemoteSettings{
			Enabled:        true,
			Protocol:       string(fetch.ProtocolHTTP),
			URL:            "http://127.0.0.1:1/productos.csv",
			TimeoutSeconds: 2,
		}
		return nil
	})
	if err != nil {
		t.Fatalf("saving settings: %v", err)
	}

	err = syncRun(testCmd(), nil)
	if err == nil || !strings.Contains(err.Error(), string(engine.KindNetworkUnreachable)) {
		t.Fatalf("expected network_unreachable, got: %v", err)
	}
}

func TestMaskedConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.AdminPassword = "admin"

	masked := maskedConfig(*cfg)
	if masked.Auth.AdminPassword != "********" {
		t.Fatalf("admin password not masked: %q", masked.Auth.AdminPassword)
	}
	if masked.Auth.ViewerPassword != "" {
		t.Fatalf("empty viewer password should stay empty, got %q", masked.Auth.ViewerPassword)
	}
	if cfg.Auth.AdminPassword != "admin" {
		t.Fatal("maskedConfig modified the original")
	}
}

func TestRemoteSummary(t *testing.T) {
	tests := []struct {
		enabled             bool
		protocol, host, url string
		want                string
	}{
		{false, "sftp", "files.example.com", "", "disabled"},
		{true, "sftp", "files.example.com", "", "sftp://files.example.com"},
		{true, "http", "", "https://example.com/p.csv", "https://example.com/p.csv"},
	}
	for _, tt := range tests {
		if got := remoteSummary(tt.enabled, tt.protocol, tt.host, tt.url); got != tt.want {
			t.Errorf("remoteSummary(%v, %q, %q, %q) = %q, want %q", tt.enabled, tt.protocol, tt.host, tt.url, got, tt.want)
		}
	}
}
