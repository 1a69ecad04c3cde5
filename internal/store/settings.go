package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/stockdash/internal/config"
	"github.com/BadgerOps/stockdash/internal/fetch"
	"github.com/BadgerOps/stockdash/internal/inventory"
)

// ErrInvalidSettings is wrapped by every Settings validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// TimestampLayout is the on-disk form of last_update.
const TimestampLayout = "2006-01-02 15:04:05"

// Timestamp is a local wall-clock time serialized as TimestampLayout, or
// null when zero.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Local().Format(TimestampLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimestampLayout, s, time.Local)
	if err != nil {
		// status files written by older releases carry ISO timestamps
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
	}
	t.Time = parsed
	return nil
}

// RemoteSettings configures the remote source. Field names match the
// historical config.json layout, which is why the key is sftp_config
// regardless of protocol.
type RemoteSettings struct {
	Enabled        bool   `json:"enabled"`
	Protocol       string `json:"protocol"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	FilePath       string `json:"file_path"`
	URL            string `json:"url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	FTPMode        string `json:"ftp_mode,omitempty"`
	HostKey        string `json:"host_key,omitempty"`
}

// Endpoint converts the settings into a fetch endpoint.
func (r RemoteSettings) Endpoint() (fetch.Endpoint, error) {
	proto, err := fetch.ParseProtocol(r.Protocol)
	if err != nil {
		return fetch.Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return fetch.Endpoint{
		Protocol:   proto,
		Host:       strings.TrimSpace(r.Host),
		Port:       r.Port,
		Username:   r.User,
		Password:   r.Password,
		RemotePath: strings.TrimSpace(r.FilePath),
		URL:        strings.TrimSpace(r.URL),
		Timeout:    time.Duration(r.TimeoutSeconds) * time.Second,
		FTPMode:    fetch.FTPMode(strings.ToLower(r.FTPMode)),
		HostKey:    strings.TrimSpace(r.HostKey),
	}, nil
}

// Validate checks the remote settings. Disabled settings are accepted
// as long as the protocol is known, so an operator can save a draft.
func (r RemoteSettings) Validate() error {
	ep, err := r.Endpoint()
	if err != nil {
		return err
	}
	if !r.Enabled {
		return nil
	}
	if err := ep.Validate(); err != nil {
		return fmt.Errorf("%w: remote source: %v", ErrInvalidSettings, err)
	}
	return nil
}

// Settings is the admin-editable state persisted in config.json.
type Settings struct {
	HighThreshold int            `json:"stock_high_threshold"`
	LowThreshold  int            `json:"stock_low_threshold"`
	Remote        RemoteSettings `json:"sftp_config"`
	ScheduleTime  string         `json:"schedule_time"`
	LastUpdate    Timestamp      `json:"last_update"`
}

// DefaultSettings returns the settings used before anything is saved.
// There are no default credentials.
func DefaultSettings() *Settings {
	th := inventory.DefaultThresholds()
	return &Settings{
		HighThreshold: th.High,
		LowThreshold:  th.Low,
		Remote: RemoteSettings{
			Protocol:       string(fetch.ProtocolSFTP),
			Port:           fetch.ProtocolSFTP.DefaultPort(),
			TimeoutSeconds: int(fetch.DefaultTimeout / time.Second),
		},
		ScheduleTime: "02:00",
	}
}

// Thresholds returns the stock bucket thresholds.
func (s *Settings) Thresholds() inventory.Thresholds {
	return inventory.Thresholds{Low: s.LowThreshold, High: s.HighThreshold}
}

// Schedule parses ScheduleTime.
func (s *Settings) Schedule() (config.TimeOfDay, error) {
	return config.ParseTimeOfDay(s.ScheduleTime)
}

// Validate checks thresholds, schedule and remote settings.
func (s *Settings) Validate() error {
	if err := s.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if _, err := s.Schedule(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return s.Remote.Validate()
}

// Redacted returns a copy without the remote password.
func (s Settings) Redacted() Settings {
	s.Remote.Password = ""
	return s
}

// SettingsFile persists Settings as JSON.
type SettingsFile struct {
	path string
	mu   sync.Mutex
}

// NewSettingsFile returns a handle for the JSON file at path.
func NewSettingsFile(path string) *SettingsFile {
	return &SettingsFile{path: path}
}

// Exists reports whether settings have ever been saved.
func (f *SettingsFile) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Load returns the saved settings merged over DefaultSettings. A missing
// file yields the defaults.
func (f *SettingsFile) Load() (*Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *SettingsFile) load() (*Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", f.path, err)
	}
	return s, nil
}

// Update applies fn to the current settings, validates the result and
// atomically writes it back. Concurrent updates are serialized.
func (f *SettingsFile) Update(fn func(*Settings) error) (*Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.load()
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding settings: %v", ErrPersistence, err)
	}
	// 0600: the file holds the remote password.
	if err := writeFileAtomic(f.path, append(data, '\n'), 0o600); err != nil {
		return nil, err
	}
	return s, nil
}
