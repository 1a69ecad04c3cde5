package store

import "path/filepath"

// File names inside the data directory.
const (
	DatasetFileName  = "productos.csv"
	SettingsFileName = "config.json"
	StatusFileName   = "scheduler_status.json"
	JournalFileName  = "scheduler.log"
)

// Files groups the file-backed state kept in one data directory.
type Files struct {
	Dir      string
	Dataset  *DatasetFile
	Settings *SettingsFile
	Status   *StatusFile
	Journal  *Journal
}

// OpenFiles returns handles for the standard files under dir. Nothing is
// created until first written.
func OpenFiles(dir string) *Files {
	return &Files{
		Dir:      dir,
		Dataset:  NewDatasetFile(filepath.Join(dir, DatasetFileName)),
		Settings: NewSettingsFile(filepath.Join(dir, SettingsFileName)),
		Status:   NewStatusFile(filepath.Join(dir, StatusFileName)),
		Journal:  NewJournal(filepath.Join(dir, JournalFileName)),
	}
}
