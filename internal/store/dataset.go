package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/BadgerOps/stockdash/internal/inventory"
)

// DatasetFile is the served product list on disk.
type DatasetFile struct {
	path string
	mu   sync.Mutex
}

// NewDatasetFile returns a handle for the CSV file at path.
func NewDatasetFile(path string) *DatasetFile {
	return &DatasetFile{path: path}
}

// Path returns the file location.
func (f *DatasetFile) Path() string { return f.path }

// Load reads the current dataset. A missing file is created with just the
// header and yields an empty dataset; so does a header-only file.
func (f *DatasetFile) Load() (*inventory.Dataset, error) {
	data, info, err := f.read()
	if errors.Is(err, os.ErrNotExist) {
		if err := f.initialize(); err != nil {
			return nil, err
		}
		data, info, err = f.read()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	ds, err := inventory.Parse(bytes.NewReader(data))
	if errors.Is(err, inventory.ErrEmptyDataset) {
		return &inventory.Dataset{AsOf: info.ModTime()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", f.path, err)
	}
	ds.AsOf = info.ModTime()
	return ds, nil
}

// Save atomically replaces the file with ds in canonical form.
func (f *DatasetFile) Save(ds *inventory.Dataset) error {
	var buf bytes.Buffer
	if err := inventory.WriteCSV(&buf, ds.Products); err != nil {
		return fmt.Errorf("%w: encoding dataset: %v", ErrPersistence, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.path, buf.Bytes(), 0o644)
}

func (f *DatasetFile) initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.path); err == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := inventory.WriteCSV(&buf, nil); err != nil {
		return err
	}
	return writeFileAtomic(f.path, buf.Bytes(), 0o644)
}

func (f *DatasetFile) read() ([]byte, os.FileInfo, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(file); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), info, nil
}
