// Package inventory holds the product table served by the dashboard: its
// record types, the CSV validator shared by uploads and remote syncs, the
// stock-level buckets, and search/export helpers.
package inventory

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Column names of the dataset file, in display order.
const (
	ColumnCode        = "Codigo"
	ColumnDescription = "Descripcion"
	ColumnFamily      = "Familia"
	ColumnStock       = "Stock"
)

// Columns is the canonical header written by the store.
var Columns = []string{ColumnCode, ColumnDescription, ColumnFamily, ColumnStock}

// Stock is a stock cell. Raw is kept verbatim so a saved dataset reads back
// identically; Known reports whether Raw parsed as a number.
type Stock struct {
	Raw   string
	Value float64
	Known bool
}

// ParseStock coerces a cell to a quantity. Non-numeric text is kept but
// marked unknown rather than rejected.
func ParseStock(raw string) Stock {
	raw = strings.TrimSpace(raw)
	s := Stock{Raw: raw}
	if raw == "" {
		return s
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return s
	}
	s.Value = v
	s.Known = true
	return s
}

// StockOf builds a known Stock from an integer quantity.
func StockOf(n int) Stock {
	return Stock{Raw: strconv.Itoa(n), Value: float64(n), Known: true}
}

func (s Stock) String() string {
	return s.Raw
}

// Product is one row of the dataset.
type Product struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Family      string `json:"family"`
	Stock       Stock  `json:"-"`
}

// Dataset is the live product table. AsOf is the modification time of the
// file it was loaded from (zero for a freshly parsed dataset).
type Dataset struct {
	Products []Product
	AsOf     time.Time
}

// Len returns the number of products.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Products)
}

// Level is a display bucket for a stock quantity.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelUnknown Level = "unknown"
)

// Thresholds split stock quantities into three buckets:
// stock <= Low is low, stock <= High is medium, anything above is high.
type Thresholds struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// DefaultThresholds matches the historical 5/20 cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 5, High: 20}
}

// Validate enforces Low < High.
func (t Thresholds) Validate() error {
	if t.Low < 0 {
		return fmt.Errorf("low threshold must not be negative")
	}
	if t.High <= t.Low {
		return fmt.Errorf("high threshold (%d) must be at least low threshold + 1 (%d)", t.High, t.Low+1)
	}
	return nil
}

// Classify returns the bucket for s.
func (t Thresholds) Classify(s Stock) Level {
	if !s.Known {
		return LevelUnknown
	}
	switch {
	case s.Value <= float64(t.Low):
		return LevelLow
	case s.Value <= float64(t.High):
		return LevelMedium
	default:
		return LevelHigh
	}
}
