package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
)

// Filter returns the products whose code, description, family or stock
// contains term, case-insensitively. An empty term matches everything.
func Filter(products []Product, term string) []Product {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return products
	}

	var out []Product
	for _, p := range products {
		if strings.Contains(strings.ToLower(p.Code), term) ||
			strings.Contains(strings.ToLower(p.Description), term) ||
			strings.Contains(strings.ToLower(p.Family), term) ||
			strings.Contains(strings.ToLower(p.Stock.Raw), term) {
			out = append(out, p)
		}
	}
	return out
}

// Summary counts products per bucket.
type Summary struct {
	Total   int `json:"total"`
	Low     int `json:"low"`
	Medium  int `json:"medium"`
	High    int `json:"high"`
	Unknown int `json:"unknown"`
}

// Summarize buckets products with t.
func Summarize(products []Product, t Thresholds) Summary {
	s := Summary{Total: len(products)}
	for _, p := range products {
		switch t.Classify(p.Stock) {
		case LevelLow:
			s.Low++
		case LevelMedium:
			s.Medium++
		case LevelHigh:
			s.High++
		default:
			s.Unknown++
		}
	}
	return s
}

// WriteCSV writes products with the canonical header.
func WriteCSV(w io.Writer, products []Product) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, p := range products {
		if err := cw.Write([]string{p.Code, p.Description, p.Family, p.Stock.Raw}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFileName names a filtered export the way staff are used to seeing it.
func ExportFileName(now time.Time) string {
	return fmt.Sprintf("stock_productos_%s.csv", now.Format("20060102_150405"))
}
