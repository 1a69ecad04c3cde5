package server

import (
	"fmt"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/stockdash/internal/inventory"
)

// initializeTemplateFuncs sets up custom template functions.
func initializeTemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"formatBytes":    formatBytes,
		"formatTime":     formatTime,
		"formatDuration": formatDuration,
		"relTime":        relTime,
		"comma":          comma,
		"levelClass":     levelClass,
	}
}

// formatBytes converts a byte count to a human-readable format.
func formatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.Bytes(uint64(bytes))
}

// formatTime formats a time.Time for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func comma(n int) string {
	return humanize.Comma(int64(n))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

// levelClass maps a stock bucket to the CSS class of its row.
func levelClass(l inventory.Level) string {
	switch l {
	case inventory.LevelLow:
		return "stock-low"
	case inventory.LevelMedium:
		return "stock-medium"
	case inventory.LevelHigh:
		return "stock-high"
	}
	return "stock-unknown"
}
