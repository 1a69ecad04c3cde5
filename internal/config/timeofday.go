package config

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time without a date, e.g. 02:00.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant this time of day occurs on the date of ref, in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, ref.Location())
}

// Next returns the first occurrence strictly after now.
func (t TimeOfDay) Next(now time.Time) time.Time {
	at := t.On(now)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
