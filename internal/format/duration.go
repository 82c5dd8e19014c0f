// Package format provides shared formatting utilities.
package format

import (
	"fmt"
	"time"
)

// Duration formats a duration in short human-readable form
// (e.g. "45s", "12m", "3h 5m", "2d 4h").
func Duration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, h)
}

// Days returns the number of whole days in d.
func Days(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// Rate formats a per-day or per-hour rate with one decimal.
func Rate(v float64, unit string) string {
	return fmt.Sprintf("%.1f/%s", v, unit)
}
