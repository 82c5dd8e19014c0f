// Package risk scores drivers from their violation history.
//
// Each driver gets a 20-95 score built from four weighted components
// (frequency, severity, high-impact category share, raw type weight), scaled
// by how recently the driver last violated, then floored for very high
// volumes. The model is a deterministic heuristic: every number it produces
// can be traced back to the table and constants below.
package risk

import (
	"fmt"
	"strings"
)

// TypeConfig is the static scoring configuration of one violation type.
type TypeConfig struct {
	Weight   float64 `toml:"weight"`
	Severity float64 `toml:"severity"`
	// HighImpact flags the category that contributes the category-impact
	// bonus (speed-related violations in the default table).
	HighImpact bool `toml:"high_impact"`
}

// Model is the injectable configuration of the scorer.
type Model struct {
	Types    map[string]TypeConfig
	Fallback TypeConfig
	// ActivityWindowDays normalizes violation counts into a daily rate. It is
	// deliberately shorter than the lookback so that bursts stand out.
	ActivityWindowDays float64
	// HighImpactLabel names the flagged category in key factors.
	HighImpactLabel string
}

// DefaultModel returns the built-in violation table.
func DefaultModel() Model {
	return Model{
		Types: map[string]TypeConfig{
			"SPEED_LOW":            {Weight: 1.0, Severity: 1.0, HighImpact: true},
			"SPEED_MEDIUM":         {Weight: 2.5, Severity: 2.0, HighImpact: true},
			"SPEED_HIGH":           {Weight: 4.0, Severity: 3.0, HighImpact: true},
			"HARSH_ACCELERATION":   {Weight: 2.0, Severity: 2.0},
			"SUDDEN_TURN":          {Weight: 2.5, Severity: 2.0},
			"GPS_QUALITY":          {Weight: 0.5, Severity: 1.0},
			"BATTERY_WARNING":      {Weight: 0.5, Severity: 1.0},
			"HARD_BRAKING":         {Weight: 3.5, Severity: 3.0},
			"EXTREME_ACCELERATION": {Weight: 4.0, Severity: 3.0},
			"CRASH_DETECTION":      {Weight: 5.0, Severity: 4.0},
		},
		Fallback:           TypeConfig{Weight: 0.5, Severity: 1.0},
		ActivityWindowDays: 7,
		HighImpactLabel:    "Speed-related",
	}
}

// Lookup returns the configuration for a violation type, or the fallback
// entry for types the table does not know.
func (m Model) Lookup(typ string) TypeConfig {
	if c, ok := m.Types[strings.ToUpper(typ)]; ok {
		return c
	}
	return m.Fallback
}

// With returns a copy of m with the given entries added or replaced.
func (m Model) With(overrides map[string]TypeConfig) Model {
	types := make(map[string]TypeConfig, len(m.Types)+len(overrides))
	for k, v := range m.Types {
		types[k] = v
	}
	for k, v := range overrides {
		types[strings.ToUpper(k)] = v
	}
	m.Types = types
	return m
}

// Validate checks that the model can produce bounded scores.
func (m Model) Validate() error {
	if m.ActivityWindowDays <= 0 {
		return fmt.Errorf("activity window must be positive, got %v", m.ActivityWindowDays)
	}
	for name, c := range m.Types {
		if c.Weight < 0 || c.Severity < 0 {
			return fmt.Errorf("violation type %s: weight and severity must not be negative", name)
		}
	}
	if m.Fallback.Weight < 0 || m.Fallback.Severity < 0 {
		return fmt.Errorf("fallback type: weight and severity must not be negative")
	}
	return nil
}
