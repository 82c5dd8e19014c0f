// Package event defines the core data model for fleetrisk records.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity indicates the impact tier of a violation.
type Severity string

const (
	SevHigh   Severity = "HIGH"
	SevMedium Severity = "MEDIUM"
	SevLow    Severity = "LOW"
)

// ParseSeverity maps a raw severity string onto a Severity. Anything that is
// not recognised is treated as LOW.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH", "CRITICAL":
		return SevHigh
	case "MEDIUM", "MODERATE":
		return SevMedium
	default:
		return SevLow
	}
}

// Rank returns the numeric weight used for average severity: HIGH=3,
// MEDIUM=2, everything else 1.
func (s Severity) Rank() int {
	switch s {
	case SevHigh:
		return 3
	case SevMedium:
		return 2
	default:
		return 1
	}
}

// Label returns a human-readable label for severity.
func (s Severity) Label() string {
	return strings.ToLower(string(s))
}

// TypeUnknown is the violation type assigned when the source omits one.
const TypeUnknown = "UNKNOWN"

// Violation is a single timestamped violation produced by a vehicle.
type Violation struct {
	ID         string
	EntityID   string
	EntityName string
	Type       string
	Severity   Severity
	OccurredAt time.Time
	Telemetry  map[string]float64
}

// NewViolation creates a Violation with a generated UUID.
func NewViolation(entityID, entityName, typ string, sev Severity, at time.Time) *Violation {
	if typ == "" {
		typ = TypeUnknown
	}
	if sev == "" {
		sev = SevLow
	}
	return &Violation{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		EntityName: entityName,
		Type:       typ,
		Severity:   sev,
		OccurredAt: at,
		Telemetry:  make(map[string]float64),
	}
}

// DisplayName returns the entity name, synthesizing one from the id when the
// source did not provide it.
func (v *Violation) DisplayName() string {
	return DisplayName(v.EntityID, v.EntityName)
}

// Speed returns the recorded speed telemetry, if any.
func (v *Violation) Speed() (float64, bool) {
	s, ok := v.Telemetry["speed"]
	return s, ok
}

// RawEvent is a non-violation vehicle event (ignition, heartbeat, trip
// start...). The core only counts these.
type RawEvent struct {
	ID         string
	EntityID   string
	Type       string
	OccurredAt time.Time
	Fields     map[string]string
}

// NewRawEvent creates a RawEvent with a generated UUID.
func NewRawEvent(entityID, typ string, at time.Time) *RawEvent {
	return &RawEvent{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		Type:       typ,
		OccurredAt: at,
		Fields:     make(map[string]string),
	}
}

// TypeCount is the number of violations of one type for an entity.
type TypeCount struct {
	Type  string
	Count int
}

// EntityAggregate is a per-entity rollup of violations over a lookback
// window, as returned by the store.
type EntityAggregate struct {
	EntityID       string
	Name           string
	ViolationCount int
	TypeCounts     []TypeCount
	AvgSeverity    float64
	// LastViolation is the RFC 3339 timestamp of the latest violation as the
	// adapter delivered it. Empty when unknown.
	LastViolation string
	MaxSpeed      float64
}

// DisplayName returns name when set, otherwise "Driver <id prefix>".
func DisplayName(entityID, name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	id := strings.TrimSpace(entityID)
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "Unknown Driver"
	}
	return "Driver " + id
}

// IsUnknown reports whether s is the "unknown" sentinel some sources use for
// unattributed records.
func IsUnknown(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "unknown")
}
