// Package ingest reads violation and vehicle-event records as newline
// delimited JSON from files, stdin or an external export command.
package ingest

import (
	"context"
)

// Kind names the collection a record belongs to.
type Kind string

const (
	KindViolation Kind = "violation"
	KindEvent     Kind = "event"
	// KindAuto lets the classifier decide from the record's fields.
	KindAuto Kind = ""
)

// ParseKind validates a kind name. "violations" and "vehicleevents" are
// accepted as collection aliases.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "", "auto":
		return KindAuto, true
	case "violation", "violations":
		return KindViolation, true
	case "event", "events", "vehicleevents":
		return KindEvent, true
	}
	return "", false
}

// Record is one parsed input line.
type Record struct {
	Kind Kind
	// Line is the 1-based input line number, for diagnostics.
	Line int

	// Fields holds every scalar value of the JSON object. Nested objects are
	// flattened with dotted keys ("driver_info.name", "telemetry.speed").
	Fields map[string]string
}

// Source is the interface for receiving records.
// Implementations include file readers, the command pipe and test mocks.
type Source interface {
	// Records returns a channel of records. The channel is closed when the
	// input is exhausted, the source is stopped or the context is cancelled.
	Records(ctx context.Context) (<-chan Record, error)

	// Stop signals the source to shut down.
	Stop()
}
