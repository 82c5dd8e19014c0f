// Package classifier normalizes raw ingest records into violations and
// vehicle events.
package classifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/ingest"
	"github.com/setevik/fleetrisk/internal/source"
)

// Result holds the outcome of classifying one record. Exactly one of
// Violation and Event is set.
type Result struct {
	Violation *event.Violation
	Event     *event.RawEvent
}

// Classifier turns ingest records into model values.
type Classifier struct {
	now func() time.Time
}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{now: time.Now}
}

// WithClock overrides the time source used for records without a timestamp.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Classify normalizes rec. Records that cannot be attributed to a driver or
// vehicle, or whose timestamp cannot be read, are rejected with a
// *source.RecordSkippedError.
func (c *Classifier) Classify(rec ingest.Record) (Result, error) {
	kind := rec.Kind
	if kind == ingest.KindAuto {
		kind = detectKind(rec)
	}
	switch kind {
	case ingest.KindViolation:
		v, err := c.classifyViolation(rec)
		return Result{Violation: v}, err
	case ingest.KindEvent:
		ev, err := c.classifyEvent(rec)
		return Result{Event: ev}, err
	default:
		return Result{}, skip(rec, "cannot tell violation from event")
	}
}

// detectKind guesses the collection from the fields present.
func detectKind(rec ingest.Record) ingest.Kind {
	if _, ok := rec.Fields["violation_type"]; ok {
		return ingest.KindViolation
	}
	if _, ok := rec.Fields["event_type"]; ok {
		return ingest.KindEvent
	}
	return ingest.KindAuto
}

func (c *Classifier) classifyViolation(rec ingest.Record) (*event.Violation, error) {
	entityID := first(rec.Fields, driverIDFields)
	if entityID == "" {
		return nil, skip(rec, "missing driver id")
	}
	at, err := c.timestamp(rec)
	if err != nil {
		return nil, err
	}

	typ, defaultSev := CanonicalType(first(rec.Fields, violationFields))
	sevRaw := first(rec.Fields, severityFields)
	if sevRaw == "" {
		sevRaw = defaultSev
	}

	v := event.NewViolation(entityID, first(rec.Fields, nameFields), typ, event.ParseSeverity(sevRaw), at)
	if id := first(rec.Fields, idFields); id != "" {
		v.ID = id
	}
	for k, raw := range rec.Fields {
		name, ok := strings.CutPrefix(k, "telemetry.")
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			v.Telemetry[name] = f
		}
	}
	if _, ok := v.Telemetry["speed"]; !ok {
		if f, err := strconv.ParseFloat(first(rec.Fields, speedFields), 64); err == nil {
			v.Telemetry["speed"] = f
		}
	}
	return v, nil
}

func (c *Classifier) classifyEvent(rec ingest.Record) (*event.RawEvent, error) {
	entityID := first(rec.Fields, vehicleIDFields)
	if entityID == "" {
		return nil, skip(rec, "missing vehicle id")
	}
	at, err := c.timestamp(rec)
	if err != nil {
		return nil, err
	}

	typ := canonicalName(first(rec.Fields, eventTypeFields))
	ev := event.NewRawEvent(entityID, typ, at)
	if id := first(rec.Fields, idFields); id != "" {
		ev.ID = id
	}
	for k, v := range rec.Fields {
		ev.Fields[k] = v
	}
	return ev, nil
}

// timestamp reads the record time. A record with no time field at all is
// stamped with the current time; a present but unreadable one is rejected.
func (c *Classifier) timestamp(rec ingest.Record) (time.Time, error) {
	raw := first(rec.Fields, timeFields)
	if raw == "" {
		return c.now().UTC(), nil
	}
	t, ok := ParseTime(raw)
	if !ok {
		return time.Time{}, skip(rec, fmt.Sprintf("unparsable timestamp %q", raw))
	}
	return t, nil
}

// ParseTime accepts RFC 3339 and common zone-less layouts, plus Unix epoch
// milliseconds as emitted by extended JSON exports.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// CanonicalType maps a raw violation type onto the canonical name used by
// the risk model, with the severity to assume when the record has none.
// Unrecognized names are upper-snake-cased and kept.
func CanonicalType(raw string) (typ, defaultSev string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return event.TypeUnknown, ""
	}
	for _, p := range violationTypePatterns {
		if p.re.MatchString(raw) {
			return p.canonical, p.defaultSev
		}
	}
	return canonicalName(raw), ""
}

func canonicalName(raw string) string {
	s := strings.Trim(nonWordRe.ReplaceAllString(strings.TrimSpace(raw), "_"), "_")
	if s == "" {
		return event.TypeUnknown
	}
	return strings.ToUpper(s)
}

func first(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

func skip(rec ingest.Record, reason string) error {
	id := first(rec.Fields, idFields)
	if id == "" {
		id = fmt.Sprintf("line %d", rec.Line)
	}
	return &source.RecordSkippedError{RecordID: id, Reason: reason}
}
