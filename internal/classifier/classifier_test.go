package classifier

import (
	"errors"
	"testing"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/ingest"
	"github.com/setevik/fleetrisk/internal/source"
)

var fixedNow = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func newClassifier() *Classifier {
	return New().WithClock(func() time.Time { return fixedNow })
}

func TestClassifyViolation(t *testing.T) {
	rec := ingest.Record{
		Kind: ingest.KindViolation,
		Line: 3,
		Fields: map[string]string{
			"_id":              "65d1f0c2a1",
			"driver_uuid":      "3f1c9a2e-77aa",
			"driver_info.name": "Ana Lima",
			"violation_type":   "speeding-high",
			"event_time":       "2024-02-12T08:15:00Z",
			"telemetry.speed":  "131.5",
			"telemetry.rpm":    "n/a",
		},
	}

	res, err := newClassifier().Classify(rec)
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Event != nil {
		t.Fatal("expected a violation, got an event")
	}
	v := res.Violation
	if v.ID != "65d1f0c2a1" {
		t.Errorf("ID = %q", v.ID)
	}
	if v.EntityID != "3f1c9a2e-77aa" || v.EntityName != "Ana Lima" {
		t.Errorf("entity = %q/%q", v.EntityID, v.EntityName)
	}
	if v.Type != "SPEED_HIGH" {
		t.Errorf("Type = %q, want SPEED_HIGH", v.Type)
	}
	if v.Severity != event.SevHigh {
		t.Errorf("Severity = %q, want default HIGH for SPEED_HIGH", v.Severity)
	}
	if !v.OccurredAt.Equal(time.Date(2024, 2, 12, 8, 15, 0, 0, time.UTC)) {
		t.Errorf("OccurredAt = %v", v.OccurredAt)
	}
	if s, ok := v.Speed(); !ok || s != 131.5 {
		t.Errorf("Speed = %v, %v", s, ok)
	}
	if _, ok := v.Telemetry["rpm"]; ok {
		t.Error("non-numeric telemetry should be dropped")
	}
}

func TestClassifyExplicitSeverityWins(t *testing.T) {
	res, err := newClassifier().Classify(ingest.Record{
		Kind: ingest.KindViolation,
		Fields: map[string]string{
			"driver_uuid":    "d1",
			"violation_type": "CRASH_DETECTION",
			"severity":       "medium",
			"timestamp":      "2024-02-12 08:15:00",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Violation.Severity != event.SevMedium {
		t.Errorf("Severity = %q, want MEDIUM", res.Violation.Severity)
	}
	if res.Violation.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestClassifyViolationDefaults(t *testing.T) {
	res, err := newClassifier().Classify(ingest.Record{
		Kind:   ingest.KindViolation,
		Fields: map[string]string{"driver_uuid": "d1", "speed": "88"},
	})
	if err != nil {
		t.Fatal(err)
	}
	v := res.Violation
	if v.Type != event.TypeUnknown {
		t.Errorf("Type = %q, want UNKNOWN", v.Type)
	}
	if v.Severity != event.SevLow {
		t.Errorf("Severity = %q, want LOW", v.Severity)
	}
	if !v.OccurredAt.Equal(fixedNow) {
		t.Errorf("OccurredAt = %v, want clock time", v.OccurredAt)
	}
	if s, _ := v.Speed(); s != 88 {
		t.Errorf("Speed = %v, want top-level speed", s)
	}
}

func TestClassifyEvent(t *testing.T) {
	res, err := newClassifier().Classify(ingest.Record{
		Fields: map[string]string{
			"vehicle.uuid": "veh-9",
			"event_type":   "ignition on",
			"timestamp":    "1707725700000",
			"location":     "depot",
		},
	})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	ev := res.Event
	if ev == nil {
		t.Fatal("expected event detected from event_type")
	}
	if ev.EntityID != "veh-9" || ev.Type != "IGNITION_ON" {
		t.Errorf("event = %q/%q", ev.EntityID, ev.Type)
	}
	if !ev.OccurredAt.Equal(time.UnixMilli(1707725700000)) {
		t.Errorf("OccurredAt = %v", ev.OccurredAt)
	}
	if ev.Fields["location"] != "depot" {
		t.Errorf("Fields = %v", ev.Fields)
	}
}

func TestClassifySkips(t *testing.T) {
	tests := []struct {
		name string
		rec  ingest.Record
	}{
		{"no driver", ingest.Record{Kind: ingest.KindViolation, Fields: map[string]string{"violation_type": "SPEED_LOW"}}},
		{"no vehicle", ingest.Record{Kind: ingest.KindEvent, Fields: map[string]string{"event_type": "IGNITION_ON"}}},
		{"bad time", ingest.Record{Kind: ingest.KindViolation, Fields: map[string]string{"driver_uuid": "d1", "event_time": "last tuesday"}}},
		{"unknown kind", ingest.Record{Line: 7, Fields: map[string]string{"driver_uuid": "d1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newClassifier().Classify(tt.rec)
			var skip *source.RecordSkippedError
			if !errors.As(err, &skip) {
				t.Fatalf("err = %v, want RecordSkippedError", err)
			}
		})
	}
}

func TestCanonicalType(t *testing.T) {
	tests := []struct {
		raw, want, sev string
	}{
		{"SPEED_HIGH", "SPEED_HIGH", "HIGH"},
		{"Speeding Moderate", "SPEED_MEDIUM", "MEDIUM"},
		{"speeding", "SPEED_LOW", "LOW"},
		{"overspeed", "SPEED_LOW", "LOW"},
		{"Hard Braking", "HARD_BRAKING", "MEDIUM"},
		{"harsh_acceleration", "HARSH_ACCELERATION", "MEDIUM"},
		{"EXTREME_ACCELERATION", "EXTREME_ACCELERATION", "HIGH"},
		{"sharp cornering", "SUDDEN_TURN", "MEDIUM"},
		{"collision alert", "CRASH_DETECTION", "HIGH"},
		{"GPS signal lost", "GPS_QUALITY", "LOW"},
		{"low battery", "BATTERY_WARNING", "LOW"},
		{"seatbelt off", "SEATBELT_OFF", ""},
		{"", event.TypeUnknown, ""},
		{"--", event.TypeUnknown, ""},
	}
	for _, tt := range tests {
		typ, sev := CanonicalType(tt.raw)
		if typ != tt.want || sev != tt.sev {
			t.Errorf("CanonicalType(%q) = %q, %q; want %q, %q", tt.raw, typ, sev, tt.want, tt.sev)
		}
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 2, 12, 8, 15, 0, 0, time.UTC)
	for _, raw := range []string{
		"2024-02-12T08:15:00Z",
		"2024-02-12T10:15:00+02:00",
		"2024-02-12T08:15:00",
		"2024-02-12T08:15:00.000",
		"2024-02-12 08:15:00",
		"1707725700000",
	} {
		got, ok := ParseTime(raw)
		if !ok || !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, %v", raw, got, ok)
		}
	}
	if _, ok := ParseTime("yesterday"); ok {
		t.Error("expected failure for free text")
	}
}
