// Package realtime summarizes the violations and vehicle events of a short
// trailing window and assigns the window a risk tier.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/source"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeframe is used when the caller passes an empty timeframe.
const DefaultTimeframe = "1h"

// Risk tiers.
const (
	RiskHigh   = "HIGH"
	RiskMedium = "MEDIUM"
	RiskLow    = "LOW"
)

const (
	highRate      = 10.0
	mediumRate    = 5.0
	mediumCount   = 3
	minRateWindow = time.Minute
)

var timeframeRe = regexp.MustCompile(`^(\d+)([mhd])$`)

// unit limits: minutes up to an hour, hours up to a day, days up to a month.
var timeframeUnits = map[string]struct {
	unit time.Duration
	max  int
}{
	"m": {time.Minute, 60},
	"h": {time.Hour, 24},
	"d": {24 * time.Hour, 30},
}

// ParseTimeframe converts a timeframe such as "15m", "2h" or "7d" into a
// duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	m := timeframeRe.FindStringSubmatch(tf)
	if m == nil {
		return 0, &source.InvalidTimeframeError{Timeframe: tf, Reason: "want <n>m, <n>h or <n>d"}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, &source.InvalidTimeframeError{Timeframe: tf, Reason: err.Error()}
	}
	u := timeframeUnits[m[2]]
	if n < 1 || n > u.max {
		return 0, &source.InvalidTimeframeError{
			Timeframe: tf,
			Reason:    fmt.Sprintf("value must be between 1 and %d%s", u.max, m[2]),
		}
	}
	return time.Duration(n) * u.unit, nil
}

// Tier applies the window risk rule to a set of severity counts and an
// hourly violation rate.
func Tier(high, medium int, hourlyRate float64) string {
	switch {
	case high > 0 || hourlyRate > highRate:
		return RiskHigh
	case medium > mediumCount || hourlyRate > mediumRate:
		return RiskMedium
	default:
		return RiskLow
	}
}

// EntityWindow is the per-driver slice of an unfiltered window.
type EntityWindow struct {
	EntityID       string         `json:"driver_uuid"`
	Name           string         `json:"driver_name"`
	Violations     int            `json:"total_violations"`
	SeverityCounts map[string]int `json:"severity_counts"`
	HourlyRate     float64        `json:"hourly_rate"`
	RiskLevel      string         `json:"risk_level"`
}

func (e *EntityWindow) high() int   { return e.SeverityCounts[string(event.SevHigh)] }
func (e *EntityWindow) medium() int { return e.SeverityCounts[string(event.SevMedium)] }

// Window is the snapshot returned by Analyze.
type Window struct {
	Timeframe       string           `json:"timeframe"`
	Duration        time.Duration    `json:"-"`
	TimeRange       source.TimeRange `json:"time_range"`
	TotalViolations int              `json:"total_violations"`
	TotalEvents     int              `json:"total_events"`
	ViolationTypes  map[string]int   `json:"violation_types"`
	EventTypes      map[string]int   `json:"event_types"`
	SeverityCounts  map[string]int   `json:"severity_counts"`
	HourlyRate      float64          `json:"hourly_rate"`
	RiskLevel       string           `json:"risk_level"`
	HasData         bool             `json:"has_data"`
	EntityID        string           `json:"driver_uuid,omitempty"`
	EntityName      string           `json:"driver_name,omitempty"`
	Entities        []EntityWindow   `json:"drivers,omitempty"`
	AnalyzedAt      time.Time        `json:"analysis_timestamp"`

	// Truncated is set when the fetch limit dropped the oldest records of
	// the window.
	Truncated bool `json:"truncated,omitempty"`
}

// Source is the data the analyzer reads.
type Source interface {
	source.ViolationSource
	source.EventSource
}

// Analyzer builds window snapshots.
type Analyzer struct {
	src    Source
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Analyzer. limit caps each fetch to the newest records; 0
// means no cap.
func New(src Source, limit int) *Analyzer {
	return &Analyzer{src: src, limit: limit, now: time.Now, logger: slog.Default()}
}

// WithClock overrides the time source.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// WithLogger overrides the default logger.
func (a *Analyzer) WithLogger(l *slog.Logger) *Analyzer {
	a.logger = l
	return a
}

// Analyze summarizes the trailing window named by timeframe, optionally for
// a single driver. An empty timeframe means DefaultTimeframe.
func (a *Analyzer) Analyze(ctx context.Context, timeframe, entityID string) (*Window, error) {
	if timeframe == "" {
		timeframe = DefaultTimeframe
	}
	d, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	now := a.now()
	f := source.Filter{
		Range:    source.TimeRange{Start: now.Add(-d), End: now},
		EntityID: entityID,
		Limit:    source.Overfetch(a.limit),
	}

	var (
		violations []event.Violation
		events     []event.RawEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		violations, err = a.src.FetchViolations(gctx, f)
		if err != nil {
			return source.Wrap("fetch violations", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		events, err = a.src.FetchEvents(gctx, f)
		if err != nil {
			return source.Wrap("fetch events", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	violations, vTrunc := source.KeepNewest(violations, a.limit)
	events, eTrunc := source.KeepNewest(events, a.limit)

	w := Summarize(violations, events, d)
	w.Timeframe = timeframe
	w.TimeRange = f.Range
	w.Truncated = vTrunc || eTrunc
	w.AnalyzedAt = now
	if entityID != "" {
		w.EntityID = entityID
		w.Entities = nil
		for i := range violations {
			if violations[i].EntityName != "" {
				w.EntityName = violations[i].EntityName
				break
			}
		}
	}

	if w.Truncated {
		a.logger.Warn("real-time window truncated to newest records",
			"timeframe", timeframe,
			"entity", entityID,
			"limit", a.limit,
		)
	}
	a.logger.Info("real-time window analyzed",
		"timeframe", timeframe,
		"entity", entityID,
		"violations", w.TotalViolations,
		"events", w.TotalEvents,
		"risk_level", w.RiskLevel,
	)
	return w, nil
}

// Summarize computes the histograms, rate and tiers for records already
// known to fall within a window of length d.
func Summarize(violations []event.Violation, events []event.RawEvent, d time.Duration) *Window {
	w := &Window{
		Duration:        d,
		TotalViolations: len(violations),
		TotalEvents:     len(events),
		ViolationTypes:  make(map[string]int),
		EventTypes:      make(map[string]int),
		SeverityCounts:  make(map[string]int),
	}

	index := make(map[string]int)
	var entities []EntityWindow
	for i := range violations {
		v := &violations[i]
		w.ViolationTypes[v.Type]++
		w.SeverityCounts[string(v.Severity)]++

		idx, ok := index[v.EntityID]
		if !ok {
			idx = len(entities)
			index[v.EntityID] = idx
			entities = append(entities, EntityWindow{
				EntityID:       v.EntityID,
				Name:           v.DisplayName(),
				SeverityCounts: make(map[string]int),
			})
		}
		entities[idx].Violations++
		entities[idx].SeverityCounts[string(v.Severity)]++
	}
	for i := range events {
		w.EventTypes[events[i].Type]++
	}

	rate := hourlyRate(w.TotalViolations, d)
	w.HourlyRate = round2(rate)
	w.RiskLevel = Tier(w.SeverityCounts[string(event.SevHigh)], w.SeverityCounts[string(event.SevMedium)], rate)
	w.HasData = w.TotalViolations+w.TotalEvents > 0

	for i := range entities {
		e := &entities[i]
		rate := hourlyRate(e.Violations, d)
		e.HourlyRate = round2(rate)
		e.RiskLevel = Tier(e.high(), e.medium(), rate)
	}
	sort.SliceStable(entities, func(i, j int) bool {
		a, b := &entities[i], &entities[j]
		if a.high() != b.high() {
			return a.high() > b.high()
		}
		if a.medium() != b.medium() {
			return a.medium() > b.medium()
		}
		return a.Violations > b.Violations
	})
	w.Entities = entities
	return w
}

// hourlyRate divides count by the window length in hours, with the window
// floored at one minute.
func hourlyRate(count int, d time.Duration) float64 {
	if d < minRateWindow {
		d = minRateWindow
	}
	return float64(count) / d.Hours()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
