// Package trends folds violation records into time-period buckets per driver
// and labels each bucket with an insight and a suggested action.
package trends

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/source"
)

// Granularity is the size of a trend period.
type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity validates a group-by value. Empty means Day.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case "":
		return Day, nil
	case Hour, Day, Week, Month:
		return g, nil
	default:
		return "", &source.InvalidRangeError{Reason: fmt.Sprintf("unsupported group_by %q (want hour, day, week or month)", s)}
	}
}

// Label returns the period label t falls into, computed in UTC.
func (g Granularity) Label(t time.Time) string {
	t = t.UTC()
	switch g {
	case Hour:
		return t.Format("2006-01-02 15:00")
	case Week:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Month:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// Query selects the records to aggregate.
type Query struct {
	GroupBy  string
	Start    time.Time
	End      time.Time
	EntityID string
}

// Bucket holds the violations of one driver within one period.
type Bucket struct {
	Period            string         `json:"time_period"`
	EntityID          string         `json:"driver_uuid"`
	EntityName        string         `json:"driver_name"`
	TotalCount        int            `json:"total_violations"`
	HighSeverityCount int            `json:"high_severity_count"`
	TypeCounts        map[string]int `json:"violation_types"`
	TopType           string         `json:"top_type"`
	Insight           string         `json:"insight"`
	Action            string         `json:"action"`
}

// add folds one violation into the bucket. TopType only moves when another
// type strictly exceeds it, so the first type to reach the max keeps it.
func (b *Bucket) add(v *event.Violation) {
	b.TotalCount++
	b.TypeCounts[v.Type]++
	if v.Severity == event.SevHigh {
		b.HighSeverityCount++
	}
	if b.TopType == "" || b.TypeCounts[v.Type] > b.TypeCounts[b.TopType] {
		b.TopType = v.Type
	}
}

// finalize derives the insight and action. First matching rule wins.
func (b *Bucket) finalize() {
	switch {
	case b.HighSeverityCount > 0:
		b.Insight = fmt.Sprintf("High severity violations detected (%d)", b.HighSeverityCount)
		b.Action = "Immediate safety review required"
	case b.TotalCount > 10:
		b.Insight = fmt.Sprintf("High violation frequency (%d)", b.TotalCount)
		b.Action = "Investigate driving patterns"
	case b.TotalCount > 5:
		b.Insight = "Moderate violation frequency"
		b.Action = "Monitor situation"
	default:
		b.Insight = "Low violation frequency"
		b.Action = "No action needed"
	}
}

// Aggregator builds trend buckets from a violation source.
type Aggregator struct {
	src    source.ViolationSource
	limit  int
	logger *slog.Logger
}

// New creates an Aggregator. limit caps the number of records fetched per
// call to the newest ones; 0 means no cap.
func New(src source.ViolationSource, limit int) *Aggregator {
	return &Aggregator{src: src, limit: limit, logger: slog.Default()}
}

// WithLogger overrides the default logger.
func (a *Aggregator) WithLogger(l *slog.Logger) *Aggregator {
	a.logger = l
	return a
}

// Result is the outcome of Run.
type Result struct {
	Buckets []Bucket
	// Truncated is set when the fetch limit dropped the oldest violations
	// of the range.
	Truncated bool
}

// Aggregate fetches the violations selected by q and returns one bucket per
// (period, driver) pair, ordered by period then driver name.
func (a *Aggregator) Aggregate(ctx context.Context, q Query) ([]Bucket, error) {
	res, err := a.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Buckets, nil
}

// Run is Aggregate that also reports whether the fetch limit was hit.
func (a *Aggregator) Run(ctx context.Context, q Query) (Result, error) {
	g, err := ParseGranularity(q.GroupBy)
	if err != nil {
		return Result{}, err
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return Result{}, &source.InvalidRangeError{Reason: "start and end are required"}
	}
	if !q.End.After(q.Start) {
		return Result{}, &source.InvalidRangeError{Reason: "end must be after start"}
	}

	violations, err := a.src.FetchViolations(ctx, source.Filter{
		Range:    source.TimeRange{Start: q.Start, End: q.End},
		EntityID: q.EntityID,
		Limit:    source.Overfetch(a.limit),
	})
	if err != nil {
		return Result{}, source.Wrap("fetch violations", err)
	}
	violations, truncated := source.KeepNewest(violations, a.limit)
	if truncated {
		a.logger.Warn("violation trends truncated to newest records",
			"limit", a.limit,
			"entity", q.EntityID,
		)
	}

	buckets := Fold(g, violations)

	a.logger.Info("violation trends aggregated",
		"group_by", g,
		"records", len(violations),
		"buckets", len(buckets),
		"entity", q.EntityID,
	)
	return Result{Buckets: buckets, Truncated: truncated}, nil
}

type bucketKey struct {
	period   string
	entityID string
}

// Fold groups violations into finalized, sorted buckets. It never returns nil.
func Fold(g Granularity, violations []event.Violation) []Bucket {
	index := make(map[bucketKey]int)
	buckets := make([]Bucket, 0)

	for i := range violations {
		v := &violations[i]
		key := bucketKey{period: g.Label(v.OccurredAt), entityID: v.EntityID}

		idx, ok := index[key]
		if !ok {
			idx = len(buckets)
			index[key] = idx
			buckets = append(buckets, Bucket{
				Period:     key.period,
				EntityID:   v.EntityID,
				EntityName: v.DisplayName(),
				TypeCounts: make(map[string]int),
			})
		}
		buckets[idx].add(v)
	}

	for i := range buckets {
		buckets[i].finalize()
	}

	sort.SliceStable(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		if a.EntityName != b.EntityName {
			return a.EntityName < b.EntityName
		}
		return a.EntityID < b.EntityID
	})
	return buckets
}
