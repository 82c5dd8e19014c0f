package trends

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource is a test double for source.ViolationSource that applies the
// range, entity and limit filter in memory.
type stubSource struct {
	violations []event.Violation
	err        error
	calls      int
}

func (s *stubSource) FetchViolations(_ context.Context, f source.Filter) ([]event.Violation, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []event.Violation
	for _, v := range s.violations {
		if !f.Range.Contains(v.OccurredAt) {
			continue
		}
		if f.EntityID != "" && v.EntityID != f.EntityID {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

var t0 = time.Date(2024, 2, 12, 8, 15, 0, 0, time.UTC) // Monday, ISO week 7

func viol(entity, name, typ string, sev event.Severity, at time.Time) event.Violation {
	return event.Violation{EntityID: entity, EntityName: name, Type: typ, Severity: sev, OccurredAt: at}
}

func TestGranularityLabel(t *testing.T) {
	ts := time.Date(2024, 2, 12, 8, 15, 30, 0, time.UTC)
	tests := []struct {
		g    Granularity
		want string
	}{
		{Hour, "2024-02-12 08:00"},
		{Day, "2024-02-12"},
		{Week, "2024-W07"},
		{Month, "2024-02"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.g.Label(ts), "granularity %s", tt.g)
	}

	// ISO week belongs to the previous year on Jan 1 2021 (a Friday).
	assert.Equal(t, "2020-W53", Week.Label(time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC)))
	// Labels are computed in UTC.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "2024-02-13", Day.Label(time.Date(2024, 2, 12, 22, 0, 0, 0, est)))
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, Day, g)

	for _, s := range []string{"hour", "day", "week", "month"} {
		g, err := ParseGranularity(s)
		require.NoError(t, err)
		assert.Equal(t, Granularity(s), g)
	}

	_, err = ParseGranularity("year")
	var ire *source.InvalidRangeError
	assert.ErrorAs(t, err, &ire)
}

func TestTopTypeTieBreak(t *testing.T) {
	// B overtakes A, then A catches up: B reached the max first and keeps it.
	vs := []event.Violation{
		viol("d1", "Ana", "A", event.SevLow, t0),
		viol("d1", "Ana", "B", event.SevLow, t0.Add(time.Minute)),
		viol("d1", "Ana", "B", event.SevLow, t0.Add(2*time.Minute)),
		viol("d1", "Ana", "A", event.SevLow, t0.Add(3*time.Minute)),
	}
	buckets := Fold(Day, vs)
	require.Len(t, buckets, 1)
	assert.Equal(t, "B", buckets[0].TopType)
	assert.Equal(t, map[string]int{"A": 2, "B": 2}, buckets[0].TypeCounts)

	// A simple tie with no overtaking keeps the first type seen.
	buckets = Fold(Day, vs[:2])
	assert.Equal(t, "A", buckets[0].TopType)
}

func TestInsightPrecedence(t *testing.T) {
	many := func(n int, sev event.Severity) []event.Violation {
		out := make([]event.Violation, n)
		for i := range out {
			out[i] = viol("d1", "Ana", "SPEED_LOW", sev, t0.Add(time.Duration(i)*time.Second))
		}
		return out
	}

	tests := []struct {
		name    string
		in      []event.Violation
		insight string
		action  string
	}{
		{"high severity wins", append(many(12, event.SevLow), viol("d1", "Ana", "CRASH_DETECTION", event.SevHigh, t0)),
			"High severity violations detected (1)", "Immediate safety review required"},
		{"high frequency", many(11, event.SevMedium), "High violation frequency (11)", "Investigate driving patterns"},
		{"exactly ten is moderate", many(10, event.SevLow), "Moderate violation frequency", "Monitor situation"},
		{"moderate", many(6, event.SevLow), "Moderate violation frequency", "Monitor situation"},
		{"low", many(5, event.SevLow), "Low violation frequency", "No action needed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buckets := Fold(Day, tt.in)
			require.Len(t, buckets, 1)
			assert.Equal(t, tt.insight, buckets[0].Insight)
			assert.Equal(t, tt.action, buckets[0].Action)
		})
	}
}

func TestFoldSortingAndNames(t *testing.T) {
	vs := []event.Violation{
		viol("d2", "Zoe", "SPEED_LOW", event.SevLow, t0.Add(24*time.Hour)),
		viol("d1", "Ana", "SPEED_LOW", event.SevLow, t0.Add(24*time.Hour)),
		viol("d3", "", "SPEED_LOW", event.SevHigh, t0),
		viol("d2", "Zoe", "HARD_BRAKING", event.SevLow, t0),
	}
	buckets := Fold(Day, vs)
	require.Len(t, buckets, 4)

	got := make([][2]string, len(buckets))
	for i, b := range buckets {
		got[i] = [2]string{b.Period, b.EntityName}
	}
	assert.Equal(t, [][2]string{
		{"2024-02-12", "Driver d3"},
		{"2024-02-12", "Zoe"},
		{"2024-02-13", "Ana"},
		{"2024-02-13", "Zoe"},
	}, got)
	assert.Equal(t, 1, buckets[0].HighSeverityCount)
}

func TestAggregateCountsSumAcrossWindows(t *testing.T) {
	var vs []event.Violation
	for i := 0; i < 40; i++ {
		entity := []string{"d1", "d2", "d3"}[i%3]
		vs = append(vs, viol(entity, "", []string{"SPEED_LOW", "HARD_BRAKING"}[i%2], event.SevLow,
			t0.Add(time.Duration(i)*97*time.Minute)))
	}
	src := &stubSource{violations: vs}
	agg := New(src, 0)
	ctx := context.Background()

	mid := t0.Add(30 * time.Hour)
	end := t0.Add(100 * time.Hour)

	total := 0
	for _, w := range [][2]time.Time{{t0, mid}, {mid.Add(time.Nanosecond), end}} {
		for _, g := range []string{"hour", "day", "week", "month"} {
			buckets, err := agg.Aggregate(ctx, Query{GroupBy: g, Start: w[0], End: w[1]})
			require.NoError(t, err)
			sum := 0
			seen := make(map[bucketKey]bool)
			for _, b := range buckets {
				sum += b.TotalCount
				key := bucketKey{b.Period, b.EntityID}
				assert.False(t, seen[key], "duplicate bucket %v", key)
				seen[key] = true
			}
			if g == "day" {
				total += sum
			}
			direct, _ := src.FetchViolations(ctx, source.Filter{Range: source.TimeRange{Start: w[0], End: w[1]}})
			assert.Equal(t, len(direct), sum, "group_by %s", g)
		}
	}
	assert.Equal(t, len(vs), total)
}

func TestAggregateEntityFilter(t *testing.T) {
	src := &stubSource{violations: []event.Violation{
		viol("d1", "Ana", "SPEED_LOW", event.SevLow, t0),
		viol("d2", "Ben", "SPEED_LOW", event.SevLow, t0),
	}}
	buckets, err := New(src, 0).Aggregate(context.Background(), Query{
		Start: t0.Add(-time.Hour), End: t0.Add(time.Hour), EntityID: "d2",
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "Ben", buckets[0].EntityName)
}

func TestAggregateEmpty(t *testing.T) {
	buckets, err := New(&stubSource{}, 0).Aggregate(context.Background(), Query{
		Start: t0, End: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotNil(t, buckets)
	assert.Empty(t, buckets)
}

func TestAggregateInvalidRange(t *testing.T) {
	src := &stubSource{}
	agg := New(src, 0)

	tests := []Query{
		{Start: t0, End: t0},
		{Start: t0, End: t0.Add(-time.Hour)},
		{End: t0},
		{Start: t0, End: t0.Add(time.Hour), GroupBy: "fortnight"},
	}
	for _, q := range tests {
		_, err := agg.Aggregate(context.Background(), q)
		var ire *source.InvalidRangeError
		assert.ErrorAs(t, err, &ire, "query %+v", q)
	}
	assert.Zero(t, src.calls, "validation must fail before fetching")
}

func TestAggregateDataAccessError(t *testing.T) {
	boom := errors.New("database is locked")
	_, err := New(&stubSource{err: boom}, 0).Aggregate(context.Background(), Query{
		Start: t0, End: t0.Add(time.Hour),
	})
	var dae *source.DataAccessError
	require.ErrorAs(t, err, &dae)
	assert.ErrorIs(t, err, boom)
}

func TestRunLimitKeepsNewest(t *testing.T) {
	src := &stubSource{violations: []event.Violation{
		viol("d1", "Ana", "SPEED_LOW", event.SevLow, t0),
		viol("d1", "Ana", "SPEED_LOW", event.SevLow, t0.Add(time.Hour)),
		viol("d1", "Ana", "CRASH_DETECTION", event.SevHigh, t0.Add(2*time.Hour)),
	}}
	q := Query{GroupBy: "day", Start: t0.Add(-time.Hour), End: t0.Add(3 * time.Hour)}

	res, err := New(src, 2).Run(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	require.Len(t, res.Buckets, 1)
	assert.Equal(t, 2, res.Buckets[0].TotalCount)
	assert.Equal(t, 1, res.Buckets[0].HighSeverityCount)

	res, err = New(src, 3).Run(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, 3, res.Buckets[0].TotalCount)
}
