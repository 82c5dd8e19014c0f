package realtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/source"
	"github.com/setevik/fleetrisk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	violations []event.Violation
	events     []event.RawEvent
	vErr, eErr error

	filters atomic.Value
	fetches atomic.Int32
}

func (s *stubStore) FetchViolations(_ context.Context, f source.Filter) ([]event.Violation, error) {
	s.filters.Store(f)
	s.fetches.Add(1)
	if s.vErr != nil {
		return nil, s.vErr
	}
	var out []event.Violation
	for _, v := range s.violations {
		if f.Range.Contains(v.OccurredAt) && (f.EntityID == "" || f.EntityID == v.EntityID) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *stubStore) FetchEvents(_ context.Context, f source.Filter) ([]event.RawEvent, error) {
	s.fetches.Add(1)
	if s.eErr != nil {
		return nil, s.eErr
	}
	var out []event.RawEvent
	for _, e := range s.events {
		if f.Range.Contains(e.OccurredAt) && (f.EntityID == "" || f.EntityID == e.EntityID) {
			out = append(out, e)
		}
	}
	return out, nil
}

var now = time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)

func analyzer(s *stubStore) *Analyzer {
	return New(s, 0).WithClock(func() time.Time { return now })
}

func v(entity, name, typ string, sev event.Severity, ago time.Duration) event.Violation {
	return event.Violation{EntityID: entity, EntityName: name, Type: typ, Severity: sev, OccurredAt: now.Add(-ago)}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"60m", time.Hour},
		{"2h", 2 * time.Hour},
		{"24h", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "0h", "90m", "25h", "31d", "1w", "h", "-1h", "1.5h", " 1h", "1H"} {
		_, err := ParseTimeframe(bad)
		var ite *source.InvalidTimeframeError
		assert.ErrorAs(t, err, &ite, bad)
		assert.True(t, source.IsInvalidInput(err), bad)
	}
}

func TestTier(t *testing.T) {
	assert.Equal(t, RiskHigh, Tier(1, 0, 0))
	assert.Equal(t, RiskHigh, Tier(0, 0, 10.5))
	assert.Equal(t, RiskMedium, Tier(0, 4, 0))
	assert.Equal(t, RiskLow, Tier(0, 3, 0))
	assert.Equal(t, RiskMedium, Tier(0, 0, 5.1))
	assert.Equal(t, RiskLow, Tier(0, 0, 5))
}

func TestAnalyzeWindowBounds(t *testing.T) {
	s := &stubStore{}
	w, err := analyzer(s).Analyze(context.Background(), "2h", "")
	require.NoError(t, err)

	f := s.filters.Load().(source.Filter)
	assert.Equal(t, now.Add(-2*time.Hour), f.Range.Start)
	assert.Equal(t, now, f.Range.End)
	assert.Equal(t, f.Range, w.TimeRange)
	assert.Equal(t, int32(2), s.fetches.Load())
	assert.Equal(t, "2h", w.Timeframe)
	assert.Equal(t, now, w.AnalyzedAt)
}

func TestAnalyzeEmptyWindow(t *testing.T) {
	w, err := analyzer(&stubStore{}).Analyze(context.Background(), "", "")
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeframe, w.Timeframe)
	assert.False(t, w.HasData)
	assert.Zero(t, w.TotalViolations)
	assert.Zero(t, w.TotalEvents)
	assert.Zero(t, w.HourlyRate)
	assert.Equal(t, RiskLow, w.RiskLevel)
	assert.NotNil(t, w.ViolationTypes)
	assert.NotNil(t, w.SeverityCounts)
	assert.Empty(t, w.Entities)
}

func TestAnalyzeEventsOnlyHasData(t *testing.T) {
	s := &stubStore{events: []event.RawEvent{{EntityID: "d1", Type: "IGNITION_ON", OccurredAt: now.Add(-time.Minute)}}}
	w, err := analyzer(s).Analyze(context.Background(), "1h", "")
	require.NoError(t, err)
	assert.True(t, w.HasData)
	assert.Equal(t, 1, w.TotalEvents)
	assert.Equal(t, map[string]int{"IGNITION_ON": 1}, w.EventTypes)
	assert.Equal(t, RiskLow, w.RiskLevel)
}

func TestAnalyzeHistogramsAndTier(t *testing.T) {
	s := &stubStore{
		violations: []event.Violation{
			v("d1", "Ana", "SPEED_LOW", event.SevLow, 5*time.Minute),
			v("d1", "Ana", "SPEED_MEDIUM", event.SevMedium, 10*time.Minute),
			v("d2", "Ben", "HARD_BRAKING", event.SevMedium, 20*time.Minute),
			v("d2", "Ben", "HARD_BRAKING", event.SevMedium, 25*time.Minute),
			v("d3", "", "SPEED_LOW", event.SevLow, 3*time.Hour), // outside 1h
		},
		events: []event.RawEvent{
			{EntityID: "d1", Type: "IGNITION_ON", OccurredAt: now.Add(-time.Minute)},
			{EntityID: "d2", Type: "IGNITION_OFF", OccurredAt: now.Add(-2 * time.Minute)},
		},
	}
	w, err := analyzer(s).Analyze(context.Background(), "1h", "")
	require.NoError(t, err)

	assert.True(t, w.HasData)
	assert.Equal(t, 4, w.TotalViolations)
	assert.Equal(t, 2, w.TotalEvents)
	assert.Equal(t, map[string]int{"SPEED_LOW": 1, "SPEED_MEDIUM": 1, "HARD_BRAKING": 2}, w.ViolationTypes)
	assert.Equal(t, map[string]int{"LOW": 1, "MEDIUM": 3}, w.SeverityCounts)
	assert.Equal(t, 4.0, w.HourlyRate)
	assert.Equal(t, RiskLow, w.RiskLevel)

	require.Len(t, w.Entities, 2)
	assert.Equal(t, "d2", w.Entities[0].EntityID, "more MEDIUM violations sort first")
	assert.Equal(t, "Ana", w.Entities[1].Name)
	assert.Empty(t, w.EntityID)
}

func TestAnalyzeRateDrivesTier(t *testing.T) {
	var vs []event.Violation
	for i := 0; i < 11; i++ {
		vs = append(vs, v("d1", "Ana", "SPEED_LOW", event.SevLow, time.Duration(i)*time.Minute))
	}
	w, err := analyzer(&stubStore{violations: vs}).Analyze(context.Background(), "1h", "")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, w.RiskLevel)
	assert.Equal(t, 11.0, w.HourlyRate)

	// The same eleven violations spread over a day are low risk.
	w, err = analyzer(&stubStore{violations: vs}).Analyze(context.Background(), "1d", "")
	require.NoError(t, err)
	assert.Equal(t, RiskLow, w.RiskLevel)
	assert.InDelta(t, 0.46, w.HourlyRate, 0.001)
}

func TestAnalyzeHighSeverityIsHigh(t *testing.T) {
	s := &stubStore{violations: []event.Violation{v("d1", "Ana", "CRASH_DETECTION", event.SevHigh, time.Minute)}}
	w, err := analyzer(s).Analyze(context.Background(), "1h", "")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, w.RiskLevel)
	assert.Equal(t, RiskHigh, w.Entities[0].RiskLevel)
}

func TestAnalyzeFilteredEntity(t *testing.T) {
	s := &stubStore{violations: []event.Violation{
		v("d1", "", "SPEED_LOW", event.SevLow, 2*time.Minute),
		v("d1", "Ana", "SPEED_LOW", event.SevLow, time.Minute),
		v("d2", "Ben", "SPEED_LOW", event.SevHigh, time.Minute),
	}}
	w, err := analyzer(s).Analyze(context.Background(), "30m", "d1")
	require.NoError(t, err)

	assert.Equal(t, "d1", w.EntityID)
	assert.Equal(t, "Ana", w.EntityName)
	assert.Equal(t, 2, w.TotalViolations)
	assert.Equal(t, RiskLow, w.RiskLevel)
	assert.Nil(t, w.Entities)
	assert.Equal(t, "d1", s.filters.Load().(source.Filter).EntityID)
}

func TestAnalyzeInvalidTimeframeSkipsFetch(t *testing.T) {
	s := &stubStore{}
	_, err := analyzer(s).Analyze(context.Background(), "90m", "")
	var ite *source.InvalidTimeframeError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "90m", ite.Timeframe)
	assert.Zero(t, s.fetches.Load())
}

func TestAnalyzeDataAccessError(t *testing.T) {
	boom := errors.New("disk I/O error")
	for _, s := range []*stubStore{{vErr: boom}, {eErr: boom}} {
		_, err := analyzer(s).Analyze(context.Background(), "1h", "")
		assert.True(t, source.IsDataAccess(err))
		assert.ErrorIs(t, err, boom)
	}
}

func TestSummarizeStableOrder(t *testing.T) {
	vs := []event.Violation{
		v("a", "A", "X", event.SevLow, time.Minute),
		v("b", "B", "X", event.SevLow, time.Minute),
		v("c", "C", "X", event.SevLow, time.Minute),
	}
	w := Summarize(vs, nil, time.Hour)
	ids := []string{w.Entities[0].EntityID, w.Entities[1].EntityID, w.Entities[2].EntityID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestHourlyRateFloor(t *testing.T) {
	assert.InDelta(t, 60.0, hourlyRate(1, time.Second), 1e-9)
	assert.Equal(t, 0.5, hourlyRate(12, 24*time.Hour))
}

func TestAnalyzeLimitKeepsNewest(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertBatch(context.Background(), []*event.Violation{
		event.NewViolation("d1", "Ana", "SPEED_LOW", event.SevLow, now.Add(-50*time.Minute)),
		event.NewViolation("d1", "Ana", "SPEED_LOW", event.SevLow, now.Add(-40*time.Minute)),
		event.NewViolation("d1", "Ana", "CRASH_DETECTION", event.SevHigh, now.Add(-time.Minute)),
	}, nil))

	w, err := New(db, 2).WithClock(func() time.Time { return now }).Analyze(context.Background(), "1h", "")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, w.RiskLevel)
	assert.Equal(t, 2, w.TotalViolations)
	assert.Equal(t, 1, w.ViolationTypes["CRASH_DETECTION"])
	assert.True(t, w.Truncated)

	w, err = New(db, 3).WithClock(func() time.Time { return now }).Analyze(context.Background(), "1h", "")
	require.NoError(t, err)
	assert.Equal(t, 3, w.TotalViolations)
	assert.False(t, w.Truncated)
}

func TestAnalyzeRequestsOneExtraRecord(t *testing.T) {
	s := &stubStore{}
	_, err := New(s, 10).WithClock(func() time.Time { return now }).Analyze(context.Background(), "1h", "")
	require.NoError(t, err)
	assert.Equal(t, 11, s.filters.Load().(source.Filter).Limit)
}
