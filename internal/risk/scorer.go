package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/format"
	"github.com/setevik/fleetrisk/internal/source"
)

// DefaultDaysHistory is the lookback used when a query does not set one.
const DefaultDaysHistory = 90

// MaxDaysHistory bounds the lookback so the window start stays representable
// as a time.Duration offset from now.
const MaxDaysHistory = 36500

// Score bounds for any driver with at least one violation.
const (
	MinScore = 20.0
	MaxScore = 95.0
)

// Component weights of the composite score.
const (
	weightFrequency = 0.35
	weightSeverity  = 0.30
	weightCategory  = 0.15
	weightTypeSum   = 0.20
)

const (
	componentCap      = 100.0
	frequencyPerDaily = 10.0
	severityScale     = 25.0
	severityFactorMin = 2.5
	elevatedRate      = 2.0
)

// rateBoosts escalate the frequency component as the daily rate crosses each
// threshold. Checked from the highest threshold down.
var rateBoosts = []struct {
	above float64
	boost float64
}{
	{10, 2.0},
	{5, 1.5},
	{2, 1.25},
}

// recencyBands map elapsed time since the last violation to a multiplier.
var recencyBands = []struct {
	within time.Duration
	factor float64
}{
	{time.Hour, 1.30},
	{24 * time.Hour, 1.20},
	{3 * 24 * time.Hour, 1.10},
	{7 * 24 * time.Hour, 1.00},
	{14 * 24 * time.Hour, 0.90},
	{30 * 24 * time.Hour, 0.85},
}

// staleRecency applies past the last band and when no timestamp is known.
const staleRecency = 0.80

// volumeFloors keep very active drivers from scoring low. Checked from the
// highest count down.
var volumeFloors = []struct {
	above int
	floor float64
}{
	{200, 85},
	{100, 75},
	{50, 60},
	{20, 45},
}

// Recommendation tiers, highest first.
const (
	RecommendCritical = "Critical – immediate intervention"
	RecommendHigh     = "High risk – urgent review"
	RecommendModerate = "Moderate risk – schedule review"
	RecommendLow      = "Low risk – regular monitoring"
)

// Tier names, highest first.
const (
	TierCritical = "critical"
	TierHigh     = "high"
	TierModerate = "moderate"
	TierLow      = "low"
)

var recommendations = map[string]string{
	TierCritical: RecommendCritical,
	TierHigh:     RecommendHigh,
	TierModerate: RecommendModerate,
	TierLow:      RecommendLow,
}

// Tier maps a score to its tier name.
func Tier(score float64) string {
	switch {
	case score >= 75:
		return TierCritical
	case score >= 60:
		return TierHigh
	case score >= 45:
		return TierModerate
	default:
		return TierLow
	}
}

// Recommend maps a score to its recommendation text.
func Recommend(score float64) string {
	return recommendations[Tier(score)]
}

// Components exposes the intermediate values behind a score.
type Components struct {
	Frequency float64 `json:"frequency"`
	Severity  float64 `json:"severity"`
	Category  float64 `json:"category"`
	TypeSum   float64 `json:"type_weight"`
	Recency   float64 `json:"recency"`
	DailyRate float64 `json:"daily_rate"`
	Composite float64 `json:"composite"`
	Floor     float64 `json:"floor,omitempty"`
}

// Profile is the risk assessment of one driver.
type Profile struct {
	EntityID       string         `json:"driver_uuid"`
	Name           string         `json:"name"`
	ViolationCount int            `json:"violation_count"`
	Types          []string       `json:"violation_types"`
	TypeCounts     map[string]int `json:"violation_type_counts"`
	AvgSeverity    float64        `json:"avg_severity"`
	LastViolation  *time.Time     `json:"last_violation,omitempty"`
	Score          float64        `json:"risk_score"`
	Components     Components     `json:"components"`
	KeyFactors     []string       `json:"key_factors"`
	Recommendation string         `json:"recommendation"`
}

// Query selects the drivers to score.
type Query struct {
	DaysHistory int
	EntityID    string
}

// Scorer computes risk profiles from per-driver aggregates.
type Scorer struct {
	src    source.AggregateSource
	model  Model
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Scorer using the given model.
func New(src source.AggregateSource, model Model) *Scorer {
	return &Scorer{
		src:    src,
		model:  model,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the time source.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// WithLogger overrides the default logger.
func (s *Scorer) WithLogger(l *slog.Logger) *Scorer {
	s.logger = l
	return s
}

// Model returns the scorer's model.
func (s *Scorer) Model() Model {
	return s.model
}

// Score fetches the drivers active within the lookback window and returns
// their profiles ordered by score, highest first. Malformed records are
// logged and skipped.
func (s *Scorer) Score(ctx context.Context, q Query) ([]Profile, error) {
	days := q.DaysHistory
	if days == 0 {
		days = DefaultDaysHistory
	}
	if days < 0 {
		return nil, &source.InvalidRangeError{Reason: fmt.Sprintf("days_history must be positive, got %d", days)}
	}
	if days > MaxDaysHistory {
		return nil, &source.InvalidRangeError{Reason: fmt.Sprintf("days_history must be at most %d, got %d", MaxDaysHistory, days)}
	}

	now := s.now()
	aggs, err := s.src.FetchEntityAggregates(ctx, source.Filter{
		Range:    source.TimeRange{Start: now.Add(-time.Duration(days) * 24 * time.Hour), End: now},
		EntityID: q.EntityID,
	})
	if err != nil {
		return nil, source.Wrap("fetch entity aggregates", err)
	}

	profiles := make([]Profile, 0, len(aggs))
	skipped := 0
	for _, a := range aggs {
		if event.IsUnknown(a.EntityID) || event.IsUnknown(a.Name) {
			continue
		}
		p, err := s.model.Evaluate(a, days, now)
		if err != nil {
			var skip *source.RecordSkippedError
			if errors.As(err, &skip) {
				skipped++
				s.logger.Warn("skipping driver record", "entity", a.EntityID, "reason", skip.Reason)
				continue
			}
			return nil, err
		}
		profiles = append(profiles, p)
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Score > profiles[j].Score
	})

	s.logger.Info("driver risk scored",
		"days_history", days,
		"drivers", len(profiles),
		"skipped", skipped,
	)
	return profiles, nil
}

// Evaluate scores one aggregate record as of now. It returns a
// *source.RecordSkippedError for records that cannot be scored.
func (m Model) Evaluate(a event.EntityAggregate, days int, now time.Time) (Profile, error) {
	id := strings.TrimSpace(a.EntityID)
	if id == "" {
		return Profile{}, &source.RecordSkippedError{Reason: "missing entity id"}
	}

	var last *time.Time
	if a.LastViolation != "" {
		t, err := time.Parse(time.RFC3339Nano, a.LastViolation)
		if err != nil {
			return Profile{}, &source.RecordSkippedError{RecordID: id, Reason: fmt.Sprintf("unparsable last_violation %q", a.LastViolation)}
		}
		last = &t
	}

	count := a.ViolationCount
	if count < 0 {
		count = 0
	}

	typeCounts := make(map[string]int, len(a.TypeCounts))
	var types []string
	for _, tc := range a.TypeCounts {
		if tc.Count <= 0 {
			continue
		}
		if _, seen := typeCounts[tc.Type]; !seen {
			types = append(types, tc.Type)
		}
		typeCounts[tc.Type] += tc.Count
	}
	if len(types) == 0 && count > 0 {
		types = []string{event.TypeUnknown}
		typeCounts[event.TypeUnknown] = count
	}

	p := Profile{
		EntityID:       id,
		Name:           event.DisplayName(id, a.Name),
		ViolationCount: count,
		Types:          types,
		TypeCounts:     typeCounts,
		AvgSeverity:    math.Round(a.AvgSeverity*100) / 100,
		LastViolation:  last,
	}

	if count == 0 {
		p.KeyFactors = []string{"Insufficient violation data"}
		p.Recommendation = Recommend(0)
		return p, nil
	}

	elapsed := time.Duration(days) * 24 * time.Hour
	recency := staleRecency
	if last != nil {
		elapsed = now.Sub(*last)
		if elapsed < 0 {
			elapsed = 0
		}
		recency = recencyFactor(elapsed)
	}

	rate := float64(count) / m.ActivityWindowDays
	freq := frequencyScore(rate)

	var typed, flagged int
	var sevSum, weightSum float64
	for _, typ := range types {
		n := typeCounts[typ]
		c := m.Lookup(typ)
		typed += n
		sevSum += c.Severity * float64(n)
		weightSum += c.Weight * float64(n)
		if c.HighImpact {
			flagged += n
		}
	}
	meanSeverity := sevSum / float64(typed)
	sevScore := math.Min(componentCap, meanSeverity*severityScale)
	category := float64(flagged) / float64(typed) * componentCap
	typeSum := math.Min(componentCap, weightSum)

	composite := weightFrequency*freq +
		weightSeverity*sevScore +
		weightCategory*category +
		weightTypeSum*typeSum

	score := composite * recency
	floor := volumeFloor(count)
	if score < floor {
		score = floor
	}
	score = math.Max(MinScore, math.Min(MaxScore, score))
	score = math.Round(score*10) / 10

	p.Score = score
	p.Components = Components{
		Frequency: round2(freq),
		Severity:  round2(sevScore),
		Category:  round2(category),
		TypeSum:   round2(typeSum),
		Recency:   recency,
		DailyRate: round2(rate),
		Composite: round2(composite),
		Floor:     floor,
	}
	p.KeyFactors = m.keyFactors(p, days, last != nil, elapsed, rate, meanSeverity)
	p.Recommendation = Recommend(score)
	return p, nil
}

func recencyFactor(elapsed time.Duration) float64 {
	for _, b := range recencyBands {
		if elapsed <= b.within {
			return b.factor
		}
	}
	return staleRecency
}

func frequencyScore(rate float64) float64 {
	score := rate * frequencyPerDaily
	for _, b := range rateBoosts {
		if rate > b.above {
			score *= b.boost
			break
		}
	}
	return math.Min(componentCap, score)
}

func volumeFloor(count int) float64 {
	for _, f := range volumeFloors {
		if count > f.above {
			return f.floor
		}
	}
	return 0
}

func (m Model) keyFactors(p Profile, days int, hasLast bool, elapsed time.Duration, rate, meanSeverity float64) []string {
	factors := []string{fmt.Sprintf("%d violations in %d days", p.ViolationCount, days)}

	var flagged []string
	for _, typ := range p.Types {
		if m.Lookup(typ).HighImpact {
			flagged = append(flagged, typ)
		}
	}
	if len(flagged) > 0 {
		sort.Strings(flagged)
		factors = append(factors, fmt.Sprintf("%s violations: %s", m.HighImpactLabel, strings.Join(flagged, ", ")))
	}

	factors = append(factors, recencyText(hasLast, elapsed))

	switch {
	case rate > 10:
		factors = append(factors, "Burst of violations ("+format.Rate(rate, "day")+")")
	case rate > 5:
		factors = append(factors, "High violation rate ("+format.Rate(rate, "day")+")")
	case rate > elevatedRate:
		factors = append(factors, "Elevated violation rate ("+format.Rate(rate, "day")+")")
	}

	if meanSeverity >= severityFactorMin {
		factors = append(factors, fmt.Sprintf("High average severity (%.1f)", meanSeverity))
	}
	return factors
}

func recencyText(hasLast bool, elapsed time.Duration) string {
	switch {
	case !hasLast:
		return "Last violation time unknown"
	case elapsed < time.Hour:
		return "Violation within the last hour"
	case elapsed < 7*24*time.Hour:
		return fmt.Sprintf("Recent violation (%s ago)", format.Duration(elapsed))
	case elapsed <= 30*24*time.Hour:
		return fmt.Sprintf("Last violation %d days ago", format.Days(elapsed))
	default:
		return "No violations in the last 30 days"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
