// Package reporter renders analysis results as API summaries, CLI text and
// ntfy alerts.
package reporter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/setevik/fleetrisk/internal/format"
	"github.com/setevik/fleetrisk/internal/realtime"
	"github.com/setevik/fleetrisk/internal/risk"
	"github.com/setevik/fleetrisk/internal/source"
	"github.com/setevik/fleetrisk/internal/trends"
)

// HighRiskThreshold is the score above which a driver counts as high risk in
// summaries.
const HighRiskThreshold = 75.0

// TrendReport is the response shape of a trend query.
type TrendReport struct {
	Trends     []trends.Bucket  `json:"trends"`
	TotalCount int              `json:"total_count"`
	DateRange  source.TimeRange `json:"date_range"`
	Truncated  bool             `json:"truncated,omitempty"`
}

// BuildTrendReport totals buckets over the queried range.
func BuildTrendReport(buckets []trends.Bucket, start, end time.Time) *TrendReport {
	if buckets == nil {
		buckets = []trends.Bucket{}
	}
	r := &TrendReport{
		Trends:    buckets,
		DateRange: source.TimeRange{Start: start, End: end},
	}
	for _, b := range buckets {
		r.TotalCount += b.TotalCount
	}
	return r
}

// RiskReport is the response shape of a risk query.
type RiskReport struct {
	Drivers          []risk.Profile `json:"drivers"`
	TotalDrivers     int            `json:"total_drivers"`
	HighRiskCount    int            `json:"high_risk_count"`
	AverageRiskScore float64        `json:"average_risk_score"`
}

// BuildRiskReport summarizes scored profiles. The average is rounded to two
// decimals and is 0 when there are no drivers.
func BuildRiskReport(profiles []risk.Profile) *RiskReport {
	if profiles == nil {
		profiles = []risk.Profile{}
	}
	r := &RiskReport{Drivers: profiles, TotalDrivers: len(profiles)}

	var sum float64
	for _, p := range profiles {
		sum += p.Score
		if p.Score > HighRiskThreshold {
			r.HighRiskCount++
		}
	}
	if len(profiles) > 0 {
		r.AverageRiskScore = math.Round(sum/float64(len(profiles))*100) / 100
	}
	return r
}

// FormatTrends formats a trend report as human-readable text.
func FormatTrends(r *TrendReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== Violation trends ===\n")
	fmt.Fprintf(&b, "Period: %s\n", formatRange(r.DateRange))
	fmt.Fprintf(&b, "Total:  %d violation(s) in %d bucket(s)\n", r.TotalCount, len(r.Trends))
	if r.Truncated {
		b.WriteString(truncatedNote)
	}

	period := ""
	for _, t := range r.Trends {
		if t.Period != period {
			period = t.Period
			fmt.Fprintf(&b, "\n%s\n", period)
		}
		fmt.Fprintf(&b, "  %-24s %4d", t.EntityName, t.TotalCount)
		if t.HighSeverityCount > 0 {
			fmt.Fprintf(&b, " (%d high)", t.HighSeverityCount)
		}
		fmt.Fprintf(&b, "  top: %s\n", t.TopType)
		fmt.Fprintf(&b, "  %-24s %s; %s\n", "", t.Insight, t.Action)
		if len(t.TypeCounts) > 1 {
			fmt.Fprintf(&b, "  %-24s %s\n", "", formatBreakdown(t.TypeCounts))
		}
	}
	return b.String()
}

// FormatRisk formats a risk report as human-readable text.
func FormatRisk(r *RiskReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== Driver risk ===\n")
	fmt.Fprintf(&b, "Drivers: %d  High risk: %d  Average score: %.2f\n",
		r.TotalDrivers, r.HighRiskCount, r.AverageRiskScore)

	for _, p := range r.Drivers {
		fmt.Fprintf(&b, "\n%5.1f  %s (%s)\n", p.Score, p.Name, p.EntityID)
		fmt.Fprintf(&b, "       %s\n", p.Recommendation)
		for _, f := range p.KeyFactors {
			fmt.Fprintf(&b, "       - %s\n", f)
		}
	}
	return b.String()
}

const truncatedNote = "Note: fetch limit reached, only the newest records were analyzed.\n"

// FormatWindow formats a real-time window as human-readable text.
func FormatWindow(w *realtime.Window) string {
	var b strings.Builder

	title := "Fleet"
	if w.EntityID != "" {
		title = driverLabel(w.EntityID, w.EntityName)
	}
	fmt.Fprintf(&b, "=== %s: last %s ===\n", title, w.Timeframe)
	fmt.Fprintf(&b, "Window:     %s\n", formatRange(w.TimeRange))
	if w.Truncated {
		b.WriteString(truncatedNote)
	}
	if !w.HasData {
		b.WriteString("No violations or events in this window.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Risk level: %s (%s)\n", w.RiskLevel, format.Rate(w.HourlyRate, "h"))
	fmt.Fprintf(&b, "Violations: %d", w.TotalViolations)
	if w.TotalViolations > 0 {
		fmt.Fprintf(&b, " (%s)", formatBreakdown(w.ViolationTypes))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Events:     %d", w.TotalEvents)
	if w.TotalEvents > 0 {
		fmt.Fprintf(&b, " (%s)", formatBreakdown(w.EventTypes))
	}
	b.WriteString("\n")

	if len(w.Entities) > 0 {
		b.WriteString("\nDrivers:\n")
		for _, e := range w.Entities {
			fmt.Fprintf(&b, "  %-6s %-24s %3d  %s\n", e.RiskLevel, e.Name, e.Violations, formatBreakdown(e.SeverityCounts))
		}
	}
	return b.String()
}

func driverLabel(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

func formatRange(r source.TimeRange) string {
	return fmt.Sprintf("%s - %s",
		r.Start.Local().Format("2006-01-02 15:04"),
		r.End.Local().Format("2006-01-02 15:04"))
}

// formatBreakdown turns a map[string]int into "foo ×2, bar ×1" sorted by
// count desc, then name.
func formatBreakdown(m map[string]int) string {
	type entry struct {
		name  string
		count int
	}

	entries := make([]entry, 0, len(m))
	for name, count := range m {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s ×%d", e.name, e.count)
	}
	return strings.Join(parts, ", ")
}
