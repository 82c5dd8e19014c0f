package reporter

import (
	"time"

	"github.com/setevik/fleetrisk/internal/risk"
)

// TestProfile creates a synthetic driver profile for testing ntfy
// connectivity. Its score is the maximum so it always passes the alert
// threshold.
func TestProfile() *risk.Profile {
	now := time.Now()
	return &risk.Profile{
		EntityID:       "test-" + now.Format("20060102-150405"),
		Name:           "Test Driver",
		ViolationCount: 1,
		Types:          []string{"TEST"},
		TypeCounts:     map[string]int{"TEST": 1},
		LastViolation:  &now,
		Score:          risk.MaxScore,
		KeyFactors:     []string{"This is a test notification to verify ntfy connectivity.", "If you see this, fleetrisk is configured correctly."},
		Recommendation: risk.Recommend(risk.MaxScore),
	}
}
