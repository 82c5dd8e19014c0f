package reporter

import (
	"fmt"
	"strings"

	"github.com/setevik/fleetrisk/internal/risk"
)

// tierEmoji maps risk tiers to display emojis for ntfy titles.
var tierEmoji = map[string]string{
	risk.TierCritical: "\U0001f534", // red circle
	risk.TierHigh:     "\U0001f7e0", // orange circle
	risk.TierModerate: "\U0001f7e1", // yellow circle
}

// tierTags maps risk tiers to ntfy tag names.
var tierTags = map[string]string{
	risk.TierCritical: "rotating_light,car",
	risk.TierHigh:     "warning,car",
}

// FormatTitle builds the ntfy notification title for a driver alert.
func FormatTitle(instanceID string, p *risk.Profile, escalated bool) string {
	emoji := tierEmoji[risk.Tier(p.Score)]
	if emoji == "" {
		emoji = "\u2757" // exclamation mark
	}
	prefix := ""
	if escalated {
		prefix = "\u2b06 " // up arrow
	}
	return fmt.Sprintf("%s [%s] %s%s risk %.1f", emoji, instanceID, prefix, p.Name, p.Score)
}

// FormatBody builds the ntfy notification body for a driver alert.
func FormatBody(p *risk.Profile) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Driver: %s (%s)\n", p.Name, p.EntityID)
	fmt.Fprintf(&b, "Violations: %d\n", p.ViolationCount)
	if p.LastViolation != nil {
		fmt.Fprintf(&b, "Last: %s\n", p.LastViolation.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&b, "Recommendation: %s\n", p.Recommendation)

	if len(p.KeyFactors) > 0 {
		b.WriteString("\n")
		for _, f := range p.KeyFactors {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// TagsForTier returns the ntfy tags string for a risk tier.
func TagsForTier(tier string) string {
	if tags, ok := tierTags[tier]; ok {
		return tags
	}
	return "car"
}
