package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/fleetrisk/internal/metrics"
	"github.com/setevik/fleetrisk/internal/risk"
	"github.com/setevik/fleetrisk/internal/store"
)

// CooldownStore remembers which drivers were alerted on recently.
type CooldownStore interface {
	CheckCooldown(ctx context.Context, entityID string, score float64, window time.Duration, now time.Time) (store.CooldownResult, error)
	RecordAlert(ctx context.Context, entityID string, score float64, at time.Time) error
}

// Notifier delivers one driver alert.
type Notifier interface {
	Report(ctx context.Context, p *risk.Profile, escalated bool) error
}

// Alerter sends alerts for high-scoring drivers, suppressing repeats within
// the cooldown window unless the score keeps climbing.
type Alerter struct {
	notifier Notifier
	cooldown CooldownStore
	window   time.Duration
	minScore float64
	now      func() time.Time
}

// NewAlerter creates an Alerter.
func NewAlerter(n Notifier, cs CooldownStore, window time.Duration, minScore float64) *Alerter {
	return &Alerter{notifier: n, cooldown: cs, window: window, minScore: minScore, now: time.Now}
}

// AlertStats counts the outcome of one Alert pass.
type AlertStats struct {
	Sent       int
	Suppressed int
	Failed     int
}

// Alert walks profiles (highest score first) and notifies for every driver
// at or above the minimum score. Delivery failures are counted and logged;
// only cooldown store errors abort the pass.
func (a *Alerter) Alert(ctx context.Context, profiles []risk.Profile) (AlertStats, error) {
	var st AlertStats
	now := a.now()

	for i := range profiles {
		p := &profiles[i]
		if p.Score < a.minScore {
			continue
		}

		dedup, err := a.cooldown.CheckCooldown(ctx, p.EntityID, p.Score, a.window, now)
		if err != nil {
			return st, fmt.Errorf("cooldown check for %s: %w", p.EntityID, err)
		}
		if !dedup.ShouldAlert {
			st.Suppressed++
			metrics.AlertsSentTotal.WithLabelValues("suppressed").Inc()
			slog.Debug("notification suppressed by cooldown",
				"entity", p.EntityID,
				"recent_count", dedup.RecentCount,
			)
			continue
		}

		if err := a.notifier.Report(ctx, p, dedup.Escalated); err != nil {
			st.Failed++
			metrics.AlertsSentTotal.WithLabelValues("failed").Inc()
			slog.Error("failed to send notification", "entity", p.EntityID, "error", err)
			continue
		}
		st.Sent++
		metrics.AlertsSentTotal.WithLabelValues("sent").Inc()
		if err := a.cooldown.RecordAlert(ctx, p.EntityID, p.Score, now); err != nil {
			return st, err
		}
	}
	return st, nil
}
