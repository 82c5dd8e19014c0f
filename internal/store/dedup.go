package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// escalationStep is how far a driver's score has to climb above the last
// alerted score before the cooldown is bypassed.
const escalationStep = 10.0

// CooldownResult describes whether a risk alert should be sent for a driver.
type CooldownResult struct {
	// ShouldAlert is true if this driver should trigger a notification.
	ShouldAlert bool
	// RecentCount is the number of alerts sent for the driver within the window.
	RecentCount int
	// Escalated is true if an alert was sent recently but the score has since
	// climbed by at least escalationStep.
	Escalated bool
}

// CheckCooldown determines whether a driver with the given score should be
// alerted on, based on alerts already sent within window before now.
//
// Logic:
//   - No alerts within window: alert.
//   - Score exceeds the highest recent alerted score by escalationStep: alert as escalated.
//   - Otherwise: suppress.
func (d *DB) CheckCooldown(ctx context.Context, entityID string, score float64, window time.Duration, now time.Time) (CooldownResult, error) {
	since := formatTS(now.Add(-window))

	var count int
	var maxScore sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(score) FROM alerts
		WHERE entity_id = ? AND sent_at >= ?`, entityID, since).Scan(&count, &maxScore)
	if err != nil && err != sql.ErrNoRows {
		return CooldownResult{}, fmt.Errorf("checking cooldown: %w", err)
	}

	result := CooldownResult{RecentCount: count}

	switch {
	case count == 0:
		result.ShouldAlert = true
	case maxScore.Valid && score >= maxScore.Float64+escalationStep:
		result.ShouldAlert = true
		result.Escalated = true
	default:
		result.ShouldAlert = false
	}

	slog.Debug("cooldown check",
		"entity", entityID,
		"score", score,
		"recent_count", count,
		"should_alert", result.ShouldAlert,
	)

	return result, nil
}

// RecordAlert remembers that a driver was alerted on at the given time.
func (d *DB) RecordAlert(ctx context.Context, entityID string, score float64, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO alerts (entity_id, score, sent_at) VALUES (?, ?, ?)`,
		entityID, score, formatTS(at))
	if err != nil {
		return fmt.Errorf("recording alert: %w", err)
	}
	return nil
}
