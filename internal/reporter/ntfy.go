package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/setevik/fleetrisk/internal/config"
	"github.com/setevik/fleetrisk/internal/risk"
)

// NtfyReporter sends driver risk notifications to an ntfy server.
type NtfyReporter struct {
	cfg    *config.Config
	client *http.Client
}

// NewNtfy creates a new NtfyReporter.
func NewNtfy(cfg *config.Config) *NtfyReporter {
	return &NtfyReporter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Enabled reports whether an ntfy URL is configured.
func (r *NtfyReporter) Enabled() bool {
	return r.cfg.Ntfy.URL != ""
}

// Report sends a driver alert to ntfy if the driver's score reaches the
// configured minimum.
func (r *NtfyReporter) Report(ctx context.Context, p *risk.Profile, escalated bool) error {
	if !r.Enabled() {
		slog.Debug("ntfy URL not configured, skipping notification")
		return nil
	}

	if p.Score < r.cfg.Ntfy.MinScore {
		slog.Debug("driver score below alert threshold, skipping", "entity", p.EntityID, "score", p.Score)
		return nil
	}

	tier := risk.Tier(p.Score)
	priority := r.cfg.NtfyPriority(tier)
	if err := r.Send(ctx, FormatTitle(r.cfg.Instance.ID, p, escalated), FormatBody(p), priority, TagsForTier(tier)); err != nil {
		return err
	}

	slog.Info("notification sent", "entity", p.EntityID, "score", p.Score, "priority", priority)
	return nil
}

// Send posts a raw notification.
func (r *NtfyReporter) Send(ctx context.Context, title, body, priority, tags string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Ntfy.URL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating ntfy request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}
