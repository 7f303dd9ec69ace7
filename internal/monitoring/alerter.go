package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertEscalationBacklog AlertType = "escalation_backlog"
	AlertTicketAge         AlertType = "ticket_age"
	AlertStaleCache        AlertType = "stale_cache"
	AlertCircuitOpen       AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached. A zero threshold
// disables its check.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if open := snap.OpenTickets(); a.cfg.BacklogThreshold > 0 && open >= a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertEscalationBacklog,
			Severity: "high",
			Message: fmt.Sprintf("%d escalation tickets awaiting review (threshold %d)",
				open, a.cfg.BacklogThreshold),
			Details: map[string]any{
				"pending":   snap.Pending,
				"assigned":  snap.Assigned,
				"threshold": a.cfg.BacklogThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxTicketAgeHours > 0 && snap.OldestOpenHours > float64(a.cfg.MaxTicketAgeHours) {
		alerts = append(alerts, Alert{
			Type:     AlertTicketAge,
			Severity: "medium",
			Message: fmt.Sprintf("Oldest open ticket has waited %.1fh (limit %dh)",
				snap.OldestOpenHours, a.cfg.MaxTicketAgeHours),
			Details: map[string]any{
				"oldest_open_hours": snap.OldestOpenHours,
				"limit_hours":       a.cfg.MaxTicketAgeHours,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleThreshold > 0 && snap.StaleEntries >= a.cfg.StaleThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertStaleCache,
			Severity: "medium",
			Message: fmt.Sprintf("%d cached documents failed re-validation (threshold %d)",
				snap.StaleEntries, a.cfg.StaleThreshold),
			Details: map[string]any{
				"stale_entries": snap.StaleEntries,
				"cache_entries": snap.CacheEntries,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenCircuits) > 0 {
		names := slices.Clone(snap.OpenCircuits)
		slices.Sort(names)
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   "Provider circuit open: " + strings.Join(names, ", "),
			Details:   map[string]any{"providers": names},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
