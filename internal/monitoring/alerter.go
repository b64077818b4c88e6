package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/fetcher"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertHarvestFailureRate AlertType = "harvest_failure_rate"
	AlertFailedPages        AlertType = "failed_pages"
	AlertTruncatedQueries   AlertType = "truncated_queries"
)

// minFinished is the number of finished runs needed before the failure rate
// is meaningful.
const minFinished = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and posts alerts to a webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client fetcher.Client
}

// NewAlerter creates a new Alerter. client delivers webhook calls.
func NewAlerter(cfg config.MonitoringConfig, client fetcher.Client) *Alerter {
	return &Alerter{cfg: cfg, client: client}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Complete + snap.Failed
	if finished >= minFinished && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertHarvestFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Harvest failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.FailedPagesThreshold > 0 && snap.FailedPages >= a.cfg.FailedPagesThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailedPages,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d listing page(s) were dropped after retries in last %dh",
				snap.FailedPages, snap.LookbackHours,
			),
			Details: map[string]any{
				"failed_pages": snap.FailedPages,
				"threshold":    a.cfg.FailedPagesThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.TruncatedQueries > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertTruncatedQueries,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d quer(ies) hit the per-query item ceiling in last %dh; split them to harvest everything",
				snap.TruncatedQueries, snap.LookbackHours,
			),
			Details: map[string]any{
				"truncated_queries": snap.TruncatedQueries,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || a.client == nil || len(alerts) == 0 {
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

	_, out := a.client.Do(ctx, fetcher.Request{
		Method:      http.MethodPost,
		URL:         a.cfg.WebhookURL,
		Body:        payload,
		MaxAttempts: 2,
	})
	return eris.Wrap(out.Err(), "monitoring: webhook")
}
