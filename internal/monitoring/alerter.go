package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDegradedRate   AlertType = "degraded_rate"
	AlertValidationRate AlertType = "validation_rate"
	AlertCostOverrun    AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Service   string         `json:"service"`
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
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
// Rate alerts need at least MinSampleSize extractions in the window.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	enough := snap.ExtractionTotal > 0 && snap.ExtractionTotal >= a.cfg.MinSampleSize

	if enough && a.cfg.DegradedRateThreshold > 0 && snap.DegradedRate > a.cfg.DegradedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDegradedRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Degraded extraction rate %.1f%% exceeds threshold %.1f%% (%d degraded / %d in last %dh)",
				snap.DegradedRate*100, a.cfg.DegradedRateThreshold*100,
				snap.ExtractionDegraded, snap.ExtractionTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"degraded_rate": snap.DegradedRate,
				"threshold":     a.cfg.DegradedRateThreshold,
				"degraded":      snap.ExtractionDegraded,
				"by_reason":     snap.DegradedByReason,
			},
			Timestamp: now,
		})
	}

	if enough && a.cfg.ValidationRateThreshold > 0 && snap.ValidationRate > a.cfg.ValidationRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertValidationRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of extractions need validation, threshold %.1f%% (%d / %d in last %dh)",
				snap.ValidationRate*100, a.cfg.ValidationRateThreshold*100,
				snap.NeedsValidation, snap.ExtractionTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"validation_rate": snap.ValidationRate,
				"threshold":       a.cfg.ValidationRateThreshold,
				"avg_blended":     snap.AvgBlended,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"LLM cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":         snap.CostUSD,
				"threshold_usd":    a.cfg.CostThresholdUSD,
				"extraction_total": snap.ExtractionTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// ServiceName tags every delivered alert.
const ServiceName = "facture-cli"

// SendAlerts posts each alert to the configured webhook and returns how
// many were accepted. Delivery failures are logged and skipped.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	sent := 0
	for _, alert := range alerts {
		alert.Service = ServiceName
		if alert.Timestamp.IsZero() {
			alert.Timestamp = time.Now().UTC()
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			log.Error("monitoring: alert delivery failed", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		log.Info("monitoring: alert delivered",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrapf(err, "monitoring: encode %s alert", alert.Type)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Type", string(alert.Type))
	req.Header.Set("X-Alert-Severity", alert.Severity)

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
