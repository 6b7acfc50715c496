// Package monitoring collects extraction health metrics and raises alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	// Extraction metrics (within lookback window).
	ExtractionTotal    int            `json:"extraction_total"`
	ExtractionDegraded int            `json:"extraction_degraded"`
	DegradedRate       float64        `json:"degraded_rate"`
	NeedsValidation    int            `json:"needs_validation"`
	ValidationRate     float64        `json:"validation_rate"`
	AvgBlended         float64        `json:"avg_blended_confidence"`
	AvgOCRConfidence   float64        `json:"avg_ocr_confidence"`
	CostUSD            float64        `json:"cost_usd"`
	AvgTokens          int64          `json:"avg_tokens"`
	DegradedByReason   map[string]int `json:"degraded_by_reason,omitempty"`

	// Learning metrics (within lookback window).
	Corrections int `json:"corrections"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the subset of the store the collector reads.
type Source interface {
	ListExtractions(ctx context.Context, filter store.ExtractionFilter) ([]model.ExtractionRecord, error)
	CountCorrections(ctx context.Context, since time.Time) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store     Source
	threshold float64
}

// NewCollector creates a metrics collector. threshold is the blended
// confidence under which an extraction counts as needing validation.
func NewCollector(st Source, threshold float64) *Collector {
	return &Collector{store: st, threshold: threshold}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	recs, err := c.store.ListExtractions(ctx, store.ExtractionFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list extractions")
	}

	snap.ExtractionTotal = len(recs)
	var blended, ocrConf float64
	var tokens int64
	for _, r := range recs {
		if r.Degraded {
			snap.ExtractionDegraded++
			if snap.DegradedByReason == nil {
				snap.DegradedByReason = make(map[string]int)
			}
			snap.DegradedByReason[r.DegradedReason]++
		}
		if r.Blended < c.threshold {
			snap.NeedsValidation++
		}
		blended += r.Blended
		ocrConf += r.OcrConfidence
		tokens += r.InputTokens + r.OutputTokens
		snap.CostUSD += r.CostUSD
	}
	if n := snap.ExtractionTotal; n > 0 {
		snap.DegradedRate = float64(snap.ExtractionDegraded) / float64(n)
		snap.ValidationRate = float64(snap.NeedsValidation) / float64(n)
		snap.AvgBlended = blended / float64(n)
		snap.AvgOCRConfidence = ocrConf / float64(n)
		snap.AvgTokens = tokens / int64(n)
	}

	corrections, err := c.store.CountCorrections(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count corrections")
	}
	snap.Corrections = corrections

	return snap, nil
}
