// Package learning records human corrections and feeds them back into the
// supplier pattern store.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/pattern"
)

// ErrInvalidRequest is returned for a request missing its identifiers.
var ErrInvalidRequest = eris.New("learning: extraction_id and facture_id are required")

// Store is the persistence the learning loop needs.
type Store interface {
	InsertCorrections(ctx context.Context, entries []model.CorrectionEntry) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	GetExtraction(ctx context.Context, id string) (*model.ExtractionRecord, error)
	GetPattern(ctx context.Context, supplierKey, fieldName string) (*model.SupplierPattern, error)
	IncrementPattern(ctx context.Context, id string, at time.Time) (*model.SupplierPattern, error)
	CreatePattern(ctx context.Context, p model.SupplierPattern) (*model.SupplierPattern, error)
}

// Options configures the Loop.
type Options struct {
	// CreateMissing creates a pattern for a corrected field that has none.
	CreateMissing bool
}

// Loop turns corrections into audit entries and pattern updates.
type Loop struct {
	store Store
	opts  Options
	now   func() time.Time
}

// New creates a learning Loop.
func New(store Store, opts Options) *Loop {
	return &Loop{store: store, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Learn appends one correction entry per field, then updates the patterns
// of the invoice's supplier. Corrections are never rejected; when no
// supplier can be resolved only the audit entries are written.
func (l *Loop) Learn(ctx context.Context, req model.LearnRequest) (*model.LearnSummary, error) {
	if strings.TrimSpace(req.ExtractionID) == "" || strings.TrimSpace(req.FactureID) == "" {
		return nil, ErrInvalidRequest
	}
	log := zap.L().With(zap.String("facture_id", req.FactureID), zap.String("extraction_id", req.ExtractionID))

	fields := make([]string, 0, len(req.Corrections))
	for f := range req.Corrections {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	now := l.now()
	entries := make([]model.CorrectionEntry, 0, len(fields))
	for _, f := range fields {
		c := req.Corrections[f]
		entries = append(entries, model.CorrectionEntry{
			FactureID:      req.FactureID,
			ExtractionID:   req.ExtractionID,
			FieldName:      f,
			OriginalValue:  stringify(c.Extracted),
			CorrectedValue: stringify(c.Corrected),
			CreatedAt:      now,
		})
	}
	if len(entries) > 0 {
		if err := l.store.InsertCorrections(ctx, entries); err != nil {
			return nil, eris.Wrap(err, "learning: record corrections")
		}
	}

	summary := &model.LearnSummary{
		Status:         "success",
		Message:        fmt.Sprintf("Learned from %d corrections", len(entries)),
		CorrectedCount: len(entries),
	}

	supplier, err := l.resolveSupplier(ctx, req)
	if err != nil {
		return nil, err
	}
	if supplier == "" {
		log.Info("learning: no supplier resolved, patterns unchanged", zap.Int("corrections", len(entries)))
		return summary, nil
	}
	summary.Supplier = supplier
	key := pattern.NormalizeSupplier(supplier)

	for _, f := range fields {
		existing, err := l.store.GetPattern(ctx, key, f)
		if err != nil {
			return nil, eris.Wrapf(err, "learning: get pattern %s/%s", key, f)
		}
		if existing != nil {
			if _, err := l.store.IncrementPattern(ctx, existing.ID, now); err != nil {
				return nil, eris.Wrapf(err, "learning: increment pattern %s", existing.ID)
			}
			summary.PatternsUpdated++
			continue
		}
		if !l.opts.CreateMissing {
			continue
		}
		_, err = l.store.CreatePattern(ctx, model.SupplierPattern{
			SupplierName: supplier,
			SupplierKey:  key,
			FieldName:    f,
			ExampleValue: req.Corrections[f].Corrected,
			SampleCount:  1,
			LastUpdated:  now,
			CreatedAt:    now,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "learning: create pattern %s/%s", key, f)
		}
		summary.PatternsCreated++
	}

	log.Info("learning: corrections applied",
		zap.String("supplier", supplier),
		zap.Int("corrections", len(entries)),
		zap.Int("patterns_updated", summary.PatternsUpdated),
		zap.Int("patterns_created", summary.PatternsCreated),
	)
	return summary, nil
}

// resolveSupplier prefers the canonical invoice, then a corrected
// fournisseur, then the raw extraction.
func (l *Loop) resolveSupplier(ctx context.Context, req model.LearnRequest) (string, error) {
	inv, err := l.store.GetInvoice(ctx, req.FactureID)
	if err != nil {
		return "", eris.Wrapf(err, "learning: get invoice %s", req.FactureID)
	}
	if inv != nil {
		if s := strings.TrimSpace(inv.Fournisseur); s != "" {
			return s, nil
		}
		if s := inv.Data.Supplier(); s != "" {
			return s, nil
		}
	}

	if c, ok := req.Corrections["fournisseur"]; ok {
		if s, ok := c.Corrected.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}

	rec, err := l.store.GetExtraction(ctx, req.ExtractionID)
	if err != nil {
		return "", eris.Wrapf(err, "learning: get extraction %s", req.ExtractionID)
	}
	if rec != nil {
		return rec.LlmRawOutput.Supplier(), nil
	}
	return "", nil
}

// stringify renders a correction value for the audit log: strings as-is,
// anything else as JSON text.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
