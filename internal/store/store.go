package store

import (
	"context"
	"time"

	"github.com/sells-group/facture-cli/internal/model"
)

// ExtractionFilter specifies criteria for listing extraction records.
type ExtractionFilter struct {
	FactureID    string    `json:"facture_id,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// InvoiceFilter specifies criteria for listing canonical invoices.
type InvoiceFilter struct {
	RequiresValidation *bool               `json:"requires_validation,omitempty"`
	Status             model.InvoiceStatus `json:"status,omitempty"`
	Limit              int                 `json:"limit,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
// Lookups that find nothing return (nil, nil).
type Store interface {
	// Prompts
	GetActivePrompt(ctx context.Context) (*model.PromptConfig, error)
	ListPrompts(ctx context.Context) ([]model.PromptConfig, error)
	CreatePrompt(ctx context.Context, p model.PromptConfig) (*model.PromptConfig, error)
	ActivatePrompt(ctx context.Context, id string) error

	// Supplier patterns
	ListPatterns(ctx context.Context, supplierKey string) ([]model.SupplierPattern, error)
	GetPattern(ctx context.Context, supplierKey, fieldName string) (*model.SupplierPattern, error)
	CreatePattern(ctx context.Context, p model.SupplierPattern) (*model.SupplierPattern, error)
	IncrementPattern(ctx context.Context, id string, at time.Time) (*model.SupplierPattern, error)

	// Raw extractions (append-only)
	InsertExtraction(ctx context.Context, rec *model.ExtractionRecord) error
	GetExtraction(ctx context.Context, id string) (*model.ExtractionRecord, error)
	ListExtractions(ctx context.Context, filter ExtractionFilter) ([]model.ExtractionRecord, error)

	// Canonical invoices
	UpsertInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error)

	// Correction history (append-only)
	InsertCorrections(ctx context.Context, entries []model.CorrectionEntry) error
	ListCorrections(ctx context.Context, factureID string) ([]model.CorrectionEntry, error)
	CountCorrections(ctx context.Context, since time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
