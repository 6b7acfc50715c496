package model

import "time"

// SupplierPattern is a learned hint for one field of one supplier's
// invoices. Patterns are keyed by (SupplierKey, FieldName).
type SupplierPattern struct {
	ID           string    `json:"id"`
	SupplierName string    `json:"supplier_name"`
	SupplierKey  string    `json:"supplier_key"`
	FieldName    string    `json:"field_name"`
	ExampleValue any       `json:"example_value,omitempty"`
	RegexHint    *string   `json:"regex_hint,omitempty"`
	SampleCount  int       `json:"sample_count"`
	LastUpdated  time.Time `json:"last_updated"`
	CreatedAt    time.Time `json:"created_at"`
}

// CorrectionEntry is one audited human correction of an extracted field.
type CorrectionEntry struct {
	ID             string    `json:"id"`
	FactureID      string    `json:"facture_id"`
	ExtractionID   string    `json:"extraction_id"`
	FieldName      string    `json:"field_name"`
	OriginalValue  string    `json:"original_value"`
	CorrectedValue string    `json:"corrected_value"`
	CreatedAt      time.Time `json:"created_at"`
}

// Correction is the submitted before/after pair for one field.
type Correction struct {
	Extracted any `json:"extracted"`
	Corrected any `json:"corrected"`
}

// LearnRequest carries the corrections a reviewer made to one extraction.
type LearnRequest struct {
	ExtractionID string                `json:"extraction_id"`
	FactureID    string                `json:"facture_id"`
	Corrections  map[string]Correction `json:"corrections"`
}

// LearnSummary reports what the learning loop recorded.
type LearnSummary struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	CorrectedCount  int    `json:"corrected_count"`
	Supplier        string `json:"supplier,omitempty"`
	PatternsUpdated int    `json:"patterns_updated"`
	PatternsCreated int    `json:"patterns_created"`
}
