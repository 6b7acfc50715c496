package model

import "time"

// ExtractionRecord is the immutable raw result of one extraction call.
type ExtractionRecord struct {
	ID             string        `json:"id"`
	FactureID      string        `json:"facture_id"`
	OcrText        string        `json:"ocr_text"`
	OcrConfidence  float64       `json:"ocr_confidence"`
	OcrMetadata    OcrMetadata   `json:"ocr_metadata"`
	LlmRawOutput   InvoiceRecord `json:"llm_raw_output"`
	ModelVersion   string        `json:"llm_model_version"`
	Degraded       bool          `json:"degraded"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	OutputDigest   string        `json:"output_digest"`
	CostUSD        float64       `json:"cost_usd"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	Blended        float64       `json:"blended_confidence"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ConfidenceReport holds derived confidence scores for one extraction.
type ConfidenceReport struct {
	Global             float64            `json:"global"`
	Blended            float64            `json:"blended"`
	PerField           map[string]float64 `json:"per_field"`
	Groups             map[string]float64 `json:"groups,omitempty"`
	RequiresValidation bool               `json:"requires_validation"`
}

// InvoiceStatus is the review state of a canonical invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "en_attente_validation"
	InvoiceStatusValidated InvoiceStatus = "valide"
)

// Invoice is the canonical invoice row updated after each extraction.
type Invoice struct {
	ID                 string        `json:"id"`
	Fournisseur        string        `json:"fournisseur,omitempty"`
	Data               InvoiceRecord `json:"data"`
	Status             InvoiceStatus `json:"statut_extraction"`
	GlobalConfidence   float64       `json:"confiance_globale"`
	RequiresValidation bool          `json:"necessite_validation"`
	ExtractionID       string        `json:"extraction_id,omitempty"`
	ExtractedAt        *time.Time    `json:"date_extraction,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ExtractionRequest asks for one invoice file to be extracted.
type ExtractionRequest struct {
	FactureID    string `json:"facture_id"`
	FileURL      string `json:"file_url"`
	SupplierHint string `json:"supplier_hint,omitempty"`
}

// ResponseConfidence is the rounded confidence block of a response.
type ResponseConfidence struct {
	Global   float64            `json:"global"`
	PerField map[string]float64 `json:"per_field"`
}

// ResponseOcrMetadata is the OCR summary block of a response.
type ResponseOcrMetadata struct {
	TotalWords    int     `json:"total_words"`
	AvgConfidence float64 `json:"avg_confidence"`
	TotalPages    int     `json:"total_pages"`
}

// ExtractionResponse is returned to the caller once the raw record is saved.
type ExtractionResponse struct {
	ExtractionID       string              `json:"extraction_id"`
	ExtractedData      InvoiceRecord       `json:"extracted_data"`
	Confidence         ResponseConfidence  `json:"confidence"`
	OcrMetadata        ResponseOcrMetadata `json:"ocr_metadata"`
	RequiresValidation bool                `json:"requires_validation"`
	Degraded           string              `json:"degraded,omitempty"`
	QualityWarnings    []QualityWarning    `json:"quality_warnings,omitempty"`
}
