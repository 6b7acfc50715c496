package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facture-cli/internal/model"
)

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanPrompt(row scannable) (*model.PromptConfig, error) {
	var p model.PromptConfig
	if err := row.Scan(&p.ID, &p.Version, &p.Template, &p.ModelName, &p.Active, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPattern(row scannable) (*model.SupplierPattern, error) {
	var (
		p       model.SupplierPattern
		example []byte
	)
	err := row.Scan(&p.ID, &p.SupplierName, &p.SupplierKey, &p.FieldName, &example,
		&p.RegexHint, &p.SampleCount, &p.LastUpdated, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(example) > 0 {
		if err := json.Unmarshal(example, &p.ExampleValue); err != nil {
			return nil, eris.Wrap(err, "unmarshal example value")
		}
	}
	return &p, nil
}

func scanExtraction(row scannable) (*model.ExtractionRecord, error) {
	var (
		rec            model.ExtractionRecord
		meta, output   []byte
		degradedReason *string
	)
	err := row.Scan(&rec.ID, &rec.FactureID, &rec.OcrText, &rec.OcrConfidence, &meta, &output,
		&rec.ModelVersion, &rec.Degraded, &degradedReason, &rec.OutputDigest, &rec.CostUSD,
		&rec.InputTokens, &rec.OutputTokens, &rec.Blended, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if degradedReason != nil {
		rec.DegradedReason = *degradedReason
	}
	if err := json.Unmarshal(meta, &rec.OcrMetadata); err != nil {
		return nil, eris.Wrap(err, "unmarshal ocr metadata")
	}
	if err := json.Unmarshal(output, &rec.LlmRawOutput); err != nil {
		return nil, eris.Wrap(err, "unmarshal llm output")
	}
	return &rec, nil
}

func scanInvoice(row scannable) (*model.Invoice, error) {
	var (
		inv          model.Invoice
		fournisseur  *string
		extractionID *string
		data         []byte
		status       string
	)
	err := row.Scan(&inv.ID, &fournisseur, &data, &status, &inv.GlobalConfidence,
		&inv.RequiresValidation, &extractionID, &inv.ExtractedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = model.InvoiceStatus(status)
	if fournisseur != nil {
		inv.Fournisseur = *fournisseur
	}
	if extractionID != nil {
		inv.ExtractionID = *extractionID
	}
	if err := json.Unmarshal(data, &inv.Data); err != nil {
		return nil, eris.Wrap(err, "unmarshal invoice data")
	}
	return &inv, nil
}

// marshalNullable encodes v as JSON, or returns nil for a nil value.
func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
