// Package export writes invoices awaiting review to spreadsheets.
package export

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/store"
)

// SheetName is the name of the single worksheet in an export workbook.
const SheetName = "a_valider"

var metaColumns = []string{
	"facture_id",
	"fournisseur",
	"statut_extraction",
	"confiance_globale",
	"necessite_validation",
	"extraction_id",
	"date_extraction",
}

// Source lists canonical invoices.
type Source interface {
	ListInvoices(ctx context.Context, filter store.InvoiceFilter) ([]model.Invoice, error)
}

// Options controls which invoices are exported.
type Options struct {
	// All exports every invoice instead of only those needing validation.
	All   bool
	Limit int
}

// Columns returns the header row: invoice metadata followed by every
// extracted field path.
func Columns() []string {
	cols := append([]string(nil), metaColumns...)
	return append(cols, model.FieldPaths()...)
}

// WriteValidationWorkbook writes one row per invoice to w and returns the
// number of rows written.
func WriteValidationWorkbook(ctx context.Context, src Source, w io.Writer, opts Options) (int, error) {
	filter := store.InvoiceFilter{Limit: opts.Limit}
	if !opts.All {
		needs := true
		filter.RequiresValidation = &needs
	}
	invoices, err := src.ListInvoices(ctx, filter)
	if err != nil {
		return 0, eris.Wrap(err, "export: list invoices")
	}

	file, err := Workbook(invoices)
	if err != nil {
		return 0, err
	}
	if err := file.Write(w); err != nil {
		return 0, eris.Wrap(err, "export: write workbook")
	}
	zap.L().Info("export: workbook written", zap.Int("rows", len(invoices)))
	return len(invoices), nil
}

// Workbook builds an in-memory workbook for invoices.
func Workbook(invoices []model.Invoice) (*xlsx.File, error) {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet(SheetName)
	if err != nil {
		return nil, eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range Columns() {
		header.AddCell().SetString(col)
	}

	paths := model.FieldPaths()
	for i := range invoices {
		inv := &invoices[i]
		row := sheet.AddRow()
		row.AddCell().SetString(inv.ID)
		row.AddCell().SetString(inv.Fournisseur)
		row.AddCell().SetString(string(inv.Status))
		row.AddCell().SetFloat(inv.GlobalConfidence)
		row.AddCell().SetBool(inv.RequiresValidation)
		row.AddCell().SetString(inv.ExtractionID)
		extractedAt := row.AddCell()
		if inv.ExtractedAt != nil {
			extractedAt.SetString(inv.ExtractedAt.UTC().Format(time.RFC3339))
		}
		for _, p := range paths {
			setValue(row.AddCell(), inv.Data.Value(p))
		}
	}
	return file, nil
}

func setValue(cell *xlsx.Cell, v any) {
	switch t := v.(type) {
	case nil:
	case string:
		cell.SetString(t)
	case int:
		cell.SetInt(t)
	case float64:
		cell.SetFloat(t)
	default:
		cell.SetValue(t)
	}
}
