package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/facture-cli/internal/model"
)

// Manifest column names. facture_id and file_url are required.
const (
	colFactureID    = "facture_id"
	colFileURL      = "file_url"
	colSupplierHint = "supplier_hint"
)

// ReadManifest reads a batch manifest (.csv or .xlsx) whose header row names
// the facture_id, file_url and optional supplier_hint columns.
func ReadManifest(ctx context.Context, path string) ([]model.ExtractionRequest, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSVRows(ctx, path)
	case ".xlsx":
		rows, err = readXLSXRows(path)
	default:
		return nil, eris.Errorf("manifest: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	return manifestRequests(rows)
}

func manifestRequests(rows [][]string) ([]model.ExtractionRequest, error) {
	if len(rows) == 0 {
		return nil, eris.New("manifest: empty file")
	}
	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{colFactureID, colFileURL} {
		if _, ok := idx[col]; !ok {
			return nil, eris.Errorf("manifest: missing %s column", col)
		}
	}

	cell := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []model.ExtractionRequest
	for n, row := range rows[1:] {
		req := model.ExtractionRequest{
			FactureID:    cell(row, colFactureID),
			FileURL:      cell(row, colFileURL),
			SupplierHint: cell(row, colSupplierHint),
		}
		if req.FactureID == "" && req.FileURL == "" {
			continue
		}
		if req.FactureID == "" || req.FileURL == "" {
			return nil, eris.Errorf("manifest: row %d: facture_id and file_url are required", n+2)
		}
		out = append(out, req)
	}
	return out, nil
}

func readCSVRows(ctx context.Context, path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	var rows [][]string
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		rows = append(rows, record)
	}
}

func readXLSXRows(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
