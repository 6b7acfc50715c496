package ocr

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Rasterizer converts a downloaded invoice file into OCR pages.
type Rasterizer struct {
	runner   Runner
	binPath  string
	dpi      int
	maxPages int
}

// NewRasterizer creates a Rasterizer backed by pdftoppm. Empty binPath
// defaults to "pdftoppm", a non-positive dpi to 300.
func NewRasterizer(binPath string, dpi, maxPages int) *Rasterizer {
	if binPath == "" {
		binPath = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	return &Rasterizer{runner: execRunner{}, binPath: binPath, dpi: dpi, maxPages: maxPages}
}

// IsPDF reports whether the content or its source name denotes a PDF.
func IsPDF(data []byte, name string) bool {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return true
	}
	name = strings.ToLower(name)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return strings.HasSuffix(name, ".pdf")
}

// ErrNoPages is returned when a document has nothing to rasterize.
var ErrNoPages = eris.New("rasterize: document has no pages")

// Pages returns the pages to recognize and whether the input was a PDF.
// Non-PDF input becomes a single page.
func (r *Rasterizer) Pages(ctx context.Context, data []byte, name string) ([]Page, bool, error) {
	if len(data) == 0 {
		return nil, false, eris.Wrap(ErrNoPages, "rasterize: empty file")
	}
	if !IsPDF(data, name) {
		return []Page{{Number: 1, Data: data, MIMEType: http.DetectContentType(data)}}, false, nil
	}
	pages, err := r.rasterizePDF(ctx, data)
	return pages, true, err
}

func (r *Rasterizer) rasterizePDF(ctx context.Context, data []byte) ([]Page, error) {
	last := r.maxPages
	if n, err := api.PageCount(bytes.NewReader(data), nil); err != nil {
		// pdftoppm is more forgiving than pdfcpu's validator.
		zap.L().Warn("rasterize: page count failed", zap.Error(err))
	} else {
		if n == 0 {
			return nil, eris.Wrap(ErrNoPages, "rasterize: pdf page count is zero")
		}
		if r.maxPages > 0 && n > r.maxPages {
			zap.L().Warn("rasterize: truncating pdf", zap.Int("pages", n), zap.Int("max_pages", r.maxPages))
		}
	}

	dir, err := os.MkdirTemp("", "facture-pdf-*")
	if err != nil {
		return nil, eris.Wrap(err, "rasterize: temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, eris.Wrap(err, "rasterize: write pdf")
	}

	prefix := filepath.Join(dir, "page")
	args := []string{"-r", strconv.Itoa(r.dpi), "-png"}
	if last > 0 {
		args = append(args, "-l", strconv.Itoa(last))
	}
	args = append(args, in, prefix)
	if _, errb, err := r.runner.Run(ctx, r.binPath, args...); err != nil {
		return nil, eris.Wrapf(err, "rasterize: pdftoppm: %s", strings.TrimSpace(string(errb)))
	}

	// pdftoppm zero-pads page numbers to a common width, so names sort in page order.
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, eris.Wrap(err, "rasterize: glob pages")
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, eris.Wrap(ErrNoPages, "rasterize: pdftoppm produced no images")
	}

	pages := make([]Page, 0, len(matches))
	for i, m := range matches {
		img, err := os.ReadFile(m)
		if err != nil {
			return nil, eris.Wrapf(err, "rasterize: read page %d", i+1)
		}
		pages = append(pages, Page{Number: i + 1, Data: img, MIMEType: "image/png"})
	}
	return pages, nil
}
