package ocr

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/model"
)

// ErrNoText is returned when no page of a document yielded any text.
var ErrNoText = eris.New("ocr: no text extracted")

// AggregateStats describes how a multi-page document was assembled.
type AggregateStats struct {
	TotalPages    int
	PagesWithText int
	SkippedPages  []int
}

// Aggregate joins per-page results in page order. Pages without text are
// skipped and excluded from the confidence mean.
func Aggregate(pages []model.OcrResult) (model.OcrResult, AggregateStats, error) {
	stats := AggregateStats{TotalPages: len(pages)}
	var (
		b   strings.Builder
		out model.OcrResult
		sum float64
	)
	for i, p := range pages {
		n := i + 1
		if strings.TrimSpace(p.Text) == "" {
			zap.L().Warn("ocr: no text on page, skipping", zap.Int("page", n))
			stats.SkippedPages = append(stats.SkippedPages, n)
			continue
		}
		fmt.Fprintf(&b, "\n--- PAGE %d ---\n%s\n", n, p.Text)
		out.Boxes = append(out.Boxes, p.Boxes...)
		out.Words = append(out.Words, p.Words...)
		sum += p.Confidence
		stats.PagesWithText++
	}
	if stats.PagesWithText == 0 {
		return model.OcrResult{}, stats, ErrNoText
	}
	out.Text = b.String()
	out.Confidence = sum / float64(stats.PagesWithText)
	return out, stats, nil
}
