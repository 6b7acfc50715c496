package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/model"
)

// Adapter wraps a shared Engine behind a bounded semaphore and shapes
// engine output into OcrResults.
type Adapter struct {
	engine        Engine
	sem           chan struct{}
	minConfidence float64
}

// NewAdapter creates an Adapter. maxConcurrent bounds how many pages may be
// recognized at once across all callers; values below 1 are treated as 1.
func NewAdapter(engine Engine, maxConcurrent int, minConfidence float64) *Adapter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Adapter{
		engine:        engine,
		sem:           make(chan struct{}, maxConcurrent),
		minConfidence: minConfidence,
	}
}

// ExtractText recognizes one page. A page without any recognized line
// yields an empty result with confidence 0 and no error.
func (a *Adapter) ExtractText(ctx context.Context, page Page) (model.OcrResult, error) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return model.OcrResult{}, eris.Wrap(ctx.Err(), "ocr: wait for engine")
	}
	boxes, err := a.engine.Recognize(ctx, page)
	<-a.sem
	if err != nil {
		return model.OcrResult{}, eris.Wrapf(err, "ocr: recognize page %d", page.Number)
	}

	res := fromBoxes(boxes)
	if res.Text != "" && a.minConfidence > 0 && res.Confidence < a.minConfidence {
		zap.L().Warn("ocr: low page confidence",
			zap.Int("page", page.Number),
			zap.Float64("confidence", res.Confidence),
			zap.Float64("min_confidence", a.minConfidence),
		)
	}
	return res, nil
}

// ExtractDocument recognizes pages sequentially. A single image is passed
// through unchanged; a PDF is aggregated with page markers.
func (a *Adapter) ExtractDocument(ctx context.Context, pages []Page, isPDF bool) (model.OcrResult, AggregateStats, error) {
	if !isPDF && len(pages) == 1 {
		res, err := a.ExtractText(ctx, pages[0])
		if err != nil {
			return model.OcrResult{}, AggregateStats{}, err
		}
		if strings.TrimSpace(res.Text) == "" {
			return res, AggregateStats{TotalPages: 1}, ErrNoText
		}
		return res, AggregateStats{TotalPages: 1, PagesWithText: 1}, nil
	}

	results := make([]model.OcrResult, 0, len(pages))
	for _, p := range pages {
		res, err := a.ExtractText(ctx, p)
		if err != nil {
			return model.OcrResult{}, AggregateStats{}, err
		}
		results = append(results, res)
	}
	return Aggregate(results)
}

// Close releases the underlying engine.
func (a *Adapter) Close() error {
	return closeEngine(a.engine)
}

func fromBoxes(boxes []model.OcrBox) model.OcrResult {
	if len(boxes) == 0 {
		return model.OcrResult{}
	}
	lines := make([]string, 0, len(boxes))
	var (
		words []string
		sum   float64
	)
	for _, b := range boxes {
		lines = append(lines, b.Text)
		words = append(words, strings.Fields(b.Text)...)
		sum += b.Confidence
	}
	return model.OcrResult{
		Text:       strings.Join(lines, "\n"),
		Confidence: sum / float64(len(boxes)),
		Boxes:      boxes,
		Words:      words,
	}
}
