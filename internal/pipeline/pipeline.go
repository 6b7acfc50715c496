// Package pipeline orchestrates invoice extraction: download, OCR, LLM
// extraction, confidence scoring, persistence and the background update of
// the canonical invoice.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/facture-cli/internal/confidence"
	"github.com/sells-group/facture-cli/internal/cost"
	"github.com/sells-group/facture-cli/internal/extract"
	"github.com/sells-group/facture-cli/internal/fetcher"
	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/ocr"
)

// State is a stage of one extraction request.
type State string

const (
	StateDownloading        State = "downloading"
	StateOcrExtracting      State = "ocr_extracting"
	StateLlmExtracting      State = "llm_extracting"
	StateScoring            State = "scoring"
	StatePersisting         State = "persisting"
	StateBackgroundUpdating State = "background_updating"
	StateDone               State = "done"
)

// PageSource turns a downloaded file into OCR pages.
type PageSource interface {
	Pages(ctx context.Context, data []byte, name string) ([]ocr.Page, bool, error)
}

// DocumentReader recognizes the text of a document's pages.
type DocumentReader interface {
	ExtractDocument(ctx context.Context, pages []ocr.Page, isPDF bool) (model.OcrResult, ocr.AggregateStats, error)
}

// PromptSource returns the prompt to extract with.
type PromptSource interface {
	GetActivePrompt(ctx context.Context) model.PromptConfig
}

// PatternSource supplies supplier few-shot context.
type PatternSource interface {
	GetPatterns(ctx context.Context, supplier string) ([]model.SupplierPattern, error)
	BuildFewShotContext(patterns []model.SupplierPattern, ocrText string) string
}

// Extractor maps OCR text to an invoice record.
type Extractor interface {
	Extract(ctx context.Context, ocrText string, cfg model.PromptConfig, fewShot string, temperature float64) (extract.Result, error)
}

// RecordWriter persists raw extraction records.
type RecordWriter interface {
	InsertExtraction(ctx context.Context, rec *model.ExtractionRecord) error
}

// Enqueuer schedules canonical invoice updates.
type Enqueuer interface {
	Submit(t UpdateTask) bool
}

// Deps holds the collaborators of a Pipeline.
type Deps struct {
	Fetcher   fetcher.Fetcher
	Pages     PageSource
	OCR       DocumentReader
	Prompts   PromptSource
	Patterns  PatternSource
	Extractor Extractor
	Scorer    *confidence.Scorer
	Records   RecordWriter
	Updates   Enqueuer
	Cost      *cost.Calculator
}

// Options tunes a Pipeline.
type Options struct {
	Temperature float64
}

// Pipeline runs extraction requests. It is safe for concurrent use when its
// collaborators are.
type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Scorer == nil {
		deps.Scorer = confidence.NewScorer(nil)
	}
	if deps.Cost == nil {
		deps.Cost = cost.NewCalculator(cost.DefaultRates())
	}
	return &Pipeline{deps: deps, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Extract runs one request through every stage. A failure before the raw
// record is persisted aborts the request and saves nothing. The canonical
// invoice update is queued and never affects the response.
func (p *Pipeline) Extract(ctx context.Context, req model.ExtractionRequest) (*model.ExtractionResponse, error) {
	req.FactureID = strings.TrimSpace(req.FactureID)
	req.FileURL = strings.TrimSpace(req.FileURL)
	if req.FactureID == "" || req.FileURL == "" {
		return nil, newError(KindInvalidInput, req.FactureID, eris.New("facture_id and file_url are required"))
	}

	log := zap.L().With(zap.String("facture_id", req.FactureID))
	start := time.Now()
	stage := func(s State) {
		log.Debug("pipeline: stage", zap.String("state", string(s)), zap.Duration("elapsed", time.Since(start)))
	}

	stage(StateDownloading)
	data, err := fetcher.ReadAll(ctx, p.deps.Fetcher, req.FileURL)
	if err != nil {
		return nil, newError(KindDownloadFailure, req.FactureID, err)
	}

	stage(StateOcrExtracting)
	doc, stats, err := p.recognize(ctx, data, req.FileURL)
	if err != nil {
		switch {
		case errors.Is(err, ocr.ErrNoText):
			return nil, newError(KindNoTextExtracted, req.FactureID, err)
		case errors.Is(err, ocr.ErrNoPages):
			return nil, newError(KindInvalidInput, req.FactureID, err)
		}
		return nil, newError(KindOCRFailure, req.FactureID, err)
	}
	if len(stats.SkippedPages) > 0 {
		log.Warn("pipeline: pages without text skipped", zap.Ints("pages", stats.SkippedPages))
	}

	stage(StateLlmExtracting)
	promptCfg, fewShot, err := p.loadContext(ctx, req.SupplierHint, doc.Text)
	if err != nil {
		return nil, newError(KindInternal, req.FactureID, err)
	}
	res, err := p.deps.Extractor.Extract(ctx, doc.Text, promptCfg, fewShot, p.opts.Temperature)
	if err != nil {
		return nil, newError(KindLLMFailure, req.FactureID, err)
	}

	stage(StateScoring)
	report := p.deps.Scorer.Score(&res.Record, doc.Boxes, doc.Confidence)
	warnings := res.Record.QualityWarnings()

	stage(StatePersisting)
	rec := &model.ExtractionRecord{
		ID:            uuid.NewString(),
		FactureID:     req.FactureID,
		OcrText:       doc.Text,
		OcrConfidence: doc.Confidence,
		OcrMetadata: model.OcrMetadata{
			TotalWords: len(doc.Words),
			TotalBoxes: len(doc.Boxes),
			TotalPages: stats.PagesWithText,
		},
		LlmRawOutput: res.Record,
		ModelVersion: promptCfg.Version,
		CostUSD:      p.deps.Cost.Chat(res.Provider, res.Model, res.Usage.InputTokens, res.Usage.OutputTokens),
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Blended:      report.Blended,
		CreatedAt:    p.now(),
	}
	if res.Degraded != nil {
		rec.Degraded = true
		rec.DegradedReason = string(res.Degraded.Reason)
	}
	if rec.OutputDigest, err = Digest(res.Record); err != nil {
		log.Warn("pipeline: output digest failed", zap.Error(err))
	}
	if err := p.deps.Records.InsertExtraction(ctx, rec); err != nil {
		return nil, newError(KindPersistenceFailure, req.FactureID, err)
	}

	stage(StateBackgroundUpdating)
	p.deps.Updates.Submit(UpdateTask{
		FactureID:          req.FactureID,
		ExtractionID:       rec.ID,
		Data:               res.Record,
		Blended:            report.Blended,
		RequiresValidation: report.RequiresValidation,
		ExtractedAt:        rec.CreatedAt,
		Degraded:           rec.Degraded,
	})

	stage(StateDone)
	log.Info("pipeline: extraction complete",
		zap.String("extraction_id", rec.ID),
		zap.Float64("blended", report.Blended),
		zap.Bool("requires_validation", report.RequiresValidation),
		zap.Bool("degraded", rec.Degraded),
		zap.Duration("elapsed", time.Since(start)),
	)

	resp := &model.ExtractionResponse{
		ExtractionID:  rec.ID,
		ExtractedData: res.Record,
		Confidence: model.ResponseConfidence{
			Global:   confidence.Round2(report.Blended),
			PerField: confidence.RoundAll(report.PerField),
		},
		OcrMetadata: model.ResponseOcrMetadata{
			TotalWords:    len(doc.Words),
			AvgConfidence: confidence.Round2(doc.Confidence),
			TotalPages:    stats.PagesWithText,
		},
		RequiresValidation: report.RequiresValidation,
		QualityWarnings:    warnings,
	}
	if res.Degraded != nil {
		resp.Degraded = string(res.Degraded.Reason)
	}
	return resp, nil
}

func (p *Pipeline) recognize(ctx context.Context, data []byte, name string) (model.OcrResult, ocr.AggregateStats, error) {
	pages, isPDF, err := p.deps.Pages.Pages(ctx, data, name)
	if err != nil {
		return model.OcrResult{}, ocr.AggregateStats{}, err
	}
	if len(pages) == 0 {
		return model.OcrResult{}, ocr.AggregateStats{}, ocr.ErrNoText
	}
	return p.deps.OCR.ExtractDocument(ctx, pages, isPDF)
}

// loadContext fetches the active prompt and, when a supplier hint is given,
// the supplier patterns concurrently. A pattern lookup failure only costs
// the few-shot context.
func (p *Pipeline) loadContext(ctx context.Context, supplier, ocrText string) (model.PromptConfig, string, error) {
	var (
		promptCfg model.PromptConfig
		patterns  []model.SupplierPattern
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		promptCfg = p.deps.Prompts.GetActivePrompt(gctx)
		return nil
	})
	if strings.TrimSpace(supplier) != "" && p.deps.Patterns != nil {
		g.Go(func() error {
			found, err := p.deps.Patterns.GetPatterns(gctx, supplier)
			if err != nil {
				zap.L().Warn("pipeline: supplier patterns unavailable",
					zap.String("supplier", supplier), zap.Error(err))
				return nil
			}
			patterns = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.PromptConfig{}, "", eris.Wrap(err, "pipeline: load prompt context")
	}

	var fewShot string
	if len(patterns) > 0 {
		fewShot = p.deps.Patterns.BuildFewShotContext(patterns, ocrText)
	}
	return promptCfg, fewShot, nil
}

// Digest returns the sha256 of the RFC 8785 canonical JSON of rec.
func Digest(rec model.InvoiceRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal record")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: canonicalize record")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
