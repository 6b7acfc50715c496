package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/confidence"
	"github.com/sells-group/facture-cli/internal/config"
	"github.com/sells-group/facture-cli/internal/cost"
	"github.com/sells-group/facture-cli/internal/extract"
	"github.com/sells-group/facture-cli/internal/fetcher"
	"github.com/sells-group/facture-cli/internal/learning"
	"github.com/sells-group/facture-cli/internal/llm"
	"github.com/sells-group/facture-cli/internal/ocr"
	"github.com/sells-group/facture-cli/internal/pattern"
	"github.com/sells-group/facture-cli/internal/pipeline"
	"github.com/sells-group/facture-cli/internal/prompt"
	"github.com/sells-group/facture-cli/internal/store"
)

// pipelineEnv holds the store, the OCR engine, the update queue and the
// services built on them for the extract/batch/serve commands.
type pipelineEnv struct {
	Store    store.Store
	OCR      *ocr.Adapter
	Queue    *pipeline.UpdateQueue
	Pipeline *pipeline.Pipeline
	Learning *learning.Loop
}

// Close drains the update queue, then releases the OCR engine and the store.
func (pe *pipelineEnv) Close() {
	if pe.Queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout(cfg.Queue))
		if err := pe.Queue.Shutdown(ctx); err != nil {
			zap.L().Warn("update queue did not drain", zap.Error(err), zap.Int("pending", pe.Queue.Pending()))
		}
		cancel()
	}
	if pe.OCR != nil {
		_ = pe.OCR.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func queueDrainTimeout(qc config.QueueConfig) time.Duration {
	if qc.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(qc.TimeoutSecs) * time.Second
}

// newScorer builds the confidence scorer from extraction config. Load
// fills the defaults, so zero values are taken as configured.
func newScorer(ec config.ExtractionConfig) *confidence.Scorer {
	s := confidence.NewScorer(confidence.NewMatcher(ec.Matcher))
	s.DefaultTrust = ec.DefaultConfidence
	s.OCRWeight = ec.OCRWeight
	s.Threshold = ec.ValidationThreshold
	return s
}

// newFetcher builds the invoice downloader from fetch config.
func newFetcher(fc config.FetchConfig) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  fc.UserAgent,
		Timeout:    time.Duration(fc.TimeoutSecs) * time.Second,
		MaxRetries: fc.MaxRetries,
		MaxBytes:   fc.MaxBytes,
	})
}

// initPipeline sets up the store, OCR engine, chat client and update queue
// and builds the Pipeline and learning Loop. The queue is started with ctx.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	engine, err := ocr.NewEngine(ctx, cfg.OCR)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init ocr engine")
	}
	adapter := ocr.NewAdapter(engine, cfg.OCR.MaxConcurrent, cfg.OCR.MinConfidence)

	chat, err := llm.New(cfg)
	if err != nil {
		_ = adapter.Close()
		_ = st.Close()
		return nil, eris.Wrap(err, "init llm client")
	}
	if cfg.LLM.BreakerThreshold > 0 {
		chat = llm.NewBreaker(chat, cfg.LLM.BreakerThreshold, time.Duration(cfg.LLM.BreakerResetSecs)*time.Second)
	}

	queue := pipeline.NewUpdateQueue(st, pipeline.QueueOptions{
		Workers: cfg.Queue.Workers,
		Size:    cfg.Queue.Size,
		Timeout: time.Duration(cfg.Queue.TimeoutSecs) * time.Second,
	})
	queue.Start(ctx)

	p := pipeline.New(pipeline.Deps{
		Fetcher:   newFetcher(cfg.Fetch),
		Pages:     ocr.NewRasterizer(cfg.OCR.PdfToPpmPath, cfg.OCR.DPI, cfg.OCR.MaxPages),
		OCR:       adapter,
		Prompts:   prompt.NewRegistry(st),
		Patterns:  pattern.NewStore(st, cfg.Extraction.MaxFewShotPatterns),
		Extractor: extract.New(chat, cfg.LLM.MaxTokens),
		Scorer:    newScorer(cfg.Extraction),
		Records:   st,
		Updates:   queue,
		Cost:      cost.NewCalculator(cost.FromConfig(cfg.Pricing)),
	}, pipeline.Options{Temperature: cfg.LLM.Temperature})

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("ocr_engine", cfg.OCR.Engine),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("matcher", cfg.Extraction.Matcher),
	)

	return &pipelineEnv{
		Store:    st,
		OCR:      adapter,
		Queue:    queue,
		Pipeline: p,
		Learning: learning.New(st, learning.Options{CreateMissing: cfg.Extraction.CreateMissingPatterns}),
	}, nil
}
