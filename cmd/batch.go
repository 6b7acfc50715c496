package main

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/facture-cli/internal/fetcher"
	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/pipeline"
)

var (
	batchManifest string
	batchLimit    int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract every invoice listed in a CSV or XLSX manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reqs, err := fetcher.ReadManifest(ctx, batchManifest)
		if err != nil {
			return eris.Wrap(err, "read manifest")
		}

		env, err := initPipeline(ctx, "extraction")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := processBatch(ctx, reqs, batchLimit, cfg.Batch.MaxConcurrent, env.Pipeline.Extract)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchManifest, "manifest", "", "path to the .csv or .xlsx manifest (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of invoices to process (0 = all)")
	_ = batchCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(batchCmd)
}

// extractFunc is the callback signature for extracting one invoice.
type extractFunc func(ctx context.Context, req model.ExtractionRequest) (*model.ExtractionResponse, error)

// batchResult summarizes a batch run.
type batchResult struct {
	Succeeded          int64            `json:"succeeded"`
	Failed             int64            `json:"failed"`
	RequiresValidation int64            `json:"requires_validation"`
	Degraded           int64            `json:"degraded"`
	FailuresByKind     map[string]int64 `json:"failures_by_kind,omitempty"`
}

// processBatch applies limit, then extracts requests concurrently. A
// failed invoice is logged and counted; it never aborts the batch.
func processBatch(ctx context.Context, reqs []model.ExtractionRequest, limit, concurrency int, extract extractFunc) (*batchResult, error) {
	res := &batchResult{}
	if len(reqs) == 0 {
		zap.L().Info("manifest lists no invoices")
		return res, nil
	}

	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("invoices", len(reqs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed, needsValidation, degraded atomic.Int64
	failures := make([]pipeline.Kind, len(reqs))

	for i, req := range reqs {
		g.Go(func() error {
			log := zap.L().With(zap.String("facture_id", req.FactureID))

			resp, err := extract(gctx, req)
			if err != nil {
				failed.Add(1)
				failures[i] = pipeline.KindOf(err)
				log.Error("extraction failed", zap.String("kind", string(failures[i])), zap.Error(err))
				return nil
			}

			succeeded.Add(1)
			if resp.RequiresValidation {
				needsValidation.Add(1)
			}
			if resp.Degraded != "" {
				degraded.Add(1)
			}
			log.Info("extraction complete",
				zap.String("extraction_id", resp.ExtractionID),
				zap.Float64("confidence", resp.Confidence.Global),
				zap.Bool("requires_validation", resp.RequiresValidation),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "batch processing")
	}

	for _, k := range failures {
		if k == "" {
			continue
		}
		if res.FailuresByKind == nil {
			res.FailuresByKind = make(map[string]int64)
		}
		res.FailuresByKind[string(k)]++
	}
	res.Succeeded = succeeded.Load()
	res.Failed = failed.Load()
	res.RequiresValidation = needsValidation.Load()
	res.Degraded = degraded.Load()

	zap.L().Info("batch complete",
		zap.Int64("succeeded", res.Succeeded),
		zap.Int64("failed", res.Failed),
		zap.Int64("requires_validation", res.RequiresValidation),
	)
	return res, nil
}
