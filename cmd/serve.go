package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/learning"
	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/monitoring"
	"github.com/sells-group/facture-cli/internal/pipeline"
)

var servePort int

// extractionService runs one extraction request.
type extractionService interface {
	Extract(ctx context.Context, req model.ExtractionRequest) (*model.ExtractionResponse, error)
}

// learningService records a batch of corrections.
type learningService interface {
	Learn(ctx context.Context, req model.LearnRequest) (*model.LearnSummary, error)
}

// recordReader serves stored extractions and invoices.
type recordReader interface {
	GetExtraction(ctx context.Context, id string) (*model.ExtractionRecord, error)
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	Ping(ctx context.Context) error
}

// routerDeps holds the handlers' collaborators. Any of them may be nil, in
// which case the matching routes answer 503.
type routerDeps struct {
	Extractor      extractionService
	Learner        learningService
	Records        recordReader
	Metrics        *monitoring.Collector
	AllowedOrigins []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, cfg.Extraction.ValidationThreshold)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		router := buildRouter(routerDeps{
			Extractor:      env.Pipeline,
			Learner:        env.Learning,
			Records:        env.Store,
			Metrics:        collector,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func buildRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Records != nil {
			if err := d.Records.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/extract", func(w http.ResponseWriter, r *http.Request) {
		if d.Extractor == nil {
			writeError(w, http.StatusServiceUnavailable, "extraction unavailable", pipeline.KindInternal)
			return
		}
		var req model.ExtractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", pipeline.KindInvalidInput)
			return
		}

		resp, err := d.Extractor.Extract(r.Context(), req)
		if err != nil {
			kind := pipeline.KindOf(err)
			zap.L().Error("extraction failed",
				zap.String("facture_id", req.FactureID),
				zap.String("kind", string(kind)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Error(err),
			)
			writeError(w, pipeline.HTTPStatus(kind), err.Error(), kind)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/learn", func(w http.ResponseWriter, r *http.Request) {
		if d.Learner == nil {
			writeError(w, http.StatusServiceUnavailable, "learning unavailable", pipeline.KindInternal)
			return
		}
		var req model.LearnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", pipeline.KindInvalidInput)
			return
		}

		summary, err := d.Learner.Learn(r.Context(), req)
		if err != nil {
			if errors.Is(err, learning.ErrInvalidRequest) {
				writeError(w, http.StatusBadRequest, err.Error(), pipeline.KindInvalidInput)
				return
			}
			zap.L().Error("learning failed",
				zap.String("facture_id", req.FactureID),
				zap.String("extraction_id", req.ExtractionID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, err.Error(), pipeline.KindPersistenceFailure)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if d.Metrics == nil {
			writeError(w, http.StatusServiceUnavailable, "metrics unavailable", pipeline.KindInternal)
			return
		}
		lookback := 24
		if v := r.URL.Query().Get("lookback_hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer", pipeline.KindInvalidInput)
				return
			}
			lookback = n
		}
		snap, err := d.Metrics.Collect(r.Context(), lookback)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), pipeline.KindPersistenceFailure)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/extractions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if d.Records == nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", pipeline.KindInternal)
			return
		}
		rec, err := d.Records.GetExtraction(r.Context(), chi.URLParam(r, "id"))
		writeRecord(w, rec, err, "extraction not found")
	})

	r.Get("/invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
		if d.Records == nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", pipeline.KindInternal)
			return
		}
		inv, err := d.Records.GetInvoice(r.Context(), chi.URLParam(r, "id"))
		writeRecord(w, inv, err, "invoice not found")
	})

	return r
}

func writeRecord[T any](w http.ResponseWriter, v *T, err error, notFound string) {
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error(), pipeline.KindPersistenceFailure)
	case v == nil:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFound})
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, kind pipeline.Kind) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind)})
}
