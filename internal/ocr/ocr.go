// Package ocr turns invoice page images into text lines with per-line
// confidence, and aggregates pages into one document result.
package ocr

import (
	"context"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facture-cli/internal/config"
	"github.com/sells-group/facture-cli/internal/model"
)

// Page is one rasterized PDF page or a single uploaded image.
type Page struct {
	Number   int
	Data     []byte
	MIMEType string
}

// Engine recognizes text lines on a page image. An engine that finds no
// text returns an empty slice and a nil error.
type Engine interface {
	Recognize(ctx context.Context, page Page) ([]model.OcrBox, error)
}

// NewEngine creates an Engine based on config.
func NewEngine(ctx context.Context, cfg config.OCRConfig) (Engine, error) {
	switch cfg.Engine {
	case "tesseract", "":
		return NewTesseract(cfg.TesseractPath, cfg.Language), nil
	case "documentai":
		if cfg.DocumentAIProject == "" || cfg.DocumentAIProc == "" {
			return nil, eris.New("ocr: documentai engine requires documentai_project and documentai_processor")
		}
		return NewDocumentAI(ctx, DocumentAIConfig{
			ProjectID:       cfg.DocumentAIProject,
			Location:        cfg.DocumentAILoc,
			ProcessorID:     cfg.DocumentAIProc,
			CredentialsFile: cfg.CredentialsFile,
		})
	default:
		return nil, eris.Errorf("ocr: unknown engine %q", cfg.Engine)
	}
}

// closeEngine releases engine resources when the engine holds any.
func closeEngine(e Engine) error {
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
