package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode depends on and reports every
// problem at once. Modes: "extraction" (extract, batch), "learning",
// "serve" and "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := false
	needExtraction := false
	switch mode {
	case "store", "learning":
		needStore = true
	case "extraction":
		needStore = true
		needExtraction = true
	case "serve":
		needStore = true
		needExtraction = true
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needStore {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
		default:
			errs = append(errs, "store.driver must be one of postgres, sqlite")
		}
	}

	if needExtraction {
		switch c.LLM.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required for the anthropic provider")
			}
		case "ollama":
			if c.Ollama.BaseURL == "" {
				errs = append(errs, "ollama.base_url is required for the ollama provider")
			}
		default:
			errs = append(errs, "llm.provider must be one of anthropic, ollama")
		}
		if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
			errs = append(errs, "llm.temperature must be between 0 and 2")
		}
		if c.LLM.MaxTokens <= 0 {
			errs = append(errs, "llm.max_tokens must be > 0")
		}

		switch c.OCR.Engine {
		case "tesseract":
		case "documentai":
			if c.OCR.DocumentAIProject == "" || c.OCR.DocumentAIProc == "" {
				errs = append(errs, "ocr.documentai_project and ocr.documentai_processor are required for the documentai engine")
			}
		default:
			errs = append(errs, "ocr.engine must be one of tesseract, documentai")
		}

		if c.Extraction.ValidationThreshold < 0 || c.Extraction.ValidationThreshold > 1 {
			errs = append(errs, "extraction.validation_threshold must be between 0 and 1")
		}
		if c.Extraction.DefaultConfidence < 0 || c.Extraction.DefaultConfidence > 1 {
			errs = append(errs, "extraction.default_confidence must be between 0 and 1")
		}
		if c.Extraction.OCRWeight < 0 || c.Extraction.OCRWeight > 1 {
			errs = append(errs, "extraction.ocr_weight must be between 0 and 1")
		}
		if c.Extraction.MaxFewShotPatterns < 1 || c.Extraction.MaxFewShotPatterns > 3 {
			errs = append(errs, "extraction.max_few_shot_patterns must be between 1 and 3")
		}
		if c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 32 {
			errs = append(errs, "batch.max_concurrent must be between 1 and 32")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
