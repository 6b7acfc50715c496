// Package extract turns OCR text into an InvoiceRecord through a chat LLM.
package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/llm"
	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/prompt"
)

// SystemPrompt is the fixed instruction sent with every extraction.
const SystemPrompt = "Tu es un expert en extraction de données de factures. Réponds UNIQUEMENT avec du JSON valide."

// DefaultMaxTokens caps the LLM reply length when none is configured.
const DefaultMaxTokens = 1000

// ErrLLM marks a chat transport or API failure.
var ErrLLM = eris.New("extract: llm call failed")

// DegradedReason explains why a reply produced no record.
type DegradedReason string

const (
	ReasonNoJSON          DegradedReason = "no_json"
	ReasonInvalidJSON     DegradedReason = "invalid_json"
	ReasonSchemaViolation DegradedReason = "schema_violation"
)

// Degraded describes an LLM reply that could not be mapped to a record.
type Degraded struct {
	Reason DegradedReason
	Err    error
	Raw    string
}

func (d *Degraded) Error() string {
	if d.Err == nil {
		return string(d.Reason)
	}
	return string(d.Reason) + ": " + d.Err.Error()
}

// Result is the outcome of one extraction. When Degraded is set, Record is
// empty and callers must not read it as an empty invoice.
type Result struct {
	Record   model.InvoiceRecord
	Degraded *Degraded
	Usage    Usage
	Model    string
	Provider string
}

// Usage reports the tokens billed for the call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Extractor renders prompts and parses LLM replies.
type Extractor struct {
	client    llm.ChatClient
	maxTokens int
}

// New creates an Extractor. maxTokens <= 0 uses DefaultMaxTokens.
func New(client llm.ChatClient, maxTokens int) *Extractor {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Extractor{client: client, maxTokens: maxTokens}
}

// Extract renders cfg with ocrText, appends fewShot and asks the LLM for a
// JSON invoice. Only a failed chat call returns an error; unusable replies
// come back as a degraded Result.
func (e *Extractor) Extract(ctx context.Context, ocrText string, cfg model.PromptConfig, fewShot string, temperature float64) (Result, error) {
	user := prompt.Render(cfg.Template, ocrText) + fewShot

	resp, err := e.client.Chat(ctx, llm.ChatRequest{
		System:      SystemPrompt,
		User:        user,
		Model:       cfg.ModelName,
		Temperature: temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return Result{}, eris.Wrapf(ErrLLM, "extract: chat with %s: %v", cfg.ModelName, err)
	}

	res := Parse(resp.Content)
	res.Usage = Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	res.Model = resp.Model
	res.Provider = resp.Provider
	if res.Model == "" {
		res.Model = cfg.ModelName
	}
	if res.Degraded != nil {
		zap.L().Warn("extract: llm reply degraded",
			zap.String("reason", string(res.Degraded.Reason)),
			zap.String("model", res.Model),
			zap.Error(res.Degraded.Err),
		)
	}
	return res, nil
}

// Parse maps an LLM reply onto an InvoiceRecord. The payload is the span
// from the first '{' to the last '}'.
func Parse(content string) Result {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end < start {
		return degraded(ReasonNoJSON, eris.New("no JSON object in reply"), content)
	}
	payload := content[start : end+1]

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return degraded(ReasonInvalidJSON, err, content)
	}

	normalized := Normalize(raw)
	if err := validate(normalized); err != nil {
		return degraded(ReasonSchemaViolation, err, content)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return degraded(ReasonInvalidJSON, err, content)
	}
	var rec model.InvoiceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return degraded(ReasonSchemaViolation, err, content)
	}
	return Result{Record: rec}
}

func degraded(reason DegradedReason, err error, raw string) Result {
	return Result{Degraded: &Degraded{Reason: reason, Err: err, Raw: raw}}
}
