// Package prompt resolves the active extraction prompt and renders it.
package prompt

import (
	"context"
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/facture-cli/internal/model"
)

// OCRPlaceholder is the single substitution point of a prompt template.
const OCRPlaceholder = "{ocr_text}"

const (
	defaultVersion = "v1.0"
	defaultModel   = "mistral:7b-instruct-q4_K_M"
)

//go:embed default_prompt.txt
var defaultTemplate string

// Default returns the built-in prompt used when none is active.
func Default() model.PromptConfig {
	return model.PromptConfig{
		Version:   defaultVersion,
		Template:  defaultTemplate,
		ModelName: defaultModel,
		Active:    true,
	}
}

// Source is the subset of the store the registry reads.
type Source interface {
	GetActivePrompt(ctx context.Context) (*model.PromptConfig, error)
}

// Registry returns the active prompt, falling back to Default.
type Registry struct {
	src Source
}

// NewRegistry creates a Registry over src. A nil src always yields Default.
func NewRegistry(src Source) *Registry {
	return &Registry{src: src}
}

// GetActivePrompt never fails: a missing prompt or a store error yields the
// built-in default, and the error is logged.
func (r *Registry) GetActivePrompt(ctx context.Context) model.PromptConfig {
	if r.src == nil {
		return Default()
	}
	p, err := r.src.GetActivePrompt(ctx)
	if err != nil {
		zap.L().Warn("prompt: active prompt lookup failed, using default", zap.Error(err))
		return Default()
	}
	if p == nil || strings.TrimSpace(p.Template) == "" {
		return Default()
	}
	return *p
}

// Render substitutes {ocr_text} and unescapes {{ and }}. Other brace
// sequences are kept verbatim.
func Render(template, ocrText string) string {
	var b strings.Builder
	b.Grow(len(template) + len(ocrText))
	for i := 0; i < len(template); {
		switch {
		case strings.HasPrefix(template[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(template[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case strings.HasPrefix(template[i:], OCRPlaceholder):
			b.WriteString(ocrText)
			i += len(OCRPlaceholder)
		default:
			b.WriteByte(template[i])
			i++
		}
	}
	return b.String()
}

// LoadSeed reads prompt definitions from a YAML file with a top-level
// "prompts" list.
func LoadSeed(path string) ([]model.PromptConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: read seed %s", path)
	}

	var wrapper struct {
		Prompts []model.PromptConfig `yaml:"prompts"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "prompt: parse seed")
	}

	active := 0
	for i, p := range wrapper.Prompts {
		if p.Version == "" {
			return nil, eris.Errorf("prompt: seed entry %d has no version", i)
		}
		if !strings.Contains(p.Template, OCRPlaceholder) {
			return nil, eris.Errorf("prompt: seed %s has no %s placeholder", p.Version, OCRPlaceholder)
		}
		if p.ModelName == "" {
			wrapper.Prompts[i].ModelName = defaultModel
		}
		if p.Active {
			active++
		}
	}
	if active > 1 {
		return nil, eris.Errorf("prompt: seed marks %d prompts active", active)
	}
	return wrapper.Prompts, nil
}
