// Package pattern serves supplier-specific field patterns learned from
// human corrections and renders them as few-shot prompt context.
package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/facture-cli/internal/model"
)

// MaxFewShot is the default number of patterns reflected in a prompt.
const MaxFewShot = 3

const fewShotHeader = "\n\nExemples de patterns appris pour ce fournisseur :\n"

// Source is the subset of the store the pattern package reads.
type Source interface {
	ListPatterns(ctx context.Context, supplierKey string) ([]model.SupplierPattern, error)
}

// Store serves patterns for a supplier and builds few-shot context.
type Store struct {
	src   Source
	limit int
}

// NewStore creates a pattern Store. A limit outside 1..MaxFewShot uses
// MaxFewShot.
func NewStore(src Source, limit int) *Store {
	if limit <= 0 || limit > MaxFewShot {
		limit = MaxFewShot
	}
	return &Store{src: src, limit: limit}
}

// GetPatterns returns the patterns for supplier in priority order. An empty
// supplier yields no patterns.
func (s *Store) GetPatterns(ctx context.Context, supplier string) ([]model.SupplierPattern, error) {
	key := NormalizeSupplier(supplier)
	if key == "" {
		return nil, nil
	}
	patterns, err := s.src.ListPatterns(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "pattern: list for supplier %q", supplier)
	}
	return patterns, nil
}

// BuildFewShotContext renders at most the store's limit of patterns as
// prompt hints. Zero patterns yield the empty string. ocrText is accepted
// for callers that select hints by document content; the current rendering
// ignores it.
func (s *Store) BuildFewShotContext(patterns []model.SupplierPattern, ocrText string) string {
	return buildFewShot(patterns, s.limit)
}

func buildFewShot(patterns []model.SupplierPattern, limit int) string {
	if len(patterns) == 0 {
		return ""
	}
	if len(patterns) > limit {
		patterns = patterns[:limit]
	}

	var b strings.Builder
	b.WriteString(fewShotHeader)
	for _, p := range patterns {
		if p.RegexHint != nil && *p.RegexHint != "" {
			fmt.Fprintf(&b, "- %s: utiliser regex '%s'\n", p.FieldName, *p.RegexHint)
		}
		if isEmptyExample(p.ExampleValue) {
			continue
		}
		if obj, ok := p.ExampleValue.(map[string]any); ok {
			data, err := json.Marshal(obj)
			if err == nil {
				fmt.Fprintf(&b, "Exemple de structure pour %s: %s\n", p.FieldName, data)
				continue
			}
		}
		fmt.Fprintf(&b, "Exemple pour %s: %s\n", p.FieldName, formatValue(p.ExampleValue))
	}
	return b.String()
}

func isEmptyExample(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// formatValue renders a scalar pattern value the way it appears on an
// invoice: strings verbatim, numbers in shortest form.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%v", x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

var foldCase = cases.Fold()

// NormalizeSupplier derives the pattern key for a supplier name: accents
// stripped, case folded and whitespace collapsed.
func NormalizeSupplier(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	return strings.Join(strings.Fields(foldCase.String(stripped)), " ")
}
