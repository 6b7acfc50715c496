// Package confidence scores extracted invoice fields against OCR evidence.
package confidence

import (
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/facture-cli/internal/model"
)

const (
	// DefaultTrust is the score of a present value with no OCR evidence.
	DefaultTrust = 0.7
	// DefaultOCRWeight is the share of OCR document confidence in the blend.
	DefaultOCRWeight = 0.4
	// DefaultThreshold is the blended score under which review is required.
	DefaultThreshold = 0.8
)

// FieldEvidenceMatcher looks for a stringified field value in OCR boxes and
// returns the confidence of the first supporting box.
type FieldEvidenceMatcher interface {
	Match(value string, boxes []model.OcrBox) (float64, bool)
}

// SubstringMatcher matches a value contained, case-insensitively, in a box.
type SubstringMatcher struct{}

// Match implements FieldEvidenceMatcher.
func (SubstringMatcher) Match(value string, boxes []model.OcrBox) (float64, bool) {
	needle := strings.ToLower(value)
	for _, b := range boxes {
		if strings.Contains(strings.ToLower(b.Text), needle) {
			return b.Confidence, true
		}
	}
	return 0, false
}

// NumberMatcher extends substring matching with French number formatting:
// decimal commas and space thousands separators are folded before compare.
type NumberMatcher struct{}

// Match implements FieldEvidenceMatcher.
func (NumberMatcher) Match(value string, boxes []model.OcrBox) (float64, bool) {
	if c, ok := (SubstringMatcher{}).Match(value, boxes); ok {
		return c, true
	}
	if _, err := strconv.ParseFloat(value, 64); err != nil {
		return 0, false
	}
	needle := foldNumber(value)
	for _, b := range boxes {
		if strings.Contains(foldNumber(b.Text), needle) {
			return b.Confidence, true
		}
	}
	return 0, false
}

var numberFolder = strings.NewReplacer(",", ".", " ", "", "\u00a0", "", "\u202f", "")

func foldNumber(s string) string {
	return numberFolder.Replace(strings.ToLower(s))
}

// NewMatcher returns the matcher registered under name, defaulting to
// SubstringMatcher.
func NewMatcher(name string) FieldEvidenceMatcher {
	if name == "number" {
		return NumberMatcher{}
	}
	return SubstringMatcher{}
}

// Scorer computes per-field, global and blended confidence.
type Scorer struct {
	Matcher      FieldEvidenceMatcher
	DefaultTrust float64
	OCRWeight    float64
	Threshold    float64
}

// NewScorer returns a Scorer with the default weights and matcher m. A nil
// m uses SubstringMatcher.
func NewScorer(m FieldEvidenceMatcher) *Scorer {
	if m == nil {
		m = SubstringMatcher{}
	}
	return &Scorer{
		Matcher:      m,
		DefaultTrust: DefaultTrust,
		OCRWeight:    DefaultOCRWeight,
		Threshold:    DefaultThreshold,
	}
}

// FieldConfidence scores one leaf value: 0 when absent, the matching box
// confidence when found, DefaultTrust otherwise.
func (s *Scorer) FieldConfidence(value any, boxes []model.OcrBox) float64 {
	if value == nil {
		return 0
	}
	str := Stringify(value)
	if str == "" {
		return 0
	}
	if c, ok := s.Matcher.Match(str, boxes); ok {
		return c
	}
	return s.DefaultTrust
}

// Score builds the ConfidenceReport of rec. perField holds top-level
// scalars and dotted group leaves; Groups holds the mean per nested group.
func (s *Scorer) Score(rec *model.InvoiceRecord, boxes []model.OcrBox, ocrConfidence float64) model.ConfidenceReport {
	report := model.ConfidenceReport{
		PerField: make(map[string]float64),
		Groups:   make(map[string]float64),
	}
	for _, f := range rec.Fields() {
		report.PerField[f.Path] = s.FieldConfidence(f.Value, boxes)
	}
	for _, g := range rec.Groups() {
		report.Groups[g.Name] = s.groupConfidence(g, report.PerField)
	}

	report.Global = Global(report.PerField)
	report.Blended = s.Blend(ocrConfidence, report.Global)
	report.RequiresValidation = report.Blended < s.Threshold
	return report
}

func (s *Scorer) groupConfidence(g model.FieldGroup, perField map[string]float64) float64 {
	var sum float64
	var n int
	for _, leaf := range g.Leaves {
		sum += perField[leaf.Path]
		n++
	}
	if n == 0 {
		return s.DefaultTrust
	}
	return sum / float64(n)
}

// Blend weights OCR document confidence against global field confidence.
func (s *Scorer) Blend(ocr, global float64) float64 {
	return s.OCRWeight*ocr + (1-s.OCRWeight)*global
}

// Global is the mean of the scores strictly greater than zero, or 0.
func Global(perField map[string]float64) float64 {
	var sum float64
	var n int
	for _, c := range perField {
		if c > 0 {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Stringify renders a leaf value the way it is searched for in OCR text.
func Stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	default:
		return ""
	}
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// RoundAll returns a copy of m with every value rounded to two decimals.
func RoundAll(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = Round2(v)
	}
	return out
}
