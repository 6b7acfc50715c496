package model

import (
	"fmt"
	"math"
	"strings"
)

// QualityWarning flags a data-quality problem in an extracted record. It
// never blocks an extraction.
type QualityWarning struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	WarnNegativeValue    = "negative_value"
	WarnNonFiniteValue   = "non_finite_value"
	WarnUnexpectedBucket = "unexpected_bucket"
	WarnMissingBucket    = "missing_bucket"
	WarnUnknownClass     = "unknown_tariff_class"
)

// bucketsByClass lists the time-of-use buckets each tariff class populates.
var bucketsByClass = map[TariffClass][]string{
	TariffClassBase: {"base"},
	TariffClassHPHC: {"hp", "hc"},
	TariffClass4T:   {"hph", "hch", "hpb", "hcb"},
	TariffClass5T:   {"hph", "hch", "hpb", "hcb", "pointe"},
}

// bucketFields maps a bucket to the consumption and supply-tariff leaves
// that carry it.
var bucketFields = map[string][]string{
	"base":   {"tarif_fourniture.tarif_base_parkwh"},
	"hp":     {"conso.conso_hp", "tarif_fourniture.tarif_hp_parkwh"},
	"hc":     {"conso.conso_hc", "tarif_fourniture.tarif_hc_parkwh"},
	"hph":    {"conso.conso_hph", "tarif_fourniture.tarif_hph_parkwh"},
	"hch":    {"conso.conso_hch", "tarif_fourniture.tarif_hch_parkwh"},
	"hpb":    {"conso.conso_hpb", "tarif_fourniture.tarif_hpb_parkwh"},
	"hcb":    {"conso.conso_hcb", "tarif_fourniture.tarif_hcb_parkwh"},
	"pointe": {"conso.conso_pointe", "tarif_fourniture.tarif_pointe_parkwh"},
}

var bucketOrder = []string{"base", "hp", "hc", "hph", "hch", "hpb", "hcb", "pointe"}

// ParseTariffClass maps the free-form class text an LLM returns onto a
// TariffClass. The second return is false when the text is not recognized.
func ParseTariffClass(s string) (TariffClass, bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case v == "":
		return "", false
	case strings.Contains(v, "(TU)") || v == "BASE" || v == "TU":
		return TariffClassBase, true
	case strings.Contains(v, "(DT)") || v == "HP/HC" || v == "DT" || v == "HP_HC":
		return TariffClassHPHC, true
	case strings.Contains(v, "5T"):
		return TariffClass5T, true
	case strings.Contains(v, "4T"):
		return TariffClass4T, true
	case strings.HasPrefix(v, "AUTRE"):
		return TariffClassOthers, true
	}
	return "", false
}

// QualityWarnings checks numeric fields for sign and finiteness, and the
// consumption and supply-tariff groups against the declared tariff class.
func (r *InvoiceRecord) QualityWarnings() []QualityWarning {
	if r == nil {
		return nil
	}
	var out []QualityWarning
	for _, f := range r.Fields() {
		n, ok := f.Value.(float64)
		if !ok {
			if i, isInt := f.Value.(int); isInt {
				n, ok = float64(i), true
			}
		}
		if !ok {
			continue
		}
		switch {
		case math.IsNaN(n) || math.IsInf(n, 0):
			out = append(out, QualityWarning{Field: f.Path, Code: WarnNonFiniteValue, Message: "value is not a finite number"})
		case n < 0:
			out = append(out, QualityWarning{Field: f.Path, Code: WarnNegativeValue, Message: fmt.Sprintf("value %v is negative", n)})
		}
	}

	if r.ClasseTemporelleTarifaire == nil {
		return out
	}
	class, ok := ParseTariffClass(*r.ClasseTemporelleTarifaire)
	if !ok {
		return append(out, QualityWarning{
			Field:   "classe_temporelle_tarifaire",
			Code:    WarnUnknownClass,
			Message: fmt.Sprintf("unrecognized tariff class %q", *r.ClasseTemporelleTarifaire),
		})
	}
	expected, ok := bucketsByClass[class]
	if !ok {
		return out
	}
	want := make(map[string]bool, len(expected))
	for _, b := range expected {
		want[b] = true
	}

	anyExpected := false
	for _, b := range bucketOrder {
		for _, path := range bucketFields[b] {
			if r.Value(path) == nil {
				continue
			}
			if want[b] {
				anyExpected = true
				continue
			}
			out = append(out, QualityWarning{
				Field:   path,
				Code:    WarnUnexpectedBucket,
				Message: fmt.Sprintf("bucket %q is not part of tariff class %q", b, class),
			})
		}
	}
	// Only report missing buckets when the record carries some bucket data;
	// an invoice without a detail table is not inconsistent.
	if anyExpected {
		for _, b := range expected {
			present := false
			for _, path := range bucketFields[b] {
				if r.Value(path) != nil {
					present = true
				}
			}
			if !present {
				out = append(out, QualityWarning{
					Field:   b,
					Code:    WarnMissingBucket,
					Message: fmt.Sprintf("tariff class %q expects bucket %q", class, b),
				})
			}
		}
	}
	return out
}
