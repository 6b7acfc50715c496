package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/model"
)

// fieldAliases maps keys the model is known to emit onto canonical names.
var fieldAliases = map[string]string{
	"montant_onbligation_de_capacite": "montant_obligation_de_capacite",
}

// hoisted lists nested keys that belong at the top level.
var hoisted = map[string][]string{
	"tarif_acheminement": {"tarif_cta_parkwh"},
}

var (
	kinds     = model.FieldKinds()
	numberRe  = regexp.MustCompile(`-?\d[\d \x{00a0}\x{202f}.,]*`)
	spaceRepl = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "")
)

// Normalize rewrites a decoded LLM payload into the canonical invoice shape:
// aliases are renamed, misplaced keys hoisted, numeric strings coerced and
// empty, negative or unknown values dropped.
func Normalize(raw map[string]any) map[string]any {
	for from, to := range fieldAliases {
		if v, ok := raw[from]; ok {
			if _, exists := raw[to]; !exists {
				raw[to] = v
			}
			delete(raw, from)
		}
	}
	for group, keys := range hoisted {
		sub, ok := raw[group].(map[string]any)
		if !ok {
			continue
		}
		for _, k := range keys {
			if v, ok := sub[k]; ok {
				if _, exists := raw[k]; !exists {
					raw[k] = v
				}
				delete(sub, k)
			}
		}
	}
	return normalizeLevel(raw, "")
}

func normalizeLevel(in map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		path := prefix + k
		if sub, ok := v.(map[string]any); ok {
			if !isGroup(path) {
				zap.L().Debug("extract: dropping unknown object", zap.String("field", path))
				continue
			}
			if n := normalizeLevel(sub, path+"."); len(n) > 0 {
				out[k] = n
			}
			continue
		}
		kind, known := kinds[path]
		if !known {
			zap.L().Debug("extract: dropping unknown field", zap.String("field", path))
			continue
		}
		if nv, ok := coerce(path, kind, v); ok {
			out[k] = nv
		}
	}
	return out
}

func isGroup(path string) bool {
	p := path + "."
	for k := range kinds {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// coerce converts v to the JSON type expected for kind. Values that cannot
// be represented are returned unchanged so schema validation reports them.
func coerce(path, kind string, v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch kind {
	case "string":
		switch x := v.(type) {
		case string:
			x = strings.TrimSpace(x)
			if x == "" {
				return nil, false
			}
			return x, true
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(x), true
		}
		return v, true
	case "int", "float64":
		f, ok := toNumber(v)
		if !ok {
			if s, isStr := v.(string); isStr {
				if strings.TrimSpace(s) != "" {
					zap.L().Warn("extract: dropping non-numeric value", zap.String("field", path), zap.String("value", s))
				}
				return nil, false
			}
			return v, true
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			zap.L().Warn("extract: dropping non-finite value", zap.String("field", path))
			return nil, false
		}
		if f < 0 {
			zap.L().Warn("extract: dropping negative value", zap.String("field", path), zap.Float64("value", f))
			return nil, false
		}
		if kind == "int" {
			if f != math.Trunc(f) {
				return v, true
			}
			return int64(f), true
		}
		return f, true
	}
	return v, true
}

// toNumber reads a JSON number or a French-formatted numeric string such as
// "1 234,56 €".
func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		return ParseFrenchNumber(x)
	}
	return 0, false
}

// ParseFrenchNumber parses the first number in s, accepting a decimal comma
// and space or dot thousands separators.
func ParseFrenchNumber(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	m = strings.TrimRight(spaceRepl.Replace(m), ".,")
	lastComma := strings.LastIndex(m, ",")
	lastDot := strings.LastIndex(m, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			m = strings.ReplaceAll(m, ".", "")
			m = strings.Replace(m, ",", ".", 1)
		} else {
			m = strings.ReplaceAll(m, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(m, ",") > 1 {
			m = strings.ReplaceAll(m, ",", "")
		} else {
			m = strings.Replace(m, ",", ".", 1)
		}
	case strings.Count(m, ".") > 1:
		m = strings.ReplaceAll(m, ".", "")
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
