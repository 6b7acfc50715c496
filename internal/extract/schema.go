package extract

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/facture-cli/internal/model"
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// InvoiceSchema returns the JSON schema of a normalized invoice payload,
// derived from model.InvoiceRecord.
func InvoiceSchema() map[string]any {
	root := map[string]any{}
	groups := map[string]map[string]any{}
	for _, path := range model.FieldPaths() {
		leaf := leafSchema(kinds[path])
		group, name, nested := strings.Cut(path, ".")
		if !nested {
			root[path] = leaf
			continue
		}
		if groups[group] == nil {
			groups[group] = map[string]any{}
		}
		groups[group][name] = leaf
	}
	for name, props := range groups {
		root[name] = map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		}
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           root,
		"additionalProperties": false,
	}
}

func leafSchema(kind string) map[string]any {
	switch kind {
	case "int":
		return map[string]any{"type": "integer", "minimum": 0}
	case "float64":
		return map[string]any{"type": "number", "minimum": 0}
	default:
		return map[string]any{"type": "string", "minLength": 1}
	}
}

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(InvoiceSchema())
		if err != nil {
			schemaErr = eris.Wrap(err, "extract: marshal schema")
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("invoice.json", bytes.NewReader(b)); err != nil {
			schemaErr = eris.Wrap(err, "extract: add schema")
			return
		}
		compiledSchema, schemaErr = compiler.Compile("invoice.json")
		if schemaErr != nil {
			schemaErr = eris.Wrap(schemaErr, "extract: compile schema")
		}
	})
	return compiledSchema, schemaErr
}

// validate checks a normalized payload. The payload is round-tripped through
// JSON so that integer values are seen as JSON numbers.
func validate(payload map[string]any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "extract: marshal payload")
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return eris.Wrap(err, "extract: unmarshal payload")
	}
	if err := s.Validate(v); err != nil {
		return eris.Wrap(err, "extract: payload does not match schema")
	}
	return nil
}
