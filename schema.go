package qcore

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/xeipuuv/gojsonschema"
	"github.com/rowforge/qcore/storage"
)

// schemaEqual reports whether two JSON Schema documents are equivalent for
// the purpose of an idempotent CreateTable (ported from schema_equal.go's
// SchemaEqual: unmarshal both sides and reflect.DeepEqual, ignoring key
// order/whitespace).
func schemaEqual(a, b []byte) (bool, error) {
	if string(a) == string(b) {
		return true, nil
	}
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false, err
	}
	return reflect.DeepEqual(va, vb), nil
}

// jsonSchemaFor compiles a table descriptor's column list into a JSON
// Schema document (SPEC_FULL.md §4 item 2, grounded on collection.go's
// SetSchema/validate): every column becomes a typed property, required iff
// it has no default.
func jsonSchemaFor(desc *TableDescriptor) []byte {
	properties := make(map[string]interface{}, len(desc.Columns))
	var required []string

	for _, c := range desc.Columns {
		properties[c.Name] = map[string]interface{}{"type": jsonSchemaType(c.Type)}
		if c.Required && c.Default == nil {
			required = append(required, c.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": true,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	out, _ := json.Marshal(schema)
	return out
}

func jsonSchemaType(t string) interface{} {
	switch t {
	case "string":
		return "string"
	case "number":
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "array":
		return "array"
	case "object":
		return "object"
	default:
		return []string{"string", "number", "boolean", "array", "object", "null"}
	}
}

// tableValidator compiles a descriptor's schema once and validates rows
// against it (gojsonschema, the teacher's own validation dependency).
type tableValidator struct {
	schema *gojsonschema.Schema
}

func newTableValidator(desc *TableDescriptor) (*tableValidator, error) {
	raw := jsonSchemaFor(desc)
	loader := gojsonschema.NewBytesLoader(raw)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("qcore: compiling schema for table %s: %w", desc.Name, err)
	}
	return &tableValidator{schema: schema}, nil
}

func (v *tableValidator) Validate(row storage.Row) error {
	if v == nil || v.schema == nil {
		return nil
	}
	doc := gojsonschema.NewGoLoader(map[string]interface{}(row))
	result, err := v.schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %v", ErrSchemaValidation, msgs)
	}
	return nil
}
