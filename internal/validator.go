package internal

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/qcollector/dynatable"
)

// SubmissionValidator checks submission values against a JSON Schema compiled
// from the form definition, before any value reaches the insert path.
type SubmissionValidator struct {
	schema *jsonschema.Resolved
	fields map[string]string // field id -> title, for error context
}

// jsonType maps a field type to its JSON Schema type. Reference fields accept
// string or array (the coercer keeps the first element); choice fields accept
// string or array likewise.
func jsonType(dt dynatable.DataType) map[string]any {
	switch dt {
	case dynatable.DataTypeNumber:
		return map[string]any{"type": []any{"number", "string"}}
	case dynatable.DataTypeBoolean:
		return map[string]any{"type": "boolean"}
	case dynatable.DataTypeDate, dynatable.DataTypeDateTime:
		return map[string]any{"type": "string"}
	case dynatable.DataTypeMultiChoice, dynatable.DataTypeFileRef, dynatable.DataTypeImageRef:
		return map[string]any{"type": []any{"string", "array"}}
	default:
		return map[string]any{"type": "string"}
	}
}

// NewSubmissionValidator compiles the form definition into a resolved JSON
// schema. Required fields must be present and non-null; unknown keys are
// allowed, matching the insert path's drift tolerance.
func NewSubmissionValidator(schema *dynatable.FormSchema) (*SubmissionValidator, error) {
	properties := make(map[string]any, len(schema.Fields))
	fields := make(map[string]string, len(schema.Fields))
	var required []string
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if f.ID == uuid.Nil {
			continue
		}
		key := f.ID.String()
		properties[key] = jsonType(f.DataType)
		fields[key] = f.Title
		if f.Required {
			required = append(required, key)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal submission schema: %w", err)
	}
	var js jsonschema.Schema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("unmarshal submission schema: %w", err)
	}
	resolved, err := js.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("resolve submission schema: %w", err)
	}
	return &SubmissionValidator{schema: resolved, fields: fields}, nil
}

// Validate checks one submission's values. Returns a VALIDATION_FAILED
// engine error naming the offending field titles.
func (v *SubmissionValidator) Validate(values map[uuid.UUID]any) error {
	doc := make(map[string]any, len(values))
	for id, value := range values {
		doc[id.String()] = value
	}
	if err := v.schema.Validate(doc); err != nil {
		ee := dynatable.NewValidationError("submission does not match form definition").WithCause(err)
		for key, title := range v.fields {
			if _, ok := doc[key]; !ok {
				ee.WithDetail(key, fmt.Sprintf("field %q missing", title))
			}
		}
		return ee
	}
	return nil
}
