package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

var (
	// ErrInvalidSchema is returned for a caller schema that cannot be used.
	ErrInvalidSchema = errors.New("invalid analysis schema")
	// ErrSchemaMismatch is returned when the provider answer does not match the schema.
	ErrSchemaMismatch = errors.New("analyzer output does not match schema")
)

// jsonSchemaKeywords are JSON Schema keys OpenAPI schemas do not model.
var jsonSchemaKeywords = []string{"$schema", "$id", "$defs", "definitions", "const"}

// Schema is a compiled analysis schema. Raw is what the provider receives.
type Schema struct {
	Raw    json.RawMessage
	schema *openapi3.Schema
}

// CompileSchema parses raw as a JSON schema object and checks it. An empty
// or null raw compiles DefaultSchema.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		raw = DefaultSchema
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: must be a JSON object: %v", ErrInvalidSchema, err)
	}

	schema := openapi3.NewSchema()
	if err := schema.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if err := schema.Validate(context.Background(), openapi3.AllowExtraSiblingFields(jsonSchemaKeywords...)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Schema{Raw: raw, schema: schema}, nil
}

// Check reports whether out conforms to the schema.
func (s *Schema) Check(out json.RawMessage) error {
	var value any
	if err := json.Unmarshal(out, &value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := s.schema.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return nil
}

// Map decodes the raw schema for SDKs that take a generic JSON value.
func (s *Schema) Map() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(s.Raw, &m)
	return m
}
