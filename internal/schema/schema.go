// Package schema provides JSON Schema validation for job payloads.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/bobmcallan/jobd/internal/interfaces"
	"github.com/bobmcallan/jobd/internal/models"
)

// JSONSchema validates payloads against a compiled JSON Schema document.
type JSONSchema struct {
	compiled *gojsonschema.Schema
	source   string
}

// NewJSON compiles a JSON Schema document.
func NewJSON(source string) (*JSONSchema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &JSONSchema{compiled: compiled, source: source}, nil
}

// MustJSON compiles a JSON Schema document, panicking on error. Intended
// for package-level schema definitions.
func MustJSON(source string) *JSONSchema {
	s, err := NewJSON(source)
	if err != nil {
		panic(err)
	}
	return s
}

// SafeParse implements interfaces.Schema.
func (s *JSONSchema) SafeParse(value []byte) (bool, []models.SchemaIssue) {
	if !json.Valid(value) {
		return false, []models.SchemaIssue{{Path: "(root)", Message: "payload is not valid JSON"}}
	}

	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(value))
	if err != nil {
		return false, []models.SchemaIssue{{Path: "(root)", Message: err.Error()}}
	}
	if result.Valid() {
		return true, nil
	}

	issues := make([]models.SchemaIssue, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		issues = append(issues, models.SchemaIssue{
			Path:    resultErr.Field(),
			Message: resultErr.Description(),
		})
	}
	return false, issues
}

// Any accepts every syntactically valid JSON payload. Used for job types
// whose input or output shape is opaque to the service.
type Any struct{}

// SafeParse implements interfaces.Schema.
func (Any) SafeParse(value []byte) (bool, []models.SchemaIssue) {
	if len(value) == 0 {
		return true, nil
	}
	if !json.Valid(value) {
		return false, []models.SchemaIssue{{Path: "(root)", Message: "payload is not valid JSON"}}
	}
	return true, nil
}

// Compile-time checks
var (
	_ interfaces.Schema = (*JSONSchema)(nil)
	_ interfaces.Schema = Any{}
)
