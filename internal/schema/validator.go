// Package schema wraps JSON-schema compilation and validation for agent
// blueprint parameters_schema and output_schema enforcement.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// printer renders jsonschema error kinds as plain English strings.
var printer = message.NewPrinter(language.English)

// ValidationIssue describes a single schema violation.
type ValidationIssue struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	SchemaPath string `json:"schema_path"`
}

// ValidationError aggregates all leaf violations from one validation pass.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "schema validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

// Schema is a compiled JSON schema with its raw document retained for
// error responses and prompt augmentation.
type Schema struct {
	compiled *jsonschema.Schema
	raw      map[string]interface{}
}

// Compile builds a Schema from a decoded JSON-schema document. The name is
// only used as the resource URL for error reporting.
func Compile(name string, raw map[string]interface{}) (*Schema, error) {
	if raw == nil {
		return nil, errors.New("schema document is nil")
	}
	if name == "" {
		name = "schema.json"
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, raw); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %q: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %q: %w", name, err)
	}

	return &Schema{compiled: compiled, raw: raw}, nil
}

// Raw returns the original schema document.
func (s *Schema) Raw() map[string]interface{} {
	return s.raw
}

// Validate checks value against the schema. On violation it returns a
// *ValidationError listing every leaf issue; any other error indicates an
// internal validation failure.
func (s *Schema) Validate(value interface{}) error {
	err := s.compiled.Validate(value)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("schema validation: %w", err)
	}

	issues := collectIssues(verr, nil)
	if len(issues) == 0 {
		issues = []ValidationIssue{{Path: "/", Message: verr.Error(), SchemaPath: "#"}}
	}
	return &ValidationError{Issues: issues}
}

// collectIssues walks the cause tree and keeps only leaf violations, which
// carry the specific keyword failures.
func collectIssues(verr *jsonschema.ValidationError, acc []ValidationIssue) []ValidationIssue {
	if len(verr.Causes) == 0 {
		acc = append(acc, ValidationIssue{
			Path:       instancePath(verr.InstanceLocation),
			Message:    verr.ErrorKind.LocalizedString(printer),
			SchemaPath: schemaPath(verr),
		})
		return acc
	}
	for _, cause := range verr.Causes {
		acc = collectIssues(cause, acc)
	}
	return acc
}

func instancePath(tokens []string) string {
	if len(tokens) == 0 {
		return "/"
	}
	return "/" + strings.Join(tokens, "/")
}

func schemaPath(verr *jsonschema.ValidationError) string {
	base := "#"
	if idx := strings.Index(verr.SchemaURL, "#"); idx >= 0 {
		base = verr.SchemaURL[idx:]
	}
	keyword := verr.ErrorKind.KeywordPath()
	if len(keyword) == 0 {
		return base
	}
	if base == "#" {
		return "#/" + strings.Join(keyword, "/")
	}
	return base + "/" + strings.Join(keyword, "/")
}

// AutonomousParametersSchema is the implicit parameters schema applied to
// autonomous blueprints that declare none: a single required non-empty
// prompt and nothing else.
func AutonomousParametersSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"prompt"},
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
		},
		"additionalProperties": false,
	}
}
