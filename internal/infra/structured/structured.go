// Package structured validates JSON produced by the generation service.
package structured

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"aivis/internal/domain"
)

// Validator checks documents against one compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles a JSON Schema document.
func Compile(schema json.RawMessage) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile([]byte(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// MustCompile is Compile for schemas known at build time.
func MustCompile(schema json.RawMessage) *Validator {
	v, err := Compile(schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate decodes raw and checks it against the schema. Failures wrap
// domain.ErrSchemaValidation.
func (v *Validator) Validate(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrSchemaValidation, err)
	}
	result := v.schema.Validate(doc)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrSchemaValidation, result.Error())
	}
	return nil
}

var cache sync.Map // string(schema) -> *Validator

// Validate checks raw against schema, compiling the schema once per
// distinct document.
func Validate(schema, raw json.RawMessage) error {
	key := string(schema)
	if v, ok := cache.Load(key); ok {
		return v.(*Validator).Validate(raw)
	}
	v, err := Compile(schema)
	if err != nil {
		return err
	}
	actual, _ := cache.LoadOrStore(key, v)
	return actual.(*Validator).Validate(raw)
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// StripCodeFences removes markdown code fences if the model wrapped its output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}
