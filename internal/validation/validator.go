// Package validation checks workflow and activity payloads and declarative
// pipeline documents against JSON Schema before anything is written to history.
package validation

import "encoding/json"

// InputValidator validates payloads against JSON Schema (Draft 2020-12).
type InputValidator interface {
	Compile(schemaBytes []byte) error
	ValidateInput(input json.RawMessage, schemaBytes []byte) error
}

var _ InputValidator = (*SchemaValidator)(nil)
