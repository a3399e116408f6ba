package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/loom/pkg/schema"
)

// pipelineSchemaJSON is the JSON Schema for declarative pipeline definitions.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "loom://schemas/pipeline.json",
  "type": "object",
  "required": ["type", "steps"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "input_schema": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "output": { "type": "string" },
    "execution_timeout": { "$ref": "#/$defs/duration" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "activity": { "type": "string", "minLength": 1 },
        "sleep": { "$ref": "#/$defs/duration" },
        "input": { "type": "string" },
        "when": { "type": "string" },
        "options": { "$ref": "#/$defs/options" }
      },
      "oneOf": [
        { "required": ["activity"] },
        { "required": ["sleep"] }
      ],
      "additionalProperties": false
    },
    "options": {
      "type": "object",
      "properties": {
        "schedule_to_start_timeout": { "$ref": "#/$defs/duration" },
        "start_to_close_timeout": { "$ref": "#/$defs/duration" },
        "heartbeat_timeout": { "$ref": "#/$defs/duration" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "initial_interval": { "$ref": "#/$defs/duration" },
        "backoff_coefficient": { "type": "number", "minimum": 1 },
        "maximum_interval": { "$ref": "#/$defs/duration" },
        "maximum_attempts": { "type": "integer", "minimum": 0 },
        "non_retryable_error_types": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates payloads against JSON Schema Draft 2020-12.
// Compiled schemas are cached by content hash. Safe for concurrent use.
type SchemaValidator struct {
	pipelineSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a SchemaValidator with the pipeline schema
// pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource("loom://schemas/pipeline.json", doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile("loom://schemas/pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return &SchemaValidator{
		pipelineSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// Compile checks that schemaBytes is a valid JSON Schema and caches it.
// Registries call it at registration so bad schemas fail early.
func (v *SchemaValidator) Compile(schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	if _, err := v.getOrCompile(schemaBytes); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON schema").WithCause(err)
	}
	return nil
}

// ValidateInput validates a JSON payload against schemaBytes. An empty schema
// accepts anything; an empty payload is validated as null.
func (v *SchemaValidator) ValidateInput(input json.RawMessage, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	raw := string(input)
	if strings.TrimSpace(raw) == "" {
		raw = "null"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toLoomError(err)
	}
	return nil
}

// ValidatePipeline validates a decoded pipeline document (any JSON-compatible
// value) against the pipeline schema.
func (v *SchemaValidator) ValidatePipeline(doc any) error {
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize pipeline").WithCause(err)
	}
	if err := v.pipelineSchema.Validate(val); err != nil {
		return toLoomError(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schemaBytes)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "loom://input-schema/" + key
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toLoomError flattens a ValidationError tree into one VALIDATION_ERROR with
// every leaf violation listed in Details.
func toLoomError(err error) *schema.LoomError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
