package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

// Loader parses and checks pipeline documents. Pipelines it returns share
// its expression engines.
type Loader struct {
	validator *validation.SchemaValidator
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine
}

// NewLoader creates a Loader with its own schema validator and engines.
func NewLoader() (*Loader, error) {
	v, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Loader{validator: v, cel: cel, jq: expressions.NewGoJQEngine()}, nil
}

// Parse reads a YAML or JSON pipeline document. The document is checked
// against the pipeline schema, then every expression is compiled.
func (l *Loader) Parse(data []byte) (*Pipeline, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline is not valid YAML").WithCause(err)
	}
	if err := l.validator.ValidatePipeline(doc); err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.UnmarshalWithOptions(data, &def, yaml.Strict()); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode pipeline").WithCause(err)
	}
	return l.Compile(&def)
}

// ParseFile reads a pipeline from a .yaml, .yml or .json file.
func (l *Loader) ParseFile(path string) (*Pipeline, error) {
	if !isPipelineFile(path) {
		return nil, fmt.Errorf("unsupported file extension: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return p, nil
}

// LoadDir parses every pipeline file in dir in lexicographical order. Two
// files declaring the same type are an error.
func (l *Loader) LoadDir(dir string) ([]*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && isPipelineFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	seen := make(map[string]string, len(files))
	pipelines := make([]*Pipeline, 0, len(files))
	for _, file := range files {
		p, err := l.ParseFile(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Type()]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "pipeline type %q declared in %s and %s", p.Type(), prev, file)
		}
		seen[p.Type()] = file
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func isPipelineFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// Compile checks def and resolves it into a runnable Pipeline. It does not
// consult the schema; Parse does that for documents.
func (l *Loader) Compile(def *Definition) (*Pipeline, error) {
	p, res := l.compile(def)
	if err := res.ToError(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate reports every problem in a pipeline document instead of stopping
// at the first. When reg is not nil, activities missing from it are reported
// too.
func (l *Loader) Validate(data []byte, reg *registry.Registry) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		res.AddError("/", schema.ErrCodeValidation, "not valid YAML: "+err.Error())
		return res
	}
	if err := l.validator.ValidatePipeline(doc); err != nil {
		addSchemaIssues(res, err)
		return res
	}
	var def Definition
	if err := yaml.UnmarshalWithOptions(data, &def, yaml.Strict()); err != nil {
		res.AddError("/", schema.ErrCodeValidation, err.Error())
		return res
	}
	p, cres := l.compile(&def)
	res.Merge(cres)
	if reg != nil && cres.Valid() {
		res.Merge(p.missingActivities(reg))
	}
	return res
}

func addSchemaIssues(res *schema.ValidationResult, err error) {
	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		if violations, ok := loomErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				res.AddError("/", schema.ErrCodeValidation, v)
			}
			return
		}
	}
	res.AddError("/", schema.ErrCodeValidation, err.Error())
}

func (l *Loader) compile(def *Definition) (*Pipeline, *schema.ValidationResult) {
	res := &schema.ValidationResult{}
	if def.Type == "" {
		res.AddError("type", schema.ErrCodeValidation, "pipeline needs a type")
	}
	if len(def.Steps) == 0 {
		res.AddError("steps", schema.ErrCodeValidation, "pipeline needs at least one step")
	}

	p := &Pipeline{
		name:        def.Type,
		description: def.Description,
		output:      def.Output,
		cel:         l.cel,
		jq:          l.jq,
	}
	var err error
	if p.inputSchema, err = def.inputSchema(); err != nil {
		res.AddError("input_schema", schema.ErrCodeValidation, err.Error())
	}
	if p.executionTimeout, err = parseDuration(def.ExecutionTimeout); err != nil {
		res.AddError("execution_timeout", schema.ErrCodeValidation, err.Error())
	}
	if p.output != "" {
		if err := l.jq.Check(p.output); err != nil {
			res.AddError("output", schema.ErrCodeValidation, err.Error())
		}
	}

	ids := make(map[string]bool, len(def.Steps))
	for i, sd := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if sd.ID == "" {
			res.AddError(path, schema.ErrCodeValidation, "step needs an id")
		} else {
			path = "steps." + sd.ID
			if ids[sd.ID] {
				res.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", sd.ID))
			}
			ids[sd.ID] = true
		}
		if (sd.Activity == "") == (sd.Sleep == "") {
			res.AddError(path, schema.ErrCodeValidation, "step needs exactly one of activity and sleep")
		}

		s := step{id: sd.ID, activity: sd.Activity, input: sd.Input, when: sd.When}
		if s.sleep, err = parseDuration(sd.Sleep); err != nil {
			res.AddError(path+".sleep", schema.ErrCodeValidation, err.Error())
		}
		if s.when != "" {
			if err := l.cel.Check(s.when); err != nil {
				res.AddError(path+".when", schema.ErrCodeValidation, err.Error())
			}
		}
		if s.input != "" {
			if err := l.jq.Check(s.input); err != nil {
				res.AddError(path+".input", schema.ErrCodeValidation, err.Error())
			}
		}
		if s.options, err = sd.Options.resolve(); err != nil {
			res.AddError(path+".options", schema.ErrCodeValidation, err.Error())
		}
		if sd.Options != nil && sd.Options.Retry != nil && sd.Options.Retry.MaximumAttempts == 0 {
			res.AddWarning(path+".options.retry", schema.ErrCodeValidation, "unbounded retry policy")
		}
		p.steps = append(p.steps, s)
	}
	if !res.Valid() {
		return nil, res
	}
	return p, res
}
