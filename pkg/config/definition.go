package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/wsm/pkg/resources"
)

// ValidationError locates one problem in a definition file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.File == "" {
		return e.Message
	}
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// DefinitionError collects the problems of a rejected definition file.
type DefinitionError struct {
	Path   string
	Errors []ValidationError
}

func (e *DefinitionError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("invalid definition %s: %s", e.Path, strings.Join(msgs, "; "))
}

// Unwrap lets callers match resources.ErrInvalidDefinition.
func (e *DefinitionError) Unwrap() error {
	return resources.ErrInvalidDefinition
}

// DefinitionLoader turns definition files into resource definitions.
type DefinitionLoader struct {
	schemas *SchemaRegistry
}

// NewDefinitionLoader returns a loader using the built-in schema.
func NewDefinitionLoader() *DefinitionLoader {
	return &DefinitionLoader{schemas: NewSchemaRegistry()}
}

// Schemas returns the loader's registry.
func (l *DefinitionLoader) Schemas() *SchemaRegistry {
	return l.schemas
}

// LoadDefinition reads a .cue, .json, .yaml or .yml file.
func (l *DefinitionLoader) LoadDefinition(path string) (*resources.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return l.ParseDefinition(path, data)
}

// ParseDefinition parses data; name picks the format by extension and
// labels errors.
func (l *DefinitionLoader) ParseDefinition(name string, data []byte) (*resources.Definition, error) {
	val, err := l.compile(name, data)
	if err != nil {
		return nil, err
	}
	unified, err := l.schemas.Unify(SchemaResource, "#Resource", val)
	if err != nil {
		return nil, &DefinitionError{Path: name, Errors: convertCUEErrors(err)}
	}

	// CUE decodes into plain values; the definition's field mapping is its
	// JSON encoding.
	var doc map[string]interface{}
	if err := unified.Decode(&doc); err != nil {
		return nil, &DefinitionError{Path: name, Errors: convertCUEErrors(err)}
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}
	var def resources.Definition
	if err := json.Unmarshal(encoded, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	if def.ResourceID == "" {
		def.ResourceID = uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadAttributes reads an update parameter file: any object in one of the
// definition formats.
func (l *DefinitionLoader) LoadAttributes(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	val, err := l.compile(path, data)
	if err != nil {
		return nil, err
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &DefinitionError{Path: path, Errors: convertCUEErrors(err)}
	}
	if val.Kind() != cue.StructKind {
		return nil, &DefinitionError{Path: path, Errors: []ValidationError{{File: path, Message: "expected an object"}}}
	}
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, &DefinitionError{Path: path, Errors: convertCUEErrors(err)}
	}
	return out, nil
}

func (l *DefinitionLoader) compile(name string, data []byte) (cue.Value, error) {
	ctx := l.schemas.Context()
	var val cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cue.Value{}, &DefinitionError{Path: name, Errors: []ValidationError{{File: name, Message: err.Error()}}}
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		val = ctx.Encode(doc)
	case ".cue", ".json":
		val = ctx.CompileBytes(data, cue.Filename(name))
	default:
		return cue.Value{}, fmt.Errorf("unsupported definition format %q", filepath.Ext(name))
	}
	if err := val.Err(); err != nil {
		return cue.Value{}, &DefinitionError{Path: name, Errors: convertCUEErrors(err)}
	}
	return val, nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: strings.TrimSpace(cueerrors.Details(e, nil))}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
