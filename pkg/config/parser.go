package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"gopkg.in/yaml.v3"
)

// Parser reads mission and rollout spec files in YAML, JSON, CUE or Starlark.
// Every document is checked against the CUE spec schema and then against the
// struct tags of the engine and rollout types.
type Parser struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
	starlark  *StarlarkEvaluator
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithStarlarkEvaluator replaces the evaluator used for .star specs.
func WithStarlarkEvaluator(se *StarlarkEvaluator) ParserOption {
	return func(p *Parser) {
		p.starlark = se
	}
}

// NewParser creates a new spec parser.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
		starlark:  NewStarlarkEvaluator(DefaultStarlarkTimeout, nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Schemas returns the schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// FormatOf returns the spec format for a file name.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	case ".star":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported spec file: %s", path)
	}
}

// IsSpecFile reports whether path has a spec file extension.
func IsSpecFile(path string) bool {
	_, err := FormatOf(path)
	return err == nil
}

// ParseFile reads and parses one spec file.
func (p *Parser) ParseFile(path string) (*Document, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, invalidSpec(path, []ValidationError{{File: path, Message: err.Error()}})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec %s: %w", path, err)
	}
	return p.Parse(data, format, path)
}

// ParseDir parses every spec file directly inside dir, in name order. It stops
// at the first invalid file.
func (p *Parser) ParseDir(dir string) ([]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsSpecFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]*Document, 0, len(names))
	for _, name := range names {
		doc, err := p.ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Parse parses spec content. source names the content in errors.
func (p *Parser) Parse(data []byte, format Format, source string) (*Document, error) {
	var raw []byte

	switch format {
	case FormatYAML, FormatJSON, FormatStarlark:
		generic, err := p.decodeGeneric(data, format, source)
		if err != nil {
			return nil, invalidSpec(source, []ValidationError{{File: source, Message: err.Error()}})
		}
		if generic == nil {
			return nil, invalidSpec(source, []ValidationError{{File: source, Message: "empty spec"}})
		}
		if err := p.schemas.ValidateAgainstSchema(SchemaSpec, generic); err != nil {
			return nil, invalidSpec(source, convertCUEErrors(source, err))
		}
		if format == FormatYAML {
			raw = data
		} else if raw, err = yaml.Marshal(generic); err != nil {
			return nil, fmt.Errorf("failed to re-encode spec %s: %w", source, err)
		}

	case FormatCUE:
		out, err := p.schemas.compileAndValidate(SchemaSpec, source, data)
		if err != nil {
			return nil, invalidSpec(source, convertCUEErrors(source, err))
		}
		raw = out

	default:
		return nil, invalidSpec(source, []ValidationError{{File: source, Message: fmt.Sprintf("unsupported format %q", format)}})
	}

	var spec specFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && err != io.EOF {
		return nil, invalidSpec(source, []ValidationError{{File: source, Message: err.Error()}})
	}

	doc, errs := p.buildDocument(source, &spec)
	if len(errs) > 0 {
		return nil, invalidSpec(source, errs)
	}
	return doc, nil
}

func (p *Parser) buildDocument(source string, spec *specFile) (*Document, []ValidationError) {
	hasRollout := spec.Config.Strategy != "" || len(spec.Config.Regions) > 0

	kind := spec.Kind
	if kind == "" {
		kind = KindMission
		if hasRollout {
			kind = KindRollout
		}
	}

	switch {
	case kind == KindRollout && !hasRollout:
		return nil, []ValidationError{{File: source, Path: "rollout", Message: "kind rollout requires a rollout section"}}
	case kind == KindMission && hasRollout:
		return nil, []ValidationError{{File: source, Path: "kind", Message: "a rollout section requires kind rollout"}}
	}

	mission := spec.Mission
	if mission.Name == "" {
		mission.Name = spec.Name
	}

	doc := &Document{
		Kind:     kind,
		Source:   source,
		Priority: spec.Priority,
		Mission:  mission,
	}

	if err := p.validator.Struct(mission); err != nil {
		return nil, p.convertValidatorErrors(source, "mission", err)
	}

	if kind == KindRollout {
		req := rollout.Request{
			Name:    spec.Name,
			Mission: mission,
			Config:  spec.Config,
		}
		if req.Name == "" {
			req.Name = mission.Name
		}
		if err := req.Validate(); err != nil {
			return nil, []ValidationError{{File: source, Path: "rollout", Message: err.Error()}}
		}
		doc.Rollout = &req
	}

	return doc, nil
}

func (p *Parser) convertValidatorErrors(source, root string, err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{File: source, Path: root, Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = root + path[i:]
		}
		out = append(out, ValidationError{
			File:    source,
			Path:    path,
			Message: fmt.Sprintf("failed %s", fe.Tag()),
		})
	}
	return out
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(source string, err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    source,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		// Positions inside the schema are not useful to the author of the spec.
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == source {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{File: source, Message: err.Error()})
	}
	return validationErrors
}

// decodeGeneric decodes a YAML, JSON or Starlark document into plain maps and
// slices. JSON integers stay integers so that the schema's int constraints hold.
func (p *Parser) decodeGeneric(data []byte, format Format, source string) (interface{}, error) {
	var generic interface{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		return generic, nil

	case FormatStarlark:
		globals, err := p.starlark.Evaluate(context.Background(), source, data)
		if err != nil {
			return nil, err
		}
		if len(globals) == 0 {
			return nil, nil
		}
		return globals, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return normalizeNumbers(generic), nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []interface{}:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	}
	return v
}

func invalidSpec(source string, errs []ValidationError) error {
	return engine.NewPermanentError(fmt.Sprintf("invalid spec %s", source), &SpecError{Source: source, Errors: errs}).
		WithCode(engine.ErrCodeValidation).
		WithResource(source).
		WithOperation("config.parse")
}
