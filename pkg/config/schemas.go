package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaSpec      = "spec"
	SchemaMission   = "mission"
	SchemaComponent = "component"
	SchemaRollout   = "rollout"
)

// SchemaRegistry manages CUE schemas for spec validation. A cue.Context is not
// safe for concurrent use, so every operation holds the lock.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	builtins := map[string]string{
		SchemaSpec:      "#Spec",
		SchemaMission:   "#Mission",
		SchemaComponent: "#Component",
		SchemaRollout:   "#Rollout",
	}
	for name, def := range builtins {
		if err := sr.RegisterSchema(name, builtinSchemas, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}
}

// RegisterSchema compiles source and registers the definition it names (for
// example "#Mission") under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// HasSchema reports whether a schema is registered under name.
func (sr *SchemaRegistry) HasSchema(name string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	_, ok := sr.schemas[name]
	return ok
}

// ValidateAgainstSchema encodes data and validates it against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return schema.Unify(dataVal).Validate(cue.Concrete(true))
}

// compileAndValidate compiles a CUE document, validates it against a named
// schema and returns it as JSON.
func (sr *SchemaRegistry) compileAndValidate(schemaName, filename string, src []byte) ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	val := sr.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, err
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}
	return unified.MarshalJSON()
}

// ListSchemas returns all registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinSchemas describes spec documents. Definitions are closed, so unknown
// fields are rejected.
const builtinSchemas = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Retry: {
	max_attempts?: int & >=1
	base_delay?:   #Duration
	backoff?:      "linear" | "exponential"
	max_delay?:    #Duration
}

// Component is one deployable unit handled by the adapter matching type.
#Component: {
	id:                 =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	type:               string & !=""
	action?:            string
	parameters?:        {...}
	dependencies?:      [...string]
	timeout?:           #Duration
	retry?:             #Retry
	continue_on_error?: bool
}

#Mission: {
	name?:          string
	components:     [#Component, ...#Component]
	strategy?:      "sequential" | "parallel" | "hybrid"
	simulate?:      bool
	auto_rollback?: bool
	timeout?:       #Duration
	context?:       {[string]: string}
}

#Rollout: {
	strategy:                "sequential" | "parallel" | "canary" | "blue-green"
	regions:                 [string, ...string]
	canary_regions?:         [...string]
	validation_period?:      #Duration
	max_concurrent_regions?: int & >=0
	health_check_timeout?:   #Duration
	rollback_on_failure?:    bool
	halt_on_batch_failure?:  bool
}

// Spec is a spec file: a mission, or a mission rolled out across regions.
#Spec: {
	kind?:     "mission" | "rollout"
	name?:     string
	priority?: int
	mission:   #Mission
	rollout?:  #Rollout
}
`
