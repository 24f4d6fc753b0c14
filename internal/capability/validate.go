package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles tool input schemas on first use and caches them.
// A cached entry is keyed by tool name but pinned to the schema bytes it
// was compiled from, so an operation whose signature changed between
// index refreshes gets recompiled instead of validated against the old
// shape.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]compiledSchema
}

type compiledSchema struct {
	raw []byte
	sch *jsonschema.Schema
}

// NewValidator creates an empty schema cache.
func NewValidator() *Validator {
	return &Validator{compiled: map[string]compiledSchema{}}
}

// ValidateArgs checks the call arguments against the tool's input schema.
func (v *Validator) ValidateArgs(spec *ToolSpec, args map[string]any) error {
	sch, err := v.schemaFor(spec)
	if err != nil {
		return err
	}
	// Round-trip so numbers are json.Number-free plain values the
	// validator understands uniformly.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("arguments for %s: %w", spec.Name, err)
	}
	return nil
}

func (v *Validator) schemaFor(spec *ToolSpec) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := json.Marshal(spec.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", spec.Name, err)
	}
	if entry, ok := v.compiled[spec.Name]; ok && bytes.Equal(entry.raw, raw) {
		return entry.sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", spec.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://tools/" + spec.Name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register schema for %s: %w", spec.Name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", spec.Name, err)
	}
	v.compiled[spec.Name] = compiledSchema{raw: raw, sch: sch}
	return sch, nil
}
