package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// compiled caches schemas by their JSON text. Step config schemas are validated on every
// resolve, so each distinct schema is compiled once per process.
var compiled sync.Map

// Compile compiles a JSON schema document, reusing a cached result for identical text.
func Compile(id string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	key := id + "\x00" + string(schema)
	if cached, ok := compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	actual, _ := compiled.LoadOrStore(key, sch)
	return actual.(*jsonschema.Schema), nil
}

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	sch, err := Compile(id, schema)
	if err != nil {
		return err
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := sch.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateMap validates a value against an inline schema map such as a step config_schema.
func ValidateMap(schema map[string]any, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	return ValidateSchema("inline", data, value)
}

// normalizeValue converts value into the generic JSON shape the validator expects.
// Typed Go values (ints, structs, typed maps) are round-tripped through encoding/json.
func normalizeValue(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string, bool, float64:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id + ".json"
}
